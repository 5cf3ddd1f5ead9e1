package gate

import (
	"net"
)

// AccessPolicy decides which peers may connect.
type AccessPolicy interface {
	AccessAllowed(peer, local net.Addr) bool
	IsLocalAddress(peer, local net.Addr) bool
}

// Handler serves one accepted connection.
type Handler interface {
	// Done is closed exactly once when the connection ends.
	Done() <-chan struct{}
	// Close releases the handler. It must be idempotent.
	Close() error
}

// HandlerFactory builds a handler for an admitted connection. local reports
// whether the peer is on a local network.
type HandlerFactory interface {
	NewHandler(conn net.Conn, local bool) Handler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(conn net.Conn, local bool) Handler

// NewHandler calls f(conn, local).
func (f HandlerFactoryFunc) NewHandler(conn net.Conn, local bool) Handler {
	return f(conn, local)
}

// Rejection reasons reported to Metrics.
const (
	ReasonDenied      = "denied"
	ReasonRateLimited = "rate_limited"
	ReasonNoHandler   = "no_handler"
)

// Metrics receives gate activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ConnectionAccepted(local bool)
	ConnectionRejected(reason string)
	ConnectionClosed()
	SetActive(n int)
	SetListening(listening bool)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionAccepted(bool)   {}
func (nopMetrics) ConnectionRejected(string) {}
func (nopMetrics) ConnectionClosed()         {}
func (nopMetrics) SetActive(int)             {}
func (nopMetrics) SetListening(bool)         {}
