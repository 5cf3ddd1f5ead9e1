// Package gate accepts TCP connections for the JSON API, filters them through
// an access policy and tracks the handlers serving admitted peers.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

const (
	// TracerName is the instrumentation name used for admission spans.
	TracerName = "github.com/vyrodovalexey/loggate/internal/gate"

	// DefaultIncomingBacklog is the number of accepted sockets that may wait
	// for admission before the accept goroutine blocks.
	DefaultIncomingBacklog = 64

	acceptRetryDelay = 50 * time.Millisecond
)

// ErrClosed is returned by operations on a closed gate.
var ErrClosed = errors.New("connection gate closed")

// Config holds the listening parameters of a gate.
type Config struct {
	// Address is the interface to bind. Empty means all interfaces.
	Address string

	// Port is the TCP port. Zero picks an ephemeral port.
	Port int

	// AcceptRate limits admissions per second. Zero disables the limit.
	AcceptRate float64

	// AcceptBurst is the limiter burst. Values below one are derived from
	// AcceptRate.
	AcceptBurst int
}

// ConfigFromSettings converts the jsonServer settings section.
func ConfigFromSettings(s config.JSONServerConfig) Config {
	return Config{
		Address:     s.Address,
		Port:        s.Port,
		AcceptRate:  s.AcceptRate,
		AcceptBurst: s.AcceptBurst,
	}
}

// Gate owns the listening socket and the set of active connection handlers.
//
// Admission, closure and release of handlers happen on a single goroutine.
// Start, Stop and port changes are serialized by a separate mutex and never
// touch the active set, so reconfiguring the listener does not disturb
// connections that were already accepted.
type Gate struct {
	policy  AccessPolicy
	factory HandlerFactory
	log     *logging.Logger
	metrics Metrics
	tracer  trace.Tracer
	limiter atomic.Pointer[rate.Limiter]

	lifeMu     sync.Mutex
	cfg        Config
	listener   net.Listener
	acceptDone chan struct{}
	closed     bool
	listening  atomic.Bool

	incoming chan net.Conn
	finished chan *tracked
	requests chan func()
	quit     chan struct{}
	done     chan struct{}

	// Owned by the loop goroutine.
	active    map[*tracked]struct{}
	graveyard []*tracked
	count     atomic.Int64
}

// tracked is the gate's entry for one admitted handler. The set is keyed by
// this pointer so handlers of any dynamic type can be tracked.
type tracked struct {
	h Handler
}

// Option is a functional option for the gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(g *Gate) {
		if log != nil {
			g.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(g *Gate) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithTracerProvider sets the tracer provider used for admission spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) {
		if tp != nil {
			g.tracer = tp.Tracer(TracerName)
		}
	}
}

// New creates a stopped gate and starts its event loop. Call Start to listen
// and Close to release it.
func New(cfg Config, policy AccessPolicy, factory HandlerFactory, opts ...Option) *Gate {
	g := &Gate{
		policy:   policy,
		factory:  factory,
		log:      logging.Get("JSONSERVER"),
		metrics:  nopMetrics{},
		tracer:   otel.GetTracerProvider().Tracer(TracerName),
		cfg:      cfg,
		incoming: make(chan net.Conn, DefaultIncomingBacklog),
		finished: make(chan *tracked),
		requests: make(chan func()),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		active:   make(map[*tracked]struct{}),
	}

	for _, opt := range opts {
		opt(g)
	}

	g.SetAcceptRate(cfg.AcceptRate, cfg.AcceptBurst)

	go g.run()

	return g
}

// Start begins listening. It is a no-op if the gate is already listening. A
// bind failure is logged and returned and the gate stays stopped.
func (g *Gate) Start() error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	return g.startLocked()
}

func (g *Gate) startLocked() error {
	if g.closed {
		return ErrClosed
	}
	if g.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(g.cfg.Address, strconv.Itoa(g.cfg.Port))
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		g.log.Errorf("Failed to listen on %s: %v", addr, err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g.listener = listener
	g.acceptDone = make(chan struct{})
	g.listening.Store(true)
	g.metrics.SetListening(true)

	go g.acceptLoop(listener, g.acceptDone)

	g.log.Infof("Listening on %s", listener.Addr())
	return nil
}

// Stop closes the listening socket. Accepted connections are left alone. It
// is a no-op if the gate is not listening.
func (g *Gate) Stop() {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	g.stopLocked()
}

func (g *Gate) stopLocked() {
	if g.listener == nil {
		return
	}

	addr := g.listener.Addr()
	if err := g.listener.Close(); err != nil {
		g.log.Debugf("Error closing listener on %s: %v", addr, err)
	}
	<-g.acceptDone

	g.listener = nil
	g.acceptDone = nil
	g.listening.Store(false)
	g.metrics.SetListening(false)

	g.log.Infof("Stopped listening on %s", addr)
}

// OnConfigUpdate moves the listener to port. An unchanged port does nothing;
// otherwise the gate stops, switches port and starts again.
func (g *Gate) OnConfigUpdate(port int) error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	return g.reconfigureLocked(g.cfg.Address, port)
}

func (g *Gate) reconfigureLocked(address string, port int) error {
	if g.closed {
		return ErrClosed
	}
	if address == g.cfg.Address && port == g.cfg.Port {
		return nil
	}

	g.log.Infof("Listen address changed from %s to %s, restarting",
		net.JoinHostPort(g.cfg.Address, strconv.Itoa(g.cfg.Port)),
		net.JoinHostPort(address, strconv.Itoa(port)))

	g.stopLocked()
	g.cfg.Address = address
	g.cfg.Port = port
	return g.startLocked()
}

// HandleSettingsUpdate applies the jsonServer settings section. Other
// sections are ignored.
func (g *Gate) HandleSettingsUpdate(section config.Section, doc *config.Config) {
	if section != config.SectionJSONServer || doc == nil {
		return
	}

	cfg := ConfigFromSettings(doc.JSONServer)
	g.SetAcceptRate(cfg.AcceptRate, cfg.AcceptBurst)

	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	g.cfg.AcceptRate = cfg.AcceptRate
	g.cfg.AcceptBurst = cfg.AcceptBurst
	// Errors are logged by startLocked.
	_ = g.reconfigureLocked(cfg.Address, cfg.Port)
}

// SetAcceptRate replaces the admission limiter. A non-positive rate removes
// the limit.
func (g *Gate) SetAcceptRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		g.limiter.Store(nil)
		return
	}
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(perSecond)))
	}
	g.limiter.Store(rate.NewLimiter(rate.Limit(perSecond), burst))
}

// IsListening reports whether the gate holds a listening socket.
func (g *Gate) IsListening() bool {
	return g.listening.Load()
}

// Port returns the configured port.
func (g *Gate) Port() int {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	return g.cfg.Port
}

// Addr returns the bound address, or nil when not listening.
func (g *Gate) Addr() net.Addr {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// ActiveConnections returns the number of admitted, still-open connections.
func (g *Gate) ActiveConnections() int {
	return int(g.count.Load())
}

// Connections returns the handlers currently in the active set.
func (g *Gate) Connections(ctx context.Context) ([]Handler, error) {
	var out []Handler
	err := g.do(ctx, func() {
		out = make([]Handler, 0, len(g.active))
		for c := range g.active {
			out = append(out, c.h)
		}
	})
	return out, err
}

// Close stops listening, ends the event loop and releases every remaining
// handler. Subsequent calls do nothing.
func (g *Gate) Close() error {
	g.lifeMu.Lock()
	if g.closed {
		g.lifeMu.Unlock()
		return nil
	}
	g.closed = true
	g.stopLocked()
	g.lifeMu.Unlock()

	close(g.quit)
	<-g.done
	return nil
}

func (g *Gate) acceptLoop(listener net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			g.log.Warningf("Accept failed on %s: %v", listener.Addr(), err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		select {
		case g.incoming <- conn:
		case <-g.quit:
			_ = conn.Close()
			return
		}
	}
}

func (g *Gate) run() {
	defer close(g.done)

	for {
		select {
		case conn := <-g.incoming:
			g.admit(conn)
			g.drainIncoming()
		case c := <-g.finished:
			g.onClosed(c)
		case req := <-g.requests:
			req()
		case <-g.quit:
			g.shutdown()
			return
		}
		g.reap()
	}
}

// drainIncoming admits every socket already waiting so that a burst of
// connections is handled in one wake-up.
func (g *Gate) drainIncoming() {
	for {
		select {
		case conn := <-g.incoming:
			g.admit(conn)
		default:
			return
		}
	}
}

func (g *Gate) admit(conn net.Conn) {
	peer, local := conn.RemoteAddr(), conn.LocalAddr()

	_, span := g.tracer.Start(context.Background(), "gate.admit",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("net.peer.addr", addrString(peer)),
			attribute.String("net.local.addr", addrString(local)),
		),
	)
	defer span.End()

	if limiter := g.limiter.Load(); limiter != nil && !limiter.Allow() {
		span.SetAttributes(attribute.Bool("gate.allowed", false), attribute.String("gate.reason", ReasonRateLimited))
		g.log.Debugf("Connection from %s rejected: accept rate exceeded", addrString(peer))
		g.reject(conn, ReasonRateLimited)
		return
	}

	if !g.policy.AccessAllowed(peer, local) {
		span.SetAttributes(attribute.Bool("gate.allowed", false), attribute.String("gate.reason", ReasonDenied))
		g.log.Debugf("Connection from %s denied by access policy", addrString(peer))
		g.reject(conn, ReasonDenied)
		return
	}

	isLocal := g.policy.IsLocalAddress(peer, local)
	span.SetAttributes(attribute.Bool("gate.allowed", true), attribute.Bool("gate.local", isLocal))

	h := g.factory.NewHandler(conn, isLocal)
	if h == nil {
		span.SetStatus(codes.Error, "no handler")
		g.log.Warningf("No handler created for connection from %s", addrString(peer))
		g.reject(conn, ReasonNoHandler)
		return
	}

	c := &tracked{h: h}
	g.active[c] = struct{}{}
	g.count.Store(int64(len(g.active)))
	g.metrics.ConnectionAccepted(isLocal)
	g.metrics.SetActive(len(g.active))
	g.watch(c)

	g.log.Debugf("Accepted connection from %s (local: %t, active: %d)", addrString(peer), isLocal, len(g.active))
}

func (g *Gate) reject(conn net.Conn, reason string) {
	if err := conn.Close(); err != nil {
		g.log.Debugf("Error closing rejected connection: %v", err)
	}
	g.metrics.ConnectionRejected(reason)
}

// watch forwards the closure of c's handler to the loop.
func (g *Gate) watch(c *tracked) {
	go func() {
		select {
		case <-c.h.Done():
		case <-g.quit:
			return
		}

		select {
		case g.finished <- c:
		case <-g.quit:
		}
	}()
}

// onClosed removes c from the active set and queues its handler for release.
// An entry that is no longer active is ignored.
func (g *Gate) onClosed(c *tracked) {
	if _, ok := g.active[c]; !ok {
		return
	}

	delete(g.active, c)
	g.count.Store(int64(len(g.active)))
	g.graveyard = append(g.graveyard, c)
	g.metrics.ConnectionClosed()
	g.metrics.SetActive(len(g.active))

	g.log.Debugf("Connection closed (active: %d)", len(g.active))
}

// reap releases handlers queued by onClosed. It runs after the event that
// queued them has returned.
func (g *Gate) reap() {
	for i, c := range g.graveyard {
		g.release(c.h)
		g.graveyard[i] = nil
	}
	g.graveyard = g.graveyard[:0]
}

func (g *Gate) release(h Handler) {
	if err := h.Close(); err != nil {
		g.log.Debugf("Error releasing connection handler: %v", err)
	}
}

func (g *Gate) shutdown() {
	for drained := false; !drained; {
		select {
		case conn := <-g.incoming:
			_ = conn.Close()
		default:
			drained = true
		}
	}

	g.reap()
	for c := range g.active {
		g.release(c.h)
	}
	clear(g.active)
	g.count.Store(0)
	g.metrics.SetActive(0)
}

// do runs fn on the loop goroutine and waits for it to finish.
func (g *Gate) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	req := func() {
		fn()
		close(finished)
	}

	select {
	case g.requests <- req:
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
