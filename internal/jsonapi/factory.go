// Package jsonapi serves the newline-delimited JSON protocol spoken on
// connections admitted by the gate: server information, log streaming and
// threshold changes.
package jsonapi

import (
	"net"
	"time"

	"github.com/vyrodovalexey/loggate/internal/gate"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// Defaults for connection handling.
const (
	DefaultSendBuffer     = 256
	DefaultMaxRequestSize = 64 * 1024
	DefaultWriteTimeout   = 10 * time.Second
	DefaultHubTimeout     = 5 * time.Second
)

// Metrics receives protocol activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RequestHandled(command string, success bool)
	RecordDropped()
}

type nopMetrics struct{}

func (nopMetrics) RequestHandled(string, bool) {}
func (nopMetrics) RecordDropped()              {}

// Factory builds a Connection for every admitted socket.
type Factory struct {
	registry       *logging.Registry
	hub            *logging.Hub
	version        string
	log            *logging.Logger
	metrics        Metrics
	sendBuffer     int
	maxRequestSize int
	writeTimeout   time.Duration
	hubTimeout     time.Duration
}

// Option is a functional option for the factory.
type Option func(*Factory)

// WithVersion sets the version reported by serverinfo.
func WithVersion(version string) Option {
	return func(f *Factory) {
		f.version = version
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(f *Factory) {
		if log != nil {
			f.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(f *Factory) {
		if m != nil {
			f.metrics = m
		}
	}
}

// WithSendBuffer sets how many outgoing messages a connection queues before
// streamed records are dropped.
func WithSendBuffer(n int) Option {
	return func(f *Factory) {
		if n > 0 {
			f.sendBuffer = n
		}
	}
}

// WithWriteTimeout sets the deadline for writing one message.
func WithWriteTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.writeTimeout = d
		}
	}
}

// NewFactory creates a factory serving registry and hub.
func NewFactory(registry *logging.Registry, hub *logging.Hub, opts ...Option) *Factory {
	f := &Factory{
		registry:       registry,
		hub:            hub,
		log:            logging.Get("JSONAPI"),
		metrics:        nopMetrics{},
		sendBuffer:     DefaultSendBuffer,
		maxRequestSize: DefaultMaxRequestSize,
		writeTimeout:   DefaultWriteTimeout,
		hubTimeout:     DefaultHubTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// NewHandler implements gate.HandlerFactory. The connection starts serving
// immediately.
func (f *Factory) NewHandler(conn net.Conn, local bool) gate.Handler {
	c := newConnection(f, conn, local)
	c.start()
	return c
}
