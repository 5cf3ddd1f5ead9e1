package gate

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

const waitFor = 5 * time.Second

type fakeHandler struct {
	conn   net.Conn
	local  bool
	done   chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func (h *fakeHandler) Done() <-chan struct{} { return h.done }

func (h *fakeHandler) Close() error {
	h.closes.Add(1)
	h.finish()
	return nil
}

// finish simulates the peer going away.
func (h *fakeHandler) finish() {
	h.once.Do(func() {
		_ = h.conn.Close()
		close(h.done)
	})
}

type fakeFactory struct {
	mu       sync.Mutex
	handlers []*fakeHandler
}

func (f *fakeFactory) NewHandler(conn net.Conn, local bool) Handler {
	h := &fakeHandler{conn: conn, local: local, done: make(chan struct{})}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return h
}

func (f *fakeFactory) all() []*fakeHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeHandler(nil), f.handlers...)
}

type fakePolicy struct {
	deny  atomic.Bool
	local bool
}

func (p *fakePolicy) AccessAllowed(net.Addr, net.Addr) bool  { return !p.deny.Load() }
func (p *fakePolicy) IsLocalAddress(net.Addr, net.Addr) bool { return p.local }

type fakeMetrics struct {
	mu        sync.Mutex
	accepted  int
	rejected  map[string]int
	closed    int
	active    int
	listening bool
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{rejected: make(map[string]int)}
}

func (m *fakeMetrics) ConnectionAccepted(bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted++
}

func (m *fakeMetrics) ConnectionRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[reason]++
}

func (m *fakeMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *fakeMetrics) SetActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *fakeMetrics) SetListening(listening bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listening = listening
}

func (m *fakeMetrics) rejections(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[reason]
}

type recordingTracerProvider struct {
	noop.TracerProvider
	mu    sync.Mutex
	spans []string
	attrs []attribute.KeyValue
}

func (p *recordingTracerProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{p: p}
}

type recordingTracer struct {
	noop.Tracer
	p *recordingTracerProvider
}

func (t recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, name)
	t.p.attrs = append(t.p.attrs, cfg.Attributes()...)
	t.p.mu.Unlock()
	return t.Tracer.Start(ctx, name, opts...)
}

type fixture struct {
	gate    *Gate
	factory *fakeFactory
	policy  *fakePolicy
	metrics *fakeMetrics
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		factory: &fakeFactory{},
		policy:  &fakePolicy{local: true},
		metrics: newFakeMetrics(),
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}

	log := logging.NewRegistry("test").Get("JSONSERVER")
	opts = append([]Option{WithLogger(log), WithMetrics(f.metrics)}, opts...)
	f.gate = New(cfg, f.policy, f.factory, opts...)
	t.Cleanup(func() { _ = f.gate.Close() })
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	addr := f.gate.Addr()
	require.NotNil(t, addr, "gate is not listening")
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) waitActive(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.gate.ActiveConnections() == n },
		waitFor, 10*time.Millisecond, "expected %d active connections", n)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func assertClosedByServer(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFromSettings(config.JSONServerConfig{
		Address:     "127.0.0.1",
		Port:        20010,
		AcceptRate:  5,
		AcceptBurst: 2,
	})
	assert.Equal(t, Config{Address: "127.0.0.1", Port: 20010, AcceptRate: 5, AcceptBurst: 2}, cfg)
}

func TestGate_StartStop(t *testing.T) {
	f := newFixture(t, Config{})
	g := f.gate

	assert.False(t, g.IsListening())
	assert.Nil(t, g.Addr())

	require.NoError(t, g.Start())
	assert.True(t, g.IsListening())
	addr := g.Addr()
	require.NotNil(t, addr)

	require.NoError(t, g.Start(), "start while listening is a no-op")
	assert.Equal(t, addr.String(), g.Addr().String())

	g.Stop()
	assert.False(t, g.IsListening())
	assert.Nil(t, g.Addr())
	g.Stop()

	_, err := net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err, "listener is closed")
}

func TestGate_AdmitsConnection(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.waitActive(t, 1)

	handlers := f.factory.all()
	require.Len(t, handlers, 1)
	assert.True(t, handlers[0].local)

	conns, err := f.gate.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Same(t, handlers[0], conns[0])

	handlers[0].finish()
	f.waitActive(t, 0)
	assert.Eventually(t, func() bool { return handlers[0].closes.Load() == 1 }, waitFor, 10*time.Millisecond,
		"closed handler is released once")
}

func TestGate_DeniedPeer(t *testing.T) {
	f := newFixture(t, Config{})
	f.policy.deny.Store(true)
	require.NoError(t, f.gate.Start())

	conn := f.dial(t)
	assertClosedByServer(t, conn)

	assert.Zero(t, f.gate.ActiveConnections())
	assert.Empty(t, f.factory.all(), "no handler for denied peers")
	assert.Eventually(t, func() bool { return f.metrics.rejections(ReasonDenied) == 1 }, waitFor, 10*time.Millisecond)
}

func TestGate_BurstIsDrained(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())

	const n = 10
	for range n {
		f.dial(t)
	}
	f.waitActive(t, n)
	assert.Len(t, f.factory.all(), n)
}

func TestGate_RateLimit(t *testing.T) {
	f := newFixture(t, Config{AcceptRate: 0.001, AcceptBurst: 1})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.waitActive(t, 1)

	second := f.dial(t)
	assertClosedByServer(t, second)
	assert.Eventually(t, func() bool { return f.metrics.rejections(ReasonRateLimited) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, f.gate.ActiveConnections())

	f.gate.SetAcceptRate(0, 0)
	f.dial(t)
	f.waitActive(t, 2)
}

func TestGate_OnConfigUpdate_UnchangedPort(t *testing.T) {
	port := freePort(t)
	f := newFixture(t, Config{Port: port})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.waitActive(t, 1)
	before := f.gate.Addr()

	require.NoError(t, f.gate.OnConfigUpdate(port))

	assert.True(t, f.gate.IsListening())
	assert.Equal(t, before, f.gate.Addr(), "listener was not recreated")
	assert.Equal(t, 1, f.gate.ActiveConnections())
}

func TestGate_OnConfigUpdate_ChangedPortKeepsHandlers(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.waitActive(t, 1)
	handler := f.factory.all()[0]

	newPort := freePort(t)
	require.NoError(t, f.gate.OnConfigUpdate(newPort))

	assert.True(t, f.gate.IsListening())
	assert.Equal(t, newPort, f.gate.Port())
	assert.Equal(t, newPort, f.gate.Addr().(*net.TCPAddr).Port)

	assert.Equal(t, 1, f.gate.ActiveConnections())
	assert.Zero(t, handler.closes.Load())
	select {
	case <-handler.Done():
		t.Fatal("handler was closed by the port change")
	default:
	}

	f.dial(t)
	f.waitActive(t, 2)
}

func TestGate_BindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port
	f := newFixture(t, Config{Port: port})

	err = f.gate.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.False(t, f.gate.IsListening())
	assert.Nil(t, f.gate.Addr())

	require.NoError(t, occupied.Close())
	require.NoError(t, f.gate.Start(), "gate can start once the port is free")
	assert.True(t, f.gate.IsListening())
}

func TestGate_HandleSettingsUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())
	before := f.gate.Addr()

	doc := config.DefaultConfig()
	doc.JSONServer.Address = "127.0.0.1"
	doc.JSONServer.Port = freePort(t)

	f.gate.HandleSettingsUpdate(config.SectionNetwork, doc)
	assert.Equal(t, before, f.gate.Addr(), "other sections are ignored")

	f.gate.HandleSettingsUpdate(config.SectionJSONServer, nil)
	assert.Equal(t, before, f.gate.Addr())

	f.gate.HandleSettingsUpdate(config.SectionJSONServer, doc)
	assert.Equal(t, doc.JSONServer.Port, f.gate.Addr().(*net.TCPAddr).Port)
}

func TestGate_ClosureIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.waitActive(t, 1)
	h := f.factory.all()[0]

	require.NoError(t, f.gate.do(context.Background(), func() {
		for c := range f.gate.active {
			f.gate.onClosed(c)
			f.gate.onClosed(c)
		}
		assert.Zero(t, h.closes.Load(), "release is deferred until the event returns")
	}))

	assert.Eventually(t, func() bool { return h.closes.Load() == 1 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, f.gate.ActiveConnections())

	// The watcher still reports the closure; it must be ignored.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), h.closes.Load())
	f.metrics.mu.Lock()
	assert.Equal(t, 1, f.metrics.closed)
	f.metrics.mu.Unlock()
}

// valueHandler is a non-comparable handler type: it cannot be a map key.
type valueHandler struct {
	tags   []string
	conn   net.Conn
	done   chan struct{}
	once   *sync.Once
	closes *atomic.Int32
}

func (h valueHandler) Done() <-chan struct{} { return h.done }

func (h valueHandler) Close() error {
	h.closes.Add(1)
	h.once.Do(func() {
		_ = h.conn.Close()
		close(h.done)
	})
	return nil
}

func TestGate_ValueTypedHandlers(t *testing.T) {
	var (
		mu       sync.Mutex
		handlers []valueHandler
	)
	factory := HandlerFactoryFunc(func(conn net.Conn, local bool) Handler {
		h := valueHandler{
			tags:   []string{"json", fmt.Sprint(local)},
			conn:   conn,
			done:   make(chan struct{}),
			once:   &sync.Once{},
			closes: &atomic.Int32{},
		}
		mu.Lock()
		handlers = append(handlers, h)
		mu.Unlock()
		return h
	})

	log := logging.NewRegistry("test").Get("JSONSERVER")
	g := New(Config{Address: "127.0.0.1"}, &fakePolicy{local: true}, factory, WithLogger(log))
	t.Cleanup(func() { _ = g.Close() })
	require.NoError(t, g.Start())

	for range 2 {
		conn, err := net.DialTimeout("tcp", g.Addr().String(), time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })
	}
	require.Eventually(t, func() bool { return g.ActiveConnections() == 2 }, waitFor, 10*time.Millisecond)

	conns, err := g.Connections(context.Background())
	require.NoError(t, err)
	assert.Len(t, conns, 2)

	mu.Lock()
	first := handlers[0]
	mu.Unlock()
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return g.ActiveConnections() == 1 }, waitFor, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return first.closes.Load() == 2 }, waitFor, 10*time.Millisecond,
		"the gate releases the closed handler")

	require.NoError(t, g.Close())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), handlers[1].closes.Load())
}

func TestGate_Close(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.gate.Start())

	f.dial(t)
	f.dial(t)
	f.waitActive(t, 2)

	require.NoError(t, f.gate.Close())
	require.NoError(t, f.gate.Close())

	for _, h := range f.factory.all() {
		assert.Equal(t, int32(1), h.closes.Load())
	}
	assert.Zero(t, f.gate.ActiveConnections())
	assert.False(t, f.gate.IsListening())

	assert.ErrorIs(t, f.gate.Start(), ErrClosed)
	assert.ErrorIs(t, f.gate.OnConfigUpdate(1), ErrClosed)
	_, err := f.gate.Connections(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGate_AdmissionSpan(t *testing.T) {
	tp := &recordingTracerProvider{}
	f := newFixture(t, Config{}, WithTracerProvider(tp))
	require.NoError(t, f.gate.Start())

	conn := f.dial(t)
	f.waitActive(t, 1)

	tp.mu.Lock()
	defer tp.mu.Unlock()
	assert.Equal(t, []string{"gate.admit"}, tp.spans)
	assert.Contains(t, tp.attrs, attribute.String("net.peer.addr", conn.LocalAddr().String()))
}

func TestHandlerFactoryFunc(t *testing.T) {
	var gotLocal bool
	factory := HandlerFactoryFunc(func(_ net.Conn, local bool) Handler {
		gotLocal = local
		return nil
	})

	assert.Nil(t, factory.NewHandler(nil, true))
	assert.True(t, gotLocal)
}
