package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	// Enabled turns the server on.
	Enabled bool

	// Address is the interface to bind. Empty means all interfaces.
	Address string

	// Port is the port to listen on.
	Port int

	// Path is the path to serve metrics on.
	Path string

	// ReadTimeout is the read timeout for the server.
	ReadTimeout time.Duration

	// WriteTimeout is the write timeout for the server.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a ServerConfig with default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         config.DefaultMetricsPort,
		Path:         config.DefaultMetricsPath,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ServerConfigFromSettings converts the metrics settings section.
func ServerConfigFromSettings(m config.MetricsConfig) ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Enabled = m.Enabled
	if m.Port != 0 {
		cfg.Port = m.Port
	}
	if m.Path != "" {
		cfg.Path = m.Path
	}
	return cfg
}

// Server serves Prometheus metrics over HTTP.
type Server struct {
	gatherer prometheus.Gatherer
	log      *logging.Logger

	mu       sync.Mutex
	cfg      ServerConfig
	server   *http.Server
	listener net.Listener
	served   chan struct{}
}

// NewServer creates a metrics server for gatherer. A nil gatherer uses the
// default registry.
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, log *logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logging.Get("METRICS")
	}

	return &Server{
		gatherer: gatherer,
		log:      log,
		cfg:      cfg,
	}
}

// Handler returns the HTTP handler serving metrics and health endpoints.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Server) handler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog:            &errorLogger{log: s.log},
		ErrorHandling:       promhttp.ContinueOnError,
		MaxRequestsInFlight: 10,
		Timeout:             cfg.WriteTimeout,
		EnableOpenMetrics:   true,
	}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.log.Debugf("Failed to write health response: %v", err)
		}
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("Ready")); err != nil {
			s.log.Debugf("Failed to write ready response: %v", err)
		}
	})

	return mux
}

// Start binds the listener and serves in the background. It does nothing
// when the server is disabled or already running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startLocked()
}

func (s *Server) startLocked() error {
	if !s.cfg.Enabled || s.server != nil {
		return nil
	}

	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		s.log.Errorf("Failed to start metrics server on %s: %v", addr, err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.handler(s.cfg),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	served := make(chan struct{})

	go func() {
		defer close(served)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("Metrics server failed: %v", err)
		}
	}()

	s.server = server
	s.listener = listener
	s.served = served

	s.log.Infof("Serving metrics on %s%s", listener.Addr(), s.cfg.Path)
	return nil
}

// Stop shuts the server down. It does nothing when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	<-s.served

	s.server = nil
	s.listener = nil
	s.served = nil

	s.log.Infof("Metrics server stopped")
	return err
}

// Addr returns the bound address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HandleSettingsUpdate applies the metrics settings section, restarting the
// server when its settings changed.
func (s *Server) HandleSettingsUpdate(section config.Section, doc *config.Config) {
	if section != config.SectionMetrics || doc == nil {
		return
	}

	updated := ServerConfigFromSettings(doc.Metrics)

	s.mu.Lock()
	defer s.mu.Unlock()

	updated.Address = s.cfg.Address
	updated.ReadTimeout = s.cfg.ReadTimeout
	updated.WriteTimeout = s.cfg.WriteTimeout
	if updated == s.cfg {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stopLocked(ctx); err != nil {
		s.log.Warningf("Metrics server shutdown: %v", err)
	}

	s.cfg = updated
	// Errors are logged by startLocked.
	_ = s.startLocked()
}

// errorLogger adapts a named Logger to the promhttp.Logger interface.
type errorLogger struct {
	log *logging.Logger
}

// Println implements promhttp.Logger.
func (l *errorLogger) Println(v ...any) {
	l.log.Errorf("%s", fmt.Sprint(v...))
}
