package main

import (
	"sync"

	"github.com/vyrodovalexey/loggate/internal/config"
	"github.com/vyrodovalexey/loggate/internal/logging"
)

// loggerSettings applies the logger section: the global override, per-logger
// thresholds and the output sink.
type loggerSettings struct {
	registry *logging.Registry
	hub      *logging.Hub
	log      *logging.Logger

	mu      sync.Mutex
	sinkCfg logging.SinkConfig
	sink    *logging.ZapSink
}

func newLoggerSettings(registry *logging.Registry, hub *logging.Hub) *loggerSettings {
	return &loggerSettings{
		registry: registry,
		hub:      hub,
		log:      registry.Get("LOGGATE"),
	}
}

// HandleSettingsUpdate implements config.SettingsHandler.
func (s *loggerSettings) HandleSettingsUpdate(section config.Section, doc *config.Config) {
	if section != config.SectionLogger || doc == nil {
		return
	}
	lc := doc.Logger

	global, err := logging.ParseLevel(lc.Level)
	if err != nil {
		s.log.Errorf("Ignoring logger settings: %v", err)
		return
	}
	s.registry.SetLogLevel(global, "")

	for name, value := range lc.Loggers {
		level, err := logging.ParseLevel(value)
		if err != nil {
			s.log.Warningf("Ignoring level of logger %s: %v", name, err)
			continue
		}
		s.registry.GetInstance(name, level).SetMinLevel(level)
	}

	if lc.BufferSize != s.hub.Capacity() {
		s.log.Warningf("Log buffer size %d takes effect after restart (current: %d)",
			lc.BufferSize, s.hub.Capacity())
	}

	s.applySink(logging.SinkConfig{Format: logging.Format(lc.Format), Output: lc.Output})
}

func (s *loggerSettings) applySink(cfg logging.SinkConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink != nil && cfg == s.sinkCfg {
		return
	}

	sink, err := logging.NewZapSink(cfg)
	if err != nil {
		s.log.Errorf("Keeping current log output: %v", err)
		return
	}

	previous := s.sink
	s.registry.SetSink(sink)
	s.sink = sink
	s.sinkCfg = cfg
	if previous != nil {
		if err := previous.Close(); err != nil {
			s.log.Warningf("Failed to close previous log output: %v", err)
		}
	}
}

// sync flushes the sink installed by the settings, if any.
func (s *loggerSettings) sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		_ = s.sink.Sync()
	}
}

// close flushes and releases the sink installed by the settings. Records
// emitted afterwards are dropped.
func (s *loggerSettings) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		_ = s.sink.Close()
	}
}
