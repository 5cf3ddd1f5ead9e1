package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink receives the final rendered form of every emitted record.
type Sink interface {
	Write(rec Record) error
}

// Format represents a log format.
type Format string

const (
	// FormatJSON outputs logs in JSON format.
	FormatJSON Format = "json"
	// FormatConsole outputs logs in human-readable format.
	FormatConsole Format = "console"
)

// SinkConfig holds configuration for the zap output sink.
type SinkConfig struct {
	// Format is the log output format.
	Format Format

	// Output is the output destination (stdout, stderr, or file path).
	Output string

	// Development enables colored level names.
	Development bool

	// DisableCaller omits the source location from output lines.
	DisableCaller bool
}

// DefaultSinkConfig returns a SinkConfig with default values.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Format: FormatConsole,
		Output: "stdout",
	}
}

// ZapSink writes records through a zap core.
type ZapSink struct {
	core          zapcore.Core
	disableCaller bool

	// closer is the log file opened by the sink; nil for stdout and stderr.
	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
}

// NewZapSink builds a sink from cfg. A sink writing to a file owns it and
// must be closed with Close once replaced.
func NewZapSink(cfg SinkConfig) (*ZapSink, error) {
	output, closer, err := buildOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	encoder := buildEncoder(cfg.Format, buildEncoderConfig(cfg))
	core := zapcore.NewCore(encoder, output, zapcore.DebugLevel)

	return &ZapSink{core: core, disableCaller: cfg.DisableCaller, closer: closer}, nil
}

// NewZapSinkFromCore wraps an existing core. Used by tests with an observer core.
func NewZapSinkFromCore(core zapcore.Core) *ZapSink {
	return &ZapSink{core: core}
}

// buildEncoderConfig creates the encoder configuration based on config settings.
func buildEncoderConfig(cfg SinkConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    "function",
		MessageKey:     "message",
		StacktraceKey:  zapcore.OmitKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if cfg.DisableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
		encoderConfig.FunctionKey = zapcore.OmitKey
	}

	return encoderConfig
}

// buildEncoder creates the appropriate encoder based on format.
func buildEncoder(format Format, encoderConfig zapcore.EncoderConfig) zapcore.Encoder {
	switch format {
	case FormatJSON:
		return zapcore.NewJSONEncoder(encoderConfig)
	default:
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
}

// buildOutput creates the output writer based on the output configuration.
// The returned closer is non-nil only for files opened here.
func buildOutput(outputPath string) (zapcore.WriteSyncer, io.Closer, error) {
	switch outputPath {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil, nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil, nil
	default:
		//nolint:gosec // log files need broader read permissions
		file, err := os.OpenFile(filepath.Clean(outputPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return zapcore.Lock(zapcore.AddSync(file)), file, nil
	}
}

// Write implements Sink.
func (s *ZapSink) Write(rec Record) error {
	entry := zapcore.Entry{
		Level:      toZapLevel(rec.Level),
		Time:       time.UnixMicro(rec.Time),
		LoggerName: rec.LoggerName,
		Message:    rec.Message,
	}
	if !s.disableCaller && rec.File != "" {
		entry.Caller = zapcore.EntryCaller{
			Defined:  true,
			File:     rec.File,
			Line:     rec.Line,
			Function: rec.Function,
		}
	}

	var fields []zap.Field
	if rec.AppName != "" {
		fields = []zap.Field{zap.String("app", rec.AppName)}
	}
	return s.core.Write(entry, fields)
}

// Sync flushes buffered output.
func (s *ZapSink) Sync() error {
	return s.core.Sync()
}

// Close flushes the sink and closes its log file. Standard streams are left
// open. Close is idempotent; writes after Close fail and are dropped by the
// registry.
func (s *ZapSink) Close() error {
	s.closeOnce.Do(func() {
		_ = s.core.Sync()
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug, LevelUnset:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

type nopSink struct{}

func (nopSink) Write(Record) error { return nil }

// NopSink returns a sink that discards everything.
func NopSink() Sink {
	return nopSink{}
}
