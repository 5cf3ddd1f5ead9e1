package logging

import (
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// Logger is a named emitter with its own threshold and enabled flag.
// All methods are safe for concurrent use without external locking.
type Logger struct {
	name     string
	registry *Registry
	minLevel atomic.Int32
	enabled  atomic.Bool
	detached atomic.Bool
}

func newLogger(r *Registry, name string, minLevel Level) *Logger {
	l := &Logger{name: name, registry: r}
	l.minLevel.Store(int32(minLevel))
	l.enabled.Store(true)
	return l
}

// Name returns the logger name. The empty name is the default logger.
func (l *Logger) Name() string {
	return l.name
}

// AppName returns the application name stamped on records.
func (l *Logger) AppName() string {
	return l.registry.appName
}

// MinLevel returns the instance threshold.
func (l *Logger) MinLevel() Level {
	return Level(l.minLevel.Load())
}

// SetMinLevel sets the instance threshold.
func (l *Logger) SetMinLevel(level Level) {
	l.minLevel.Store(int32(level))
}

// Enabled reports whether the logger emits records.
func (l *Logger) Enabled() bool {
	return l.enabled.Load()
}

// Enable turns the logger on and notifies subscribers if the state changed.
func (l *Logger) Enable() {
	if l.enabled.CompareAndSwap(false, true) {
		l.registry.publishState(true)
	}
}

// Disable turns the logger off and notifies subscribers if the state changed.
func (l *Logger) Disable() {
	if l.enabled.CompareAndSwap(true, false) {
		l.registry.publishState(false)
	}
}

// IsLevelEnabled reports whether a record at level would be emitted.
func (l *Logger) IsLevelEnabled(level Level) bool {
	if !l.enabled.Load() || l.detached.Load() {
		return false
	}
	return level >= maxLevel(l.registry.GlobalLevel(), l.MinLevel())
}

// Message is the emission entry point. Nothing is formatted when the level
// is suppressed.
func (l *Logger) Message(level Level, file, function string, line int, format string, args ...any) {
	if !l.IsLevelEnabled(level) {
		return
	}

	rec := Record{
		AppName:     l.registry.appName,
		LoggerName:  l.name,
		Function:    function,
		Line:        line,
		File:        file,
		Time:        time.Now().UnixMicro(),
		Message:     formatMessage(format, args),
		Level:       level,
		LevelString: level.String(),
	}

	l.registry.write(rec)
	l.registry.publishRecord(rec)
}

// Debugf logs at DEBUG with the caller's location.
func (l *Logger) Debugf(format string, args ...any) {
	l.emit(LevelDebug, format, args)
}

// Infof logs at INFO with the caller's location.
func (l *Logger) Infof(format string, args ...any) {
	l.emit(LevelInfo, format, args)
}

// Warningf logs at WARNING with the caller's location.
func (l *Logger) Warningf(format string, args ...any) {
	l.emit(LevelWarning, format, args)
}

// Errorf logs at ERROR with the caller's location.
func (l *Logger) Errorf(format string, args ...any) {
	l.emit(LevelError, format, args)
}

// DebugIf logs at DEBUG when cond holds.
func (l *Logger) DebugIf(cond bool, format string, args ...any) {
	if cond {
		l.emit(LevelDebug, format, args)
	}
}

// InfoIf logs at INFO when cond holds.
func (l *Logger) InfoIf(cond bool, format string, args ...any) {
	if cond {
		l.emit(LevelInfo, format, args)
	}
}

// WarningIf logs at WARNING when cond holds.
func (l *Logger) WarningIf(cond bool, format string, args ...any) {
	if cond {
		l.emit(LevelWarning, format, args)
	}
}

// ErrorIf logs at ERROR when cond holds.
func (l *Logger) ErrorIf(cond bool, format string, args ...any) {
	if cond {
		l.emit(LevelError, format, args)
	}
}

// emit must be called directly from an exported helper so that the caller
// frame is two levels up.
func (l *Logger) emit(level Level, format string, args []any) {
	if !l.IsLevelEnabled(level) {
		return
	}
	file, function, line := callerInfo(3)
	l.Message(level, file, function, line, format, args...)
}

func callerInfo(skip int) (file, function string, line int) {
	pc, path, line, ok := runtime.Caller(skip)
	if !ok {
		return "", "", 0
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = filepath.Base(fn.Name())
	}
	return filepath.Base(path), function, line
}
