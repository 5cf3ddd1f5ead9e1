package logging

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry owns every named Logger of a process together with the global
// level override. Lookup and deletion are serialized by one mutex; level
// checks and emission never take it.
type Registry struct {
	appName      string
	defaultLevel Level

	mu       sync.Mutex
	loggers  map[string]*Logger
	closed   bool
	fallback *Logger

	global      atomic.Int32
	sink        atomic.Pointer[sinkHolder]
	subscribers atomic.Pointer[[]*subscription]
	subMu       sync.Mutex
}

type sinkHolder struct {
	sink Sink
}

type subscription struct {
	sub Subscriber
}

// RegistryOption is a functional option for the registry.
type RegistryOption func(*Registry)

// WithSink sets the output sink.
func WithSink(sink Sink) RegistryOption {
	return func(r *Registry) {
		r.SetSink(sink)
	}
}

// WithDefaultLevel sets the threshold used by Get for new loggers.
func WithDefaultLevel(level Level) RegistryOption {
	return func(r *Registry) {
		r.defaultLevel = level
	}
}

// NewRegistry creates a registry stamping appName on every record.
func NewRegistry(appName string, opts ...RegistryOption) *Registry {
	r := &Registry{
		appName:      appName,
		defaultLevel: LevelInfo,
		loggers:      make(map[string]*Logger),
	}
	r.sink.Store(&sinkHolder{sink: NopSink()})
	r.subscribers.Store(&[]*subscription{})

	for _, opt := range opts {
		opt(r)
	}

	r.fallback = newLogger(r, "", r.defaultLevel)
	return r
}

// AppName returns the application name.
func (r *Registry) AppName() string {
	return r.appName
}

// SetSink replaces the output sink. A nil sink discards output.
func (r *Registry) SetSink(sink Sink) {
	if sink == nil {
		sink = NopSink()
	}
	r.sink.Store(&sinkHolder{sink: sink})
}

// Get returns the logger for name, creating it with the registry default level.
func (r *Registry) Get(name string) *Logger {
	return r.GetInstance(name, r.defaultLevel)
}

// GetInstance returns the logger for name, creating it with minLevel when
// absent. After Close it returns the shared default-named logger.
func (r *Registry) GetInstance(name string, minLevel Level) *Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.fallback
	}
	if l, ok := r.loggers[name]; ok {
		return l
	}
	if name == "" {
		r.fallback.SetMinLevel(minLevel)
		r.loggers[name] = r.fallback
		return r.fallback
	}

	l := newLogger(r, name, minLevel)
	r.loggers[name] = l
	return l
}

// DeleteInstance removes and detaches the named logger.
func (r *Registry) DeleteInstance(name string) {
	r.mu.Lock()
	l, ok := r.loggers[name]
	if ok {
		delete(r.loggers, name)
	}
	r.mu.Unlock()

	if ok && l != r.fallback {
		l.detached.Store(true)
	}
}

// Lookup returns the named logger without creating it.
func (r *Registry) Lookup(name string) (*Logger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loggers[name]
	return l, ok
}

// Names returns the sorted names of live loggers.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.loggers))
	for name := range r.loggers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	return names
}

// SetLogLevel sets the threshold of the named logger, or the global override
// when name is empty. Unknown names are ignored.
func (r *Registry) SetLogLevel(level Level, name string) {
	if name == "" {
		r.global.Store(int32(level))
		return
	}
	if l, ok := r.Lookup(name); ok {
		l.SetMinLevel(level)
	}
}

// LogLevel returns the threshold of the named logger, the global override
// for the empty name, and LevelUnset for unknown names.
func (r *Registry) LogLevel(name string) Level {
	if name == "" {
		return r.GlobalLevel()
	}
	if l, ok := r.Lookup(name); ok {
		return l.MinLevel()
	}
	return LevelUnset
}

// GlobalLevel returns the process-wide override.
func (r *Registry) GlobalLevel() Level {
	return Level(r.global.Load())
}

// Subscribe registers sub for every record and state change. The returned
// function removes it.
func (r *Registry) Subscribe(sub Subscriber) (unsubscribe func()) {
	s := &subscription{sub: sub}

	r.subMu.Lock()
	current := *r.subscribers.Load()
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, s)
	r.subscribers.Store(&next)
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(s) })
	}
}

func (r *Registry) unsubscribe(s *subscription) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	current := *r.subscribers.Load()
	idx := slices.Index(current, s)
	if idx < 0 {
		return
	}
	next := slices.Delete(slices.Clone(current), idx, idx+1)
	r.subscribers.Store(&next)
}

// Close detaches every logger. Subsequent lookups return the default logger.
func (r *Registry) Close() {
	r.mu.Lock()
	loggers := r.loggers
	r.loggers = make(map[string]*Logger)
	r.closed = true
	r.mu.Unlock()

	for _, l := range loggers {
		if l != r.fallback {
			l.detached.Store(true)
		}
	}
}

func (r *Registry) write(rec Record) {
	// Output failures are not reported to the caller.
	_ = r.sink.Load().sink.Write(rec)
}

func (r *Registry) publishRecord(rec Record) {
	for _, s := range *r.subscribers.Load() {
		s.sub.OnRecord(rec)
	}
}

func (r *Registry) publishState(enabled bool) {
	for _, s := range *r.subscribers.Load() {
		s.sub.OnState(enabled)
	}
}
