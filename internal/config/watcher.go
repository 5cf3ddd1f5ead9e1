package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/loggate/internal/logging"
)

// DefaultDebounceDelay is how long the watcher waits after the last write
// before reloading.
const DefaultDebounceDelay = 100 * time.Millisecond

// ErrWatcherStopped is returned by Start after Stop.
var ErrWatcherStopped = errors.New("config watcher stopped")

// Publisher receives every valid settings document read from the file and
// returns the sections that changed. Dispatcher implements it.
type Publisher interface {
	Publish(config *Config) []Section
}

type watcherState int

const (
	watcherIdle watcherState = iota
	watcherRunning
	watcherStopped
)

// Watcher publishes the settings file on Start and again whenever it
// changes. A document that fails to load or validate is logged and
// skipped, so the last published settings stay in effect.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	target   Publisher
	log      *logging.Logger
	debounce time.Duration

	mu    sync.Mutex
	state watcherState
	stop  chan struct{}
	done  chan struct{}
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for file changes.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		if delay > 0 {
			w.debounce = delay
		}
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(log *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher creates a watcher for the settings file at path that publishes
// to target.
func NewWatcher(path string, target Publisher, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     absPath,
		fs:       fsWatcher,
		target:   target,
		log:      logging.Get("CONFIG"),
		debounce: DefaultDebounceDelay,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start publishes the current file and begins watching it. An invalid file
// is returned as an error and nothing is watched. Calling Start on a
// running watcher does nothing.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case watcherRunning:
		return nil
	case watcherStopped:
		return ErrWatcherStopped
	}

	cfg, err := w.load()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files rather than writing in place.
	dir := filepath.Dir(w.path)
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.publish(cfg)
	w.state = watcherRunning
	go w.run(ctx)

	w.log.Infof("Watching configuration file %s", w.path)
	return nil
}

// Stop ends watching and waits for an in-flight reload to finish.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	wasRunning := w.state == watcherRunning
	if w.state == watcherStopped {
		w.mu.Unlock()
		return nil
	}
	w.state = watcherStopped
	w.mu.Unlock()

	if wasRunning {
		close(w.stop)
		<-w.done
	}
	return w.fs.Close()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	debounce := time.NewTimer(w.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debugf("Configuration watcher stopped: %v", ctx.Err())
			return
		case <-w.stop:
			w.log.Debugf("Configuration watcher stopped")
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.touchesFile(event) {
				debounce.Reset(w.debounce)
			}
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Errorf("Configuration watcher error: %v", err)
		}
	}
}

// touchesFile reports whether event rewrote the watched file.
func (w *Watcher) touchesFile(event fsnotify.Event) bool {
	return filepath.Clean(event.Name) == w.path &&
		event.Op&(fsnotify.Write|fsnotify.Create) != 0
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.log.Errorf("Configuration reload failed, keeping previous settings: %v", err)
		return
	}
	w.publish(cfg)
}

func (w *Watcher) load() (*Config, error) {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (w *Watcher) publish(cfg *Config) {
	changed := w.target.Publish(cfg)
	if len(changed) == 0 {
		w.log.Debugf("Configuration file unchanged")
		return
	}
	w.log.Infof("Configuration applied (changed sections: %v)", changed)
}
