package logging

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	defaultRegistry *Registry
	defaultMu       sync.RWMutex
	defaultOnce     sync.Once
)

// SetDefault sets the process-wide registry.
func SetDefault(r *Registry) {
	defaultOnce.Do(func() {})
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// Default returns the process-wide registry, creating one named after the
// executable on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultMu.Lock()
		defaultRegistry = NewRegistry(filepath.Base(os.Args[0]))
		defaultMu.Unlock()
	})

	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// Get returns a logger from the default registry (shorthand for Default().Get).
func Get(name string) *Logger {
	return Default().Get(name)
}
