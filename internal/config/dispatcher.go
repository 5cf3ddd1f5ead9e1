package config

import "sync"

// SettingsHandler reacts to updates of a settings section.
type SettingsHandler interface {
	HandleSettingsUpdate(section Section, config *Config)
}

// SettingsHandlerFunc adapts a function to SettingsHandler.
type SettingsHandlerFunc func(section Section, config *Config)

// HandleSettingsUpdate implements SettingsHandler.
func (f SettingsHandlerFunc) HandleSettingsUpdate(section Section, config *Config) {
	f(section, config)
}

// Dispatcher delivers changed sections of new settings documents to the
// registered handlers. Publications are serialized.
type Dispatcher struct {
	mu       sync.Mutex
	current  *Config
	handlers []SettingsHandler
}

// NewDispatcher creates a dispatcher whose baseline is initial.
func NewDispatcher(initial *Config) *Dispatcher {
	return &Dispatcher{current: initial}
}

// Register adds a handler. Handlers are called in registration order.
func (d *Dispatcher) Register(h SettingsHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Current returns the last published document.
func (d *Dispatcher) Current() *Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Publish makes config current and notifies every handler of each section
// that changed. It returns the changed sections.
func (d *Dispatcher) Publish(config *Config) []Section {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := ChangedSections(d.current, config)
	d.current = config

	for _, section := range changed {
		for _, h := range d.handlers {
			h.HandleSettingsUpdate(section, config)
		}
	}
	return changed
}
