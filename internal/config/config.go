package config

import "reflect"

// Section identifies one part of the settings document. Components react only
// to the sections they own.
type Section string

// Settings sections.
const (
	SectionLogger     Section = "logger"
	SectionJSONServer Section = "jsonServer"
	SectionNetwork    Section = "network"
	SectionMetrics    Section = "metrics"
)

// Sections lists every section in dispatch order.
var Sections = []Section{SectionLogger, SectionNetwork, SectionJSONServer, SectionMetrics}

// Default values.
const (
	DefaultJSONServerPort = 19444
	DefaultLogBufferSize  = 400
	DefaultMetricsPort    = 9091
	DefaultMetricsPath    = "/metrics"
)

// Config is the complete settings document.
type Config struct {
	Logger     LoggerConfig     `yaml:"logger"`
	JSONServer JSONServerConfig `yaml:"jsonServer"`
	Network    NetworkConfig    `yaml:"network"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LoggerConfig configures the logging subsystem.
type LoggerConfig struct {
	// Level is the global override (debug, info, warning, error, off). Empty
	// leaves every logger at its own threshold.
	Level string `yaml:"level"`

	// Format is the output format: console or json.
	Format string `yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `yaml:"output"`

	// BufferSize is the number of records retained for late subscribers.
	BufferSize int `yaml:"bufferSize"`

	// Loggers sets individual logger thresholds by name.
	Loggers map[string]string `yaml:"loggers,omitempty"`
}

// JSONServerConfig configures the JSON connection listener.
type JSONServerConfig struct {
	// Address is the address to bind to. Empty binds all interfaces.
	Address string `yaml:"address"`

	// Port is the port to listen on.
	Port int `yaml:"port"`

	// AcceptRate limits accepted connections per second. Zero disables the limit.
	AcceptRate float64 `yaml:"acceptRate"`

	// AcceptBurst is the burst size for AcceptRate.
	AcceptBurst int `yaml:"acceptBurst"`
}

// NetworkConfig configures the access-control policy.
type NetworkConfig struct {
	// InternetAccess allows peers outside local networks.
	InternetAccess bool `yaml:"internetAccess"`

	// AllowedNetworks restricts non-local peers to these CIDRs when non-empty.
	AllowedNetworks []string `yaml:"allowedNetworks,omitempty"`

	// LocalNetworks are additional CIDRs treated as local.
	LocalNetworks []string `yaml:"localNetworks,omitempty"`

	// Rule is an optional CEL expression that must also evaluate to true.
	Rule string `yaml:"rule,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Format:     "console",
			Output:     "stdout",
			BufferSize: DefaultLogBufferSize,
		},
		JSONServer: JSONServerConfig{
			Port: DefaultJSONServerPort,
		},
		Metrics: MetricsConfig{
			Port: DefaultMetricsPort,
			Path: DefaultMetricsPath,
		},
	}
}

// SectionValue returns the value of section s, or nil for unknown sections.
func (c *Config) SectionValue(s Section) any {
	switch s {
	case SectionLogger:
		return c.Logger
	case SectionJSONServer:
		return c.JSONServer
	case SectionNetwork:
		return c.Network
	case SectionMetrics:
		return c.Metrics
	default:
		return nil
	}
}

// ChangedSections returns the sections that differ between old and updated.
// A nil old config reports every section.
func ChangedSections(old, updated *Config) []Section {
	if updated == nil {
		return nil
	}
	var changed []Section
	for _, s := range Sections {
		if old == nil || !reflect.DeepEqual(old.SectionValue(s), updated.SectionValue(s)) {
			changed = append(changed, s)
		}
	}
	return changed
}
