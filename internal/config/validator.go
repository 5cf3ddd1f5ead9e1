package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/vyrodovalexey/loggate/internal/logging"
)

// ErrConfigInvalid is matched by every validation failure.
var ErrConfigInvalid = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Is makes every validation error match ErrConfigInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is makes the collection match ErrConfigInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrConfigInvalid && len(e) > 0
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates settings documents.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a settings document.
func ValidateConfig(config *Config) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *Config) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateLogger(&config.Logger)
	v.validateJSONServer(&config.JSONServer)
	v.validateNetwork(&config.Network)
	v.validateMetrics(&config.Metrics)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateLogger(cfg *LoggerConfig) {
	path := string(SectionLogger)

	if _, err := logging.ParseLevel(cfg.Level); err != nil {
		v.addError(path+".level", err.Error())
	}
	switch cfg.Format {
	case "", string(logging.FormatConsole), string(logging.FormatJSON):
	default:
		v.addError(path+".format", fmt.Sprintf("unsupported format %q, use console or json", cfg.Format))
	}
	if cfg.BufferSize < 0 {
		v.addError(path+".bufferSize", "must not be negative")
	}
	for name, level := range cfg.Loggers {
		if name == "" {
			v.addError(path+".loggers", "logger name is required")
			continue
		}
		if _, err := logging.ParseLevel(level); err != nil {
			v.addError(fmt.Sprintf("%s.loggers.%s", path, name), err.Error())
		}
	}
}

func (v *Validator) validateJSONServer(cfg *JSONServerConfig) {
	path := string(SectionJSONServer)

	v.validatePort(path+".port", cfg.Port, true)
	if cfg.Address != "" {
		if _, err := netip.ParseAddr(cfg.Address); err != nil && cfg.Address != "localhost" {
			v.addError(path+".address", fmt.Sprintf("invalid address %q", cfg.Address))
		}
	}
	if cfg.AcceptRate < 0 {
		v.addError(path+".acceptRate", "must not be negative")
	}
	if cfg.AcceptBurst < 0 {
		v.addError(path+".acceptBurst", "must not be negative")
	}
}

func (v *Validator) validateNetwork(cfg *NetworkConfig) {
	path := string(SectionNetwork)

	for i, cidr := range cfg.AllowedNetworks {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			v.addError(fmt.Sprintf("%s.allowedNetworks[%d]", path, i), fmt.Sprintf("invalid CIDR %q", cidr))
		}
	}
	for i, cidr := range cfg.LocalNetworks {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			v.addError(fmt.Sprintf("%s.localNetworks[%d]", path, i), fmt.Sprintf("invalid CIDR %q", cidr))
		}
	}
}

func (v *Validator) validateMetrics(cfg *MetricsConfig) {
	path := string(SectionMetrics)

	if !cfg.Enabled {
		return
	}
	v.validatePort(path+".port", cfg.Port, false)
	if cfg.Path != "" && !strings.HasPrefix(cfg.Path, "/") {
		v.addError(path+".path", "must start with /")
	}
}

func (v *Validator) validatePort(path string, port int, allowZero bool) {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		v.addError(path, fmt.Sprintf("invalid port %d", port))
	}
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}
