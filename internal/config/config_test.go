package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "stdout", cfg.Logger.Output)
	assert.Equal(t, DefaultLogBufferSize, cfg.Logger.BufferSize)
	assert.Equal(t, DefaultJSONServerPort, cfg.JSONServer.Port)
	assert.Equal(t, "", cfg.JSONServer.Address)
	assert.False(t, cfg.Network.InternetAccess)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.NoError(t, ValidateConfig(cfg))
}

func TestConfig_SectionValue(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, cfg.Logger, cfg.SectionValue(SectionLogger))
	assert.Equal(t, cfg.JSONServer, cfg.SectionValue(SectionJSONServer))
	assert.Equal(t, cfg.Network, cfg.SectionValue(SectionNetwork))
	assert.Equal(t, cfg.Metrics, cfg.SectionValue(SectionMetrics))
	assert.Nil(t, cfg.SectionValue(Section("unknown")))
}

func TestChangedSections(t *testing.T) {
	tests := []struct {
		name   string
		old    *Config
		mutate func(*Config)
		want   []Section
	}{
		{
			name:   "nil old reports everything",
			old:    nil,
			mutate: func(*Config) {},
			want:   Sections,
		},
		{
			name:   "identical documents",
			old:    DefaultConfig(),
			mutate: func(*Config) {},
			want:   nil,
		},
		{
			name: "port change",
			old:  DefaultConfig(),
			mutate: func(c *Config) {
				c.JSONServer.Port = 20000
			},
			want: []Section{SectionJSONServer},
		},
		{
			name: "logger and network change",
			old:  DefaultConfig(),
			mutate: func(c *Config) {
				c.Logger.Level = "debug"
				c.Network.AllowedNetworks = []string{"10.0.0.0/8"}
			},
			want: []Section{SectionLogger, SectionNetwork},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := DefaultConfig()
			tt.mutate(updated)
			assert.Equal(t, tt.want, ChangedSections(tt.old, updated))
		})
	}

	t.Run("nil updated reports nothing", func(t *testing.T) {
		assert.Nil(t, ChangedSections(DefaultConfig(), nil))
	})
}
