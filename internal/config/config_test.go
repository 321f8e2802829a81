// internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 4100, cfg.MCP.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadyTimeout)
	assert.Equal(t, 5*time.Second, cfg.Server.GracePeriod)
	assert.Contains(t, cfg.Server.ReadyMarkers, "ready in")
	assert.Equal(t, 9222, cfg.Browser.DebugPort)
	assert.False(t, cfg.Browser.Headless)
	assert.True(t, cfg.Capture.Screenshots)
	assert.Equal(t, "local", cfg.Log.TimestampFormat)
	assert.False(t, cfg.ServerOnly)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestNewConfigFromViperOverrides(t *testing.T) {
	t.Parallel()
	v := viper.New()
	SetDefaults(v)
	v.Set("server.port", 5173)
	v.Set("server.command", "pnpm dev")
	v.Set("log.timestamp_format", "utc")
	v.Set("browser.headless", true)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5173, cfg.Server.Port)
	assert.Equal(t, "pnpm dev", cfg.Server.Command)
	assert.Equal(t, "utc", cfg.Log.TimestampFormat)
	assert.True(t, cfg.Browser.Headless)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "server port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "mcp port out of range",
			mutate:  func(c *Config) { c.MCP.Port = 70000 },
			wantErr: "mcp.port",
		},
		{
			name: "port collision",
			mutate: func(c *Config) {
				c.Server.Port = 4100
				c.MCP.Port = 4100
			},
			wantErr: "must differ",
		},
		{
			name:    "bad timestamp format",
			mutate:  func(c *Config) { c.Log.TimestampFormat = "iso" },
			wantErr: "timestamp_format",
		},
		{
			name:    "non-positive ready timeout",
			mutate:  func(c *Config) { c.Server.ReadyTimeout = 0 },
			wantErr: "ready_timeout",
		},
		{
			name:    "bad debug port",
			mutate:  func(c *Config) { c.Browser.DebugPort = -1 },
			wantErr: "debug_port",
		},
		{
			name: "bad debug port ignored in servers-only mode",
			mutate: func(c *Config) {
				c.ServerOnly = true
				c.Browser.DebugPort = -1
			},
		},
		{
			name: "screenshot rate must be positive when enabled",
			mutate: func(c *Config) {
				c.Capture.Screenshots = true
				c.Capture.MaxPerSecond = 0
			},
			wantErr: "max_per_second",
		},
		{
			name: "zero rate fine when screenshots disabled",
			mutate: func(c *Config) {
				c.Capture.Screenshots = false
				c.Capture.MaxPerSecond = 0
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestAppURL(t *testing.T) {
	t.Parallel()
	cfg := NewDefaultConfig()
	cfg.Server.Port = 5173
	assert.Equal(t, "http://localhost:5173", cfg.AppURL())
}
