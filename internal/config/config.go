// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire resolved launch configuration for one devscope
// invocation. It is populated from defaults, an optional config file, DEVSCOPE_*
// environment variables, and CLI flags (bound via viper), in that precedence order.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	MCP        MCPConfig        `mapstructure:"mcp" yaml:"mcp"`
	Log        EventLogConfig   `mapstructure:"log" yaml:"log"`
	ServerOnly bool             `mapstructure:"servers_only" yaml:"servers_only"`
	Tail       bool             `mapstructure:"tail" yaml:"tail"`
}

// LoggerConfig configures the diagnostic (zap) logger. This is devscope's own
// operational logging, not the combined event log.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig describes the dev-server child process and how readiness is detected.
type ServerConfig struct {
	// Command is the full dev-server command line, e.g. "npm run dev".
	Command string `mapstructure:"command" yaml:"command"`
	Cwd     string `mapstructure:"cwd" yaml:"cwd"`
	Env     []string `mapstructure:"env" yaml:"env"`
	// Port is the port the dev server is expected to listen on; used for the
	// readiness port poll and to build the monitored app URL.
	Port int `mapstructure:"port" yaml:"port"`
	// ReadyMarkers are substrings scanned for in the child's output. The first
	// match declares the server ready.
	ReadyMarkers []string      `mapstructure:"ready_markers" yaml:"ready_markers"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
	// PortPollAttempts / PortPollInterval bound the TCP fallback poll used when
	// no marker is observed.
	PortPollAttempts int           `mapstructure:"port_poll_attempts" yaml:"port_poll_attempts"`
	PortPollInterval time.Duration `mapstructure:"port_poll_interval" yaml:"port_poll_interval"`
	// GracePeriod is how long Stop waits after SIGTERM before force-killing.
	GracePeriod time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
}

// BrowserConfig holds settings for the monitored Chrome instance.
type BrowserConfig struct {
	// ExecPath overrides the browser binary discovered on PATH.
	ExecPath string `mapstructure:"exec_path" yaml:"exec_path"`
	Headless bool   `mapstructure:"headless" yaml:"headless"`
	// DebugPort is the fixed local remote-debugging port.
	DebugPort int `mapstructure:"debug_port" yaml:"debug_port"`
	// Attach connects to an already running browser via the discovery endpoint
	// instead of spawning one.
	Attach bool `mapstructure:"attach" yaml:"attach"`
	// AttachAttempts / AttachInterval bound the discovery endpoint poll.
	AttachAttempts int           `mapstructure:"attach_attempts" yaml:"attach_attempts"`
	AttachInterval time.Duration `mapstructure:"attach_interval" yaml:"attach_interval"`
	Args           []string      `mapstructure:"args" yaml:"args"`
}

// CaptureConfig tunes screenshot capture.
type CaptureConfig struct {
	Screenshots bool `mapstructure:"screenshots" yaml:"screenshots"`
	// MaxPerSecond rate-limits fire-and-forget captures so a render loop that
	// throws on every frame cannot flood the disk.
	MaxPerSecond float64 `mapstructure:"max_per_second" yaml:"max_per_second"`
}

// MCPConfig configures the local query/protocol server consumed by AI agents.
type MCPConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// EventLogConfig configures the combined event log (the logbook).
type EventLogConfig struct {
	// TimestampFormat is "local" or "utc".
	TimestampFormat string `mapstructure:"timestamp_format" yaml:"timestamp_format"`
	// File overrides the derived per-project log path. Empty means derive.
	File string `mapstructure:"file" yaml:"file"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "devscope")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.command", "")
	v.SetDefault("server.cwd", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.ready_markers", []string{
		"ready in",
		"compiled successfully",
		"listening on",
		"Local:",
		"localhost:",
	})
	v.SetDefault("server.ready_timeout", "30s")
	v.SetDefault("server.port_poll_attempts", 30)
	v.SetDefault("server.port_poll_interval", "1s")
	v.SetDefault("server.grace_period", "5s")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.attach", false)
	v.SetDefault("browser.attach_attempts", 20)
	v.SetDefault("browser.attach_interval", "500ms")

	// -- Capture --
	v.SetDefault("capture.screenshots", true)
	v.SetDefault("capture.max_per_second", 2.0)

	// -- MCP --
	v.SetDefault("mcp.port", 4100)
	v.SetDefault("mcp.shutdown_timeout", "5s")

	// -- Event log --
	v.SetDefault("log.timestamp_format", "local")
	v.SetDefault("log.file", "")

	v.SetDefault("servers_only", false)
	v.SetDefault("tail", false)
}

// NewConfigFromViper unmarshals and validates a configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig returns a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults are statically known to validate.
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.MCP.Port <= 0 || c.MCP.Port > 65535 {
		return fmt.Errorf("mcp.port must be in (0, 65535], got %d", c.MCP.Port)
	}
	if c.MCP.Port == c.Server.Port {
		return fmt.Errorf("mcp.port and server.port must differ (both %d)", c.MCP.Port)
	}
	if c.Server.ReadyTimeout <= 0 {
		return fmt.Errorf("server.ready_timeout must be a positive duration")
	}
	if c.Server.PortPollAttempts <= 0 || c.Server.PortPollInterval <= 0 {
		return fmt.Errorf("server port poll settings must be positive")
	}
	switch f := strings.ToLower(c.Log.TimestampFormat); f {
	case "local", "utc":
	default:
		return fmt.Errorf("log.timestamp_format must be 'local' or 'utc', got %q", c.Log.TimestampFormat)
	}
	if !c.ServerOnly {
		if c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535 {
			return fmt.Errorf("browser.debug_port must be in (0, 65535], got %d", c.Browser.DebugPort)
		}
		if c.Browser.AttachAttempts <= 0 || c.Browser.AttachInterval <= 0 {
			return fmt.Errorf("browser attach poll settings must be positive")
		}
	}
	if c.Capture.Screenshots && c.Capture.MaxPerSecond <= 0 {
		return fmt.Errorf("capture.max_per_second must be positive when screenshots are enabled")
	}
	return nil
}

// AppURL returns the URL the monitored page opens, derived from the dev-server port.
func (c *Config) AppURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}
