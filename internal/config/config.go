// Package config provides configuration types and defaults for skillforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for skillforge.
type Config struct {
	// DatabasePath overrides the default database location under the app
	// data directory.
	DatabasePath string `mapstructure:"database_path"`
	// TemplateDir holds user workflow templates; defaults to
	// <data dir>/templates.
	TemplateDir string        `mapstructure:"template_dir"`
	LogLevel    string        `mapstructure:"log_level"`
	Pool        PoolConfig    `mapstructure:"pool"`
	Lock        LockConfig    `mapstructure:"lock"`
	Server      ServerConfig  `mapstructure:"server"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
}

// LockConfig tunes the skill lock manager.
type LockConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// ServerConfig configures the HTTP facade the GUI talks to.
type ServerConfig struct {
	// Listen is the bind address. The facade serves a local GUI, so the
	// default binds loopback only.
	Listen string `mapstructure:"listen"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is "", "stdout", or "otlp".
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the OTLP collector address when Exporter is "otlp".
	Endpoint string `mapstructure:"endpoint"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Pool: PoolConfig{
			IdleTimeout:    5 * time.Minute,
			ReaperInterval: time.Minute,
			KillGrace:      5 * time.Second,
		},
		Lock: LockConfig{
			StaleAfter:        90 * time.Second,
			HeartbeatInterval: 15 * time.Second,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7433",
		},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn, or error", c.LogLevel)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter %q: must be empty, stdout, or otlp", c.Tracing.Exporter)
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing.exporter is otlp")
	}
	if c.Pool.IdleTimeout < 0 || c.Pool.ReaperInterval < 0 || c.Pool.KillGrace < 0 {
		return fmt.Errorf("pool durations must not be negative")
	}
	if c.Lock.StaleAfter > 0 && c.Lock.HeartbeatInterval > 0 &&
		c.Lock.HeartbeatInterval >= c.Lock.StaleAfter {
		return fmt.Errorf("lock.heartbeat_interval must be shorter than lock.stale_after")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Skillforge Configuration

# Path to the workflow database (default: <data dir>/skillforge.db)
# database_path: /path/to/skillforge.db

# Directory holding user workflow templates (default: <data dir>/templates)
# template_dir: /path/to/templates

# Log verbosity: debug, info, warn, error
log_level: info

# Worker pool tuning
pool:
  idle_timeout: 5m     # Reap workers silent for this long
  reaper_interval: 1m  # How often the idle sweep runs
  kill_grace: 5s       # SIGINT to SIGKILL escalation window

# Skill lock tuning
lock:
  stale_after: 90s        # Heartbeat age before a dead holder's lock is reclaimable
  heartbeat_interval: 15s # How often held locks are refreshed

# HTTP facade for the GUI
server:
  listen: "127.0.0.1:7433"

# Tracing (disabled by default)
# tracing:
#   exporter: otlp
#   endpoint: "127.0.0.1:4317"
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
