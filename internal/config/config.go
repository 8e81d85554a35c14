// Package config handles daemon configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server ServerConfig          `json:"server"`
	Broker BrokerConfig          `json:"broker"`
	Tools  map[string]ToolConfig `json:"tools,omitempty"`
}

// ServerConfig defines the HTTP/WebSocket surface.
type ServerConfig struct {
	Listen     string `json:"listen"`
	AuthSecret string `json:"auth_secret"`
}

// BrokerConfig defines broker and session-runtime limits.
type BrokerConfig struct {
	DataDir          string   `json:"data_dir,omitempty"`
	GracePeriod      Duration `json:"grace_period,omitempty"`
	IdleTimeout      Duration `json:"idle_timeout,omitempty"`
	SubscriberBuffer int      `json:"subscriber_buffer,omitempty"`
	MaxLineBytes     int      `json:"max_line_bytes,omitempty"`
	LogLevel         string   `json:"log_level,omitempty"`
}

// ToolConfig overrides per-tool defaults, keyed by tool name.
type ToolConfig struct {
	Executable string `json:"executable,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Duration wraps time.Duration for JSON: accepts "30s" strings or plain
// numbers of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7777"
	}
	if c.Broker.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Broker.DataDir = filepath.Join(home, ".tether")
		} else {
			c.Broker.DataDir = ".tether"
		}
	}
	if c.Broker.GracePeriod.Duration <= 0 {
		c.Broker.GracePeriod.Duration = 5 * time.Second
	}
	if c.Broker.IdleTimeout.Duration < 0 {
		c.Broker.IdleTimeout.Duration = 0
	}
	if c.Broker.SubscriberBuffer <= 0 {
		c.Broker.SubscriberBuffer = 256
	}
	if c.Broker.MaxLineBytes <= 0 {
		c.Broker.MaxLineBytes = 1 << 20
	}
	if c.Broker.LogLevel == "" {
		c.Broker.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.Broker.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.Broker.LogLevel)
	}
	return nil
}

// ToolOverrides returns the configured tool-name to executable-path map for
// the adapter registry.
func (c *Config) ToolOverrides() map[string]string {
	if len(c.Tools) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.Tools))
	for tool, tc := range c.Tools {
		if tc.Executable != "" {
			out[tool] = tc.Executable
		}
	}
	return out
}

// Load reads and validates a config file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
