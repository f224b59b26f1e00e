// Package config handles deskline client configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level client configuration.
type Config struct {
	API         APIConfig        `json:"api" yaml:"api"`
	Realtime    RealtimeConfig   `json:"realtime" yaml:"realtime"`
	Credentials CredentialConfig `json:"credentials" yaml:"credentials"`
	LogLevel    string           `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// APIConfig defines how the client reaches the REST backend.
type APIConfig struct {
	BaseURL       string   `json:"base_url" yaml:"base_url"`
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TLSSkipVerify bool     `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"` // dev only
}

// RealtimeConfig defines the realtime connection and its reconnection policy.
type RealtimeConfig struct {
	URL               string   `json:"url" yaml:"url"`
	ReconnectAttempts int      `json:"reconnect_attempts,omitempty" yaml:"reconnect_attempts,omitempty"`
	ReconnectDelay    Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
	PingInterval      Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	PongWait          Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`
	HandshakeTimeout  Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"` // dev only
}

// CredentialConfig selects where the bearer token and identity are persisted.
type CredentialConfig struct {
	Backend string `json:"backend,omitempty" yaml:"backend,omitempty"` // "file" (default), "sqlite", "memory"
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Duration is a time.Duration that decodes from strings like "30s" or from
// a bare number of seconds, in both JSON and YAML.
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
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", node.Line)
	}
	if node.Tag == "!!int" || node.Tag == "!!float" {
		var secs float64
		if err := node.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration at line %d: %w", node.Line, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Load reads, validates and defaults a config file. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if !strings.HasPrefix(c.Realtime.URL, "ws://") && !strings.HasPrefix(c.Realtime.URL, "wss://") {
		return fmt.Errorf("realtime.url must use ws:// or wss://")
	}
	if c.Realtime.ReconnectAttempts < 0 {
		return fmt.Errorf("realtime.reconnect_attempts must not be negative")
	}
	switch c.Credentials.Backend {
	case "", "file", "sqlite", "memory":
	default:
		return fmt.Errorf("credentials.backend must be file, sqlite, or memory")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	return nil
}

// ApplyDefaults fills unset fields. Load calls it; callers building a Config
// in code should call it themselves.
func (c *Config) ApplyDefaults() {
	if c.API.Timeout.Duration == 0 {
		c.API.Timeout.Duration = 30 * time.Second
	}
	if c.Realtime.ReconnectAttempts == 0 {
		c.Realtime.ReconnectAttempts = 10
	}
	if c.Realtime.ReconnectDelay.Duration == 0 {
		c.Realtime.ReconnectDelay.Duration = 2 * time.Second
	}
	if c.Realtime.PingInterval.Duration == 0 {
		c.Realtime.PingInterval.Duration = 25 * time.Second
	}
	if c.Realtime.PongWait.Duration == 0 {
		c.Realtime.PongWait.Duration = 60 * time.Second
	}
	if c.Realtime.HandshakeTimeout.Duration == 0 {
		c.Realtime.HandshakeTimeout.Duration = 10 * time.Second
	}
	if c.Credentials.Backend == "" {
		c.Credentials.Backend = "file"
	}
	if c.Credentials.Path == "" && c.Credentials.Backend != "memory" {
		c.Credentials.Path = DefaultCredentialPath(c.Credentials.Backend)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// DefaultConfigPath returns ~/.deskline/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".deskline", "config.yaml")
	}
	return filepath.Join(home, ".deskline", "config.yaml")
}

// DefaultCredentialPath returns ~/.deskline/credentials.{json,db}.
func DefaultCredentialPath(backend string) string {
	name := "credentials.json"
	if backend == "sqlite" {
		name = "credentials.db"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".deskline", name)
	}
	return filepath.Join(home, ".deskline", name)
}
