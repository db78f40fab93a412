// Package config defines the YAML configuration schema, loading, and
// validation for the cavern binary.
//
// Decoding is strict: unknown fields are an error, so a typo in a config
// file fails at startup instead of silently using a default. Validation
// collects every problem into one joined error.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Session   SessionConfig   `yaml:"session"`
	Incidents IncidentsConfig `yaml:"incidents"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig configures the Gemini Live connection.
type TransportConfig struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string `yaml:"api_key"`

	// Model overrides the default live model.
	Model string `yaml:"model"`

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string `yaml:"base_url"`

	// ConnectTimeout bounds the dial and handshake. Default: 15s.
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// AudioConfig configures the capture pipeline.
type AudioConfig struct {
	// CaptureQueueDepth bounds the outbound frame queue. Default: 64.
	CaptureQueueDepth int `yaml:"capture_queue_depth"`
}

// SessionConfig configures the conversation.
type SessionConfig struct {
	// Voice selects the prebuilt voice identity.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction text for the agent.
	Instructions string `yaml:"instructions"`
}

// IncidentsConfig selects the incident store backend.
type IncidentsConfig struct {
	// Driver is "memory" or "postgres". Default: memory.
	Driver string `yaml:"driver"`

	// DSN is the Postgres connection string. Required for the postgres
	// driver.
	DSN string `yaml:"dsn"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the /metrics listen address. Empty disables the
	// endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, decodes, defaults, and validates the config file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a config from r with strict field checking, applies
// defaults, and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Transport.ConnectTimeout <= 0 {
		c.Transport.ConnectTimeout = Duration(15 * time.Second)
	}
	if c.Incidents.Driver == "" {
		c.Incidents.Driver = "memory"
	}
}

// Validate checks the configuration and returns all problems joined into one
// error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.APIKey == "" {
		errs = append(errs, errors.New("transport.api_key must be set"))
	}
	if c.Audio.CaptureQueueDepth < 0 {
		errs = append(errs, errors.New("audio.capture_queue_depth must not be negative"))
	}
	switch c.Incidents.Driver {
	case "memory":
	case "postgres":
		if c.Incidents.DSN == "" {
			errs = append(errs, errors.New("incidents.dsn must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("incidents.driver %q is not one of memory, postgres", c.Incidents.Driver))
	}

	return errors.Join(errs...)
}

// SlogLevel parses LogLevel into a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
}
