package service

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/metricsbuffer/internal/api"
	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/flush"
	"github.com/ethpandaops/metricsbuffer/internal/sink"
)

// Environment variables that override file configuration.
const (
	EnvPort          = "PORT"
	EnvFlushInterval = "METRICS_FLUSH_INTERVAL"
	EnvDebug         = "DEBUG"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the top-level configuration for metricsbuffer.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json. Defaults to text.
	LogFormat string `yaml:"log_format"`

	// API configures the ingestion HTTP server.
	API api.Config `yaml:"api"`

	// Flush configures periodic flushing.
	Flush flush.Config `yaml:"flush"`

	// Sink selects and configures the downstream sink.
	Sink sink.Config `yaml:"sink"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// ShutdownTimeout bounds the final drain on shutdown.
	// Defaults to 60s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:        "info",
		LogFormat:       LogFormatText,
		API:             api.DefaultConfig(),
		Flush:           flush.DefaultConfig(),
		ShutdownTimeout: 60 * time.Second,
		Health: export.HealthConfig{
			Addr: ":9090",
		},
	}

	cfg.Sink.ApplyDefaults()

	return cfg
}

// LoadConfig builds the configuration from an optional YAML file and the
// process environment. An empty path means defaults only.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from PORT, METRICS_FLUSH_INTERVAL (milliseconds)
// and DEBUG.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}

		c.API.Addr = ":" + strconv.Itoa(port)
	}

	if v, ok := lookup(EnvFlushInterval); ok && v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%s: expected a positive number of milliseconds, got %q", EnvFlushInterval, v)
		}

		c.Flush.Interval = time.Duration(ms) * time.Millisecond
	}

	if v, ok := lookup(EnvDebug); ok && debugEnabled(v) {
		c.LogLevel = logrus.DebugLevel.String()
	}

	return nil
}

func debugEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// ApplyDefaults fills unset nested fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.LogFormat == "" {
		c.LogFormat = LogFormatText
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 60 * time.Second
	}

	c.API.ApplyDefaults()
	c.Flush.ApplyDefaults()
	c.Sink.ApplyDefaults()
}

// Validate checks the configuration for required fields and consistency.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.LogFormat != LogFormatText && c.LogFormat != LogFormatJSON {
		return fmt.Errorf("log_format must be %s or %s", LogFormatText, LogFormatJSON)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Flush.Validate(); err != nil {
		return err
	}

	if err := c.Sink.Validate(); err != nil {
		return err
	}

	if c.Health.Addr != "" && c.Health.Addr == c.API.Addr {
		return errors.New("health.addr and api.addr must differ")
	}

	return nil
}
