package api

import (
	"errors"
	"time"
)

// Config configures the ingestion HTTP server.
type Config struct {
	// Addr is the listen address. Defaults to ":3000".
	Addr string `yaml:"addr"`

	// MaxBodyBytes caps request bodies. Defaults to 4MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ReadHeaderTimeout bounds reading request headers. Defaults to 10s.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() Config {
	return Config{
		Addr:              ":3000",
		MaxBodyBytes:      4 << 20,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Addr == "" {
		c.Addr = defaults.Addr
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaults.MaxBodyBytes
	}

	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}

	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}

	return nil
}
