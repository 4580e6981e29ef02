package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config configures the HTTP exporter.
type Config struct {
	// Address is the HTTP endpoint each chunk is POSTed to.
	Address string `yaml:"address"`

	// Headers are additional HTTP headers to include in requests.
	Headers map[string]string `yaml:"headers"`

	// Compression specifies the compression algorithm.
	// Valid values: none, gzip, zstd, zlib, snappy.
	// Defaults to gzip.
	Compression string `yaml:"compression"`

	// ExportTimeout bounds a single request.
	// Defaults to 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// MaxIdleConns caps pooled idle connections to the endpoint.
	// Defaults to 16.
	MaxIdleConns int `yaml:"max_idle_conns"`

	// KeepAlive enables HTTP keep-alive connections.
	// Defaults to true.
	KeepAlive *bool `yaml:"keep_alive"`

	// BatchSize caps the records in one request.
	// Defaults to 1000.
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout is how long a partial batch waits for more records
	// before it is sent.
	// Defaults to 100ms.
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// MaxQueueSize caps records waiting for a request. Writes beyond it
	// fail instead of blocking.
	// Defaults to 51200.
	MaxQueueSize int `yaml:"max_queue_size"`

	// Workers is the number of concurrent requests.
	// Defaults to 5.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	keepAlive := true

	return Config{
		Compression:   CompressionGzip,
		ExportTimeout: 30 * time.Second,
		MaxIdleConns:  16,
		KeepAlive:     &keepAlive,
		BatchSize:     1000,
		BatchTimeout:  100 * time.Millisecond,
		MaxQueueSize:  51200,
		Workers:       5,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}

	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address scheme must be http or https, got %q", u.Scheme)
	}

	if !ValidCompression(c.Compression) {
		return errors.New("invalid compression type: " + c.Compression)
	}

	if c.ExportTimeout < 0 {
		return errors.New("export_timeout must not be negative")
	}

	if c.BatchSize > c.MaxQueueSize {
		return errors.New("batch_size must not exceed max_queue_size")
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.ExportTimeout <= 0 {
		c.ExportTimeout = defaults.ExportTimeout
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaults.MaxIdleConns
	}

	if c.KeepAlive == nil {
		c.KeepAlive = defaults.KeepAlive
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}

	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaults.MaxQueueSize
	}

	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
}

// IsKeepAlive returns whether HTTP keep-alive is enabled.
func (c *Config) IsKeepAlive() bool {
	if c.KeepAlive == nil {
		return true
	}

	return *c.KeepAlive
}
