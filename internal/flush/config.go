package flush

import (
	"errors"
	"time"
)

// Config configures periodic flushing.
type Config struct {
	// Interval is the time between periodic flush cycles.
	// Defaults to 30s.
	Interval time.Duration `yaml:"interval"`

	// CallTimeout bounds each chunk call to the sink.
	// Defaults to 30s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}

	if c.CallTimeout == 0 {
		c.CallTimeout = defaults.CallTimeout
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("flush.interval must be positive")
	}

	if c.CallTimeout < 0 {
		return errors.New("flush.call_timeout must not be negative")
	}

	return nil
}
