// Package sink contains the downstream time-series adapters that receive
// flushed chunks.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/export"
	httpexport "github.com/ethpandaops/metricsbuffer/internal/export/http"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// Sink type names.
const (
	TypeCloudWatch = "cloudwatch"
	TypeClickHouse = "clickhouse"
	TypeHTTP       = "http"
	TypeLog        = "log"
)

// Config selects and configures the sink.
type Config struct {
	// Type is one of cloudwatch, clickhouse, http, log.
	// Defaults to cloudwatch.
	Type string `yaml:"type"`

	CloudWatch CloudWatchConfig        `yaml:"cloudwatch"`
	ClickHouse export.ClickHouseConfig `yaml:"clickhouse"`
	HTTP       httpexport.Config       `yaml:"http"`
}

// Sink accepts chunks of at most dispatch.MaxChunkSize records. Each Put
// succeeds or fails independently.
type Sink interface {
	// Name returns the sink's name for logging and metrics.
	Name() string
	// Start opens connections.
	Start(ctx context.Context) error
	// Put delivers one chunk belonging to namespace.
	Put(ctx context.Context, namespace string, data []metric.Datum) error
	// Stop releases resources.
	Stop() error
}

// ErrUnknownType is returned for an unrecognised sink type.
var ErrUnknownType = errors.New("unknown sink type")

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = TypeCloudWatch
	}

	c.CloudWatch.ApplyDefaults()
	c.ClickHouse.ApplyDefaults()
	c.HTTP.ApplyDefaults()
}

// Validate checks the configuration of the selected sink.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeCloudWatch:
		if err := c.CloudWatch.Validate(); err != nil {
			return fmt.Errorf("sink.cloudwatch: %w", err)
		}
	case TypeClickHouse:
		if err := c.ClickHouse.Validate(); err != nil {
			return fmt.Errorf("sink.clickhouse: %w", err)
		}
	case TypeHTTP:
		if err := c.HTTP.Validate(); err != nil {
			return fmt.Errorf("sink.http: %w", err)
		}
	case TypeLog:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}

	return nil
}

// New builds the sink selected by cfg.Type.
func New(log logrus.FieldLogger, cfg Config) (Sink, error) {
	switch cfg.Type {
	case TypeCloudWatch, "":
		return NewCloudWatchSink(log, cfg.CloudWatch), nil
	case TypeClickHouse:
		return NewClickHouseSink(log, cfg.ClickHouse), nil
	case TypeHTTP:
		s, err := NewHTTPSink(log, cfg.HTTP)
		if err != nil {
			return nil, err
		}

		return s, nil
	case TypeLog:
		return NewLogSink(log), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}
