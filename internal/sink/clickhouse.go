package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// rowBatch is the part of a ClickHouse batch the sink drives.
type rowBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

// ClickHouseSink inserts each chunk as one batch into the metrics table.
type ClickHouseSink struct {
	log     logrus.FieldLogger
	writer  *export.ClickHouseWriter
	query   string
	prepare func(ctx context.Context, query string) (rowBatch, error)
	now     func() time.Time
}

var _ Sink = (*ClickHouseSink)(nil)

// NewClickHouseSink creates a ClickHouse sink. The connection opens on Start.
func NewClickHouseSink(log logrus.FieldLogger, cfg export.ClickHouseConfig) *ClickHouseSink {
	writer := export.NewClickHouseWriter(log, cfg)
	table := writer.Config().QualifiedTable()

	s := &ClickHouseSink{
		log:    log.WithField("component", "sink_clickhouse"),
		writer: writer,
		query: fmt.Sprintf(`INSERT INTO %s (
			updated_date_time, namespace, metric_name, unit, timestamp,
			value, values, counts, dimensions, storage_resolution
		)`, table),
		now: time.Now,
	}

	s.prepare = func(ctx context.Context, query string) (rowBatch, error) {
		b, err := writer.PrepareBatch(ctx, query)
		if err != nil {
			return nil, err
		}

		return b, nil
	}

	return s
}

// Name implements Sink.
func (s *ClickHouseSink) Name() string { return TypeClickHouse }

// Start opens the connection.
func (s *ClickHouseSink) Start(ctx context.Context) error {
	return s.writer.Start(ctx)
}

// Put implements Sink.
func (s *ClickHouseSink) Put(ctx context.Context, namespace string, data []metric.Datum) error {
	batch, err := s.prepare(ctx, s.query)
	if err != nil {
		return fmt.Errorf("preparing metrics batch: %w", err)
	}

	updated := s.now().UTC()

	for i := range data {
		if err := batch.Append(row(updated, namespace, data[i])...); err != nil {
			_ = batch.Abort()

			return fmt.Errorf("appending metrics row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("sending metrics batch: %w", err)
	}

	return nil
}

// Stop closes the connection.
func (s *ClickHouseSink) Stop() error {
	return s.writer.Stop()
}

func row(updated time.Time, namespace string, d metric.Datum) []any {
	values := d.Values
	if values == nil {
		values = []float64{}
	}

	counts := d.Counts
	if counts == nil {
		counts = []float64{}
	}

	dims := make(map[string]string, len(d.Dimensions))
	for _, dim := range d.Dimensions {
		dims[dim.Name] = dim.Value
	}

	return []any{
		updated,
		namespace,
		d.MetricName,
		d.Unit.String(),
		d.Timestamp.UTC(),
		d.Value,
		values,
		counts,
		dims,
		d.StorageResolution,
	}
}
