package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

type fakeBatch struct {
	rows      [][]any
	appendErr error
	sendErr   error
	sent      bool
	aborted   bool
}

func (b *fakeBatch) Append(v ...any) error {
	if b.appendErr != nil {
		return b.appendErr
	}

	b.rows = append(b.rows, v)

	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true

	return b.sendErr
}

func (b *fakeBatch) Abort() error {
	b.aborted = true

	return nil
}

func newTestClickHouseSink(batch *fakeBatch) (*ClickHouseSink, *string) {
	s := NewClickHouseSink(testLog(), export.ClickHouseConfig{
		Endpoint: "localhost:9000",
		Database: "obs",
	})

	var query string

	s.prepare = func(_ context.Context, q string) (rowBatch, error) {
		query = q

		return batch, nil
	}
	s.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	return s, &query
}

func TestClickHouseSink_Put(t *testing.T) {
	batch := &fakeBatch{}
	s, query := newTestClickHouseSink(batch)

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	data := sampleData()
	data[0].Timestamp = ts

	require.NoError(t, s.Put(context.Background(), "App", data))

	assert.Contains(t, *query, "INSERT INTO obs.metrics")
	assert.True(t, batch.sent)
	require.Len(t, batch.rows, 2)

	first := batch.rows[0]
	require.Len(t, first, 10)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), first[0])
	assert.Equal(t, "App", first[1])
	assert.Equal(t, "Latency", first[2])
	assert.Equal(t, string(metric.UnitMilliseconds), first[3])
	assert.Equal(t, ts.UTC(), first[4])
	assert.Equal(t, ptr(12.5), first[5])
	assert.Equal(t, []float64{}, first[6])
	assert.Equal(t, map[string]string{"Route": "/batch"}, first[8])

	second := batch.rows[1]
	assert.Nil(t, second[5].(*float64))
	assert.Equal(t, []float64{1, 2}, second[6])
	assert.Equal(t, []float64{3, 4}, second[7])
	assert.Equal(t, map[string]string{}, second[8])
	assert.Equal(t, ptr(int32(1)), second[9])
}

func TestClickHouseSink_Errors(t *testing.T) {
	t.Run("prepare", func(t *testing.T) {
		s, _ := newTestClickHouseSink(nil)
		s.prepare = func(context.Context, string) (rowBatch, error) {
			return nil, errors.New("connection refused")
		}

		err := s.Put(context.Background(), "App", sampleData())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "preparing metrics batch")
	})

	t.Run("append", func(t *testing.T) {
		batch := &fakeBatch{appendErr: errors.New("bad column")}
		s, _ := newTestClickHouseSink(batch)

		err := s.Put(context.Background(), "App", sampleData())
		require.Error(t, err)
		assert.True(t, batch.aborted)
		assert.False(t, batch.sent)
	})

	t.Run("send", func(t *testing.T) {
		batch := &fakeBatch{sendErr: errors.New("timeout")}
		s, _ := newTestClickHouseSink(batch)

		err := s.Put(context.Background(), "App", sampleData())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sending metrics batch")
	})
}

func TestClickHouseSink_NotStarted(t *testing.T) {
	s := NewClickHouseSink(testLog(), export.ClickHouseConfig{Endpoint: "localhost:9000"})

	assert.Error(t, s.Put(context.Background(), "App", sampleData()))
	assert.NoError(t, s.Stop())
}

func TestClickHouseSink_QueryUsesConfiguredTable(t *testing.T) {
	s := NewClickHouseSink(testLog(), export.ClickHouseConfig{
		Endpoint: "localhost:9000",
		Table:    "custom_metrics",
	})

	assert.Contains(t, s.query, "INSERT INTO default.custom_metrics (")
}
