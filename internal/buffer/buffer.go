// Package buffer holds measurements between flush cycles, grouped by
// namespace.
package buffer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// Snapshot is the buffer content captured by one SnapshotAndClear call.
// It owns its slices; later Adds never show up in it.
type Snapshot struct {
	TakenAt time.Time
	// Namespaces lists the keys of Records in first-seen order.
	Namespaces []string
	Records    map[string][]metric.Datum
	Total      int
}

// Empty reports whether the snapshot carries no records.
func (s Snapshot) Empty() bool { return s.Total == 0 }

// Buffer is a concurrency-safe store of pending measurements.
type Buffer struct {
	log    logrus.FieldLogger
	clock  clock.PassiveClock
	health *export.HealthMetrics

	mu         sync.Mutex
	pending    map[string][]metric.Datum
	namespaces []string
	total      int
}

// New creates an empty Buffer. health may be nil.
func New(
	log logrus.FieldLogger,
	clk clock.PassiveClock,
	health *export.HealthMetrics,
) *Buffer {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Buffer{
		log:     log.WithField("component", "buffer"),
		clock:   clk,
		health:  health,
		pending: make(map[string][]metric.Datum, 8),
	}
}

// Add appends data under namespace. Records without a timestamp are
// stamped with the time of this call. Input is assumed to be validated.
func (b *Buffer) Add(namespace string, data []metric.Datum) {
	if len(data) == 0 {
		return
	}

	now := b.clock.Now()

	b.mu.Lock()

	records, ok := b.pending[namespace]
	if !ok {
		b.namespaces = append(b.namespaces, namespace)
	}

	for _, d := range data {
		records = append(records, d.WithTimestamp(now))
	}

	b.pending[namespace] = records
	b.total += len(data)

	// The gauge is written under mu so it always matches total.
	if b.health != nil {
		b.health.RecordsReceived.Add(float64(len(data)))
		b.health.BufferedRecords.Set(float64(b.total))
	}

	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"count":     len(data),
	}).Debug("Added metrics to buffer")
}

// SnapshotAndClear captures everything pending and resets the buffer in
// one step. Every Add lands either entirely in the returned snapshot or
// entirely in the next one.
func (b *Buffer) SnapshotAndClear() Snapshot {
	b.mu.Lock()

	snap := Snapshot{
		TakenAt:    b.clock.Now(),
		Namespaces: b.namespaces,
		Records:    b.pending,
		Total:      b.total,
	}

	b.pending = make(map[string][]metric.Datum, len(snap.Records))
	b.namespaces = nil
	b.total = 0

	if b.health != nil {
		b.health.BufferedRecords.Set(0)
	}

	b.mu.Unlock()

	return snap
}

// Len returns the number of pending records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.total
}
