// Package dispatch splits flushed snapshots into size-bounded chunks and
// delivers them to a sink concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/buffer"
	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
	"github.com/ethpandaops/metricsbuffer/internal/sink"
)

// MaxChunkSize is the downstream per-call record limit.
const MaxChunkSize = 1000

var (
	// ErrNoSink is returned when the dispatcher was built without a sink.
	ErrNoSink = errors.New("dispatcher has no sink")
	// ErrInvalidSnapshot is returned for a snapshot that cannot be split.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
	// ErrSinkPanic wraps a panic raised inside a sink call.
	ErrSinkPanic = errors.New("sink call panicked")
)

// Failure records one rejected chunk call.
type Failure struct {
	Namespace string
	Size      int
	Err       error
}

// Summary aggregates the outcome of one dispatch pass.
type Summary struct {
	CycleID   string
	Records   int
	Calls     int
	Delivered int
	Failures  []Failure
	Duration  time.Duration
}

// Failed returns the number of records in failed chunks.
func (s Summary) Failed() int {
	n := 0
	for _, f := range s.Failures {
		n += f.Size
	}

	return n
}

// Err combines all chunk failures, or returns nil if every call succeeded.
func (s Summary) Err() error {
	var result *multierror.Error

	for _, f := range s.Failures {
		result = multierror.Append(result, fmt.Errorf(
			"namespace %s (%d records): %w", f.Namespace, f.Size, f.Err,
		))
	}

	return result.ErrorOrNil()
}

// Chunk splits data into consecutive slices of at most size records.
// The returned slices share data's backing array.
func Chunk(data []metric.Datum, size int) [][]metric.Datum {
	if size <= 0 || len(data) == 0 {
		return nil
	}

	chunks := make([][]metric.Datum, 0, (len(data)+size-1)/size)

	for i := 0; i < len(data); i += size {
		end := min(i+size, len(data))
		chunks = append(chunks, data[i:end:end])
	}

	return chunks
}

// Dispatcher delivers snapshots to a sink.
type Dispatcher struct {
	log         logrus.FieldLogger
	sink        sink.Sink
	callTimeout time.Duration
	health      *export.HealthMetrics
}

// New creates a Dispatcher. A callTimeout of zero leaves sink calls
// bounded only by the caller's context. health may be nil.
func New(
	log logrus.FieldLogger,
	s sink.Sink,
	callTimeout time.Duration,
	health *export.HealthMetrics,
) *Dispatcher {
	return &Dispatcher{
		log:         log.WithField("component", "dispatcher"),
		sink:        s,
		callTimeout: callTimeout,
		health:      health,
	}
}

type call struct {
	namespace string
	data      []metric.Datum
}

// Dispatch issues one sink call per chunk, all concurrently, and waits for
// every call to settle. Chunk failures are reported in the Summary; the
// returned error is reserved for snapshots that could not be dispatched
// at all.
func (d *Dispatcher) Dispatch(ctx context.Context, snap buffer.Snapshot) (Summary, error) {
	start := time.Now()
	summary := Summary{CycleID: uuid.NewString()}

	if d.sink == nil {
		return summary, ErrNoSink
	}

	calls, err := plan(snap)
	if err != nil {
		return summary, err
	}

	if len(calls) == 0 {
		return summary, nil
	}

	log := d.log.WithField("cycle", summary.CycleID)
	errs := make([]error, len(calls))

	var wg sync.WaitGroup

	for i, c := range calls {
		summary.Records += len(c.data)

		log.WithFields(logrus.Fields{
			"namespace": c.namespace,
			"count":     len(c.data),
		}).Debug("Sending metrics chunk")

		wg.Add(1)

		go func(i int, c call) {
			defer wg.Done()

			errs[i] = d.put(ctx, c)
		}(i, c)
	}

	wg.Wait()

	summary.Calls = len(calls)

	for i, c := range calls {
		if errs[i] == nil {
			summary.Delivered += len(c.data)

			continue
		}

		summary.Failures = append(summary.Failures, Failure{
			Namespace: c.namespace,
			Size:      len(c.data),
			Err:       errs[i],
		})

		log.WithError(errs[i]).WithFields(logrus.Fields{
			"namespace": c.namespace,
			"count":     len(c.data),
		}).Error("Rejected chunk call to sink")
	}

	summary.Duration = time.Since(start)

	if d.health != nil {
		d.health.RecordsDelivered.Add(float64(summary.Delivered))
		d.health.RecordsFailed.Add(float64(summary.Failed()))
	}

	log.WithFields(logrus.Fields{
		"sink":      d.sink.Name(),
		"metrics":   summary.Records,
		"requests":  summary.Calls,
		"delivered": summary.Delivered,
		"failed":    len(summary.Failures),
		"duration":  summary.Duration,
	}).Info("Uploaded metrics to sink")

	return summary, nil
}

// put performs a single chunk call. A panicking sink only fails its own
// chunk.
func (d *Dispatcher) put(ctx context.Context, c call) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}

		d.observe(len(c.data), time.Since(start), err)
	}()

	if d.callTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
	}

	return d.sink.Put(ctx, c.namespace, c.data)
}

func (d *Dispatcher) observe(size int, took time.Duration, err error) {
	if d.health == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	name := d.sink.Name()

	d.health.SinkCalls.WithLabelValues(name, status).Inc()
	d.health.SinkCallDuration.WithLabelValues(name).Observe(took.Seconds())
	d.health.ChunkSize.Observe(float64(size))
}

// plan turns a snapshot into the ordered list of chunk calls.
func plan(snap buffer.Snapshot) ([]call, error) {
	calls := make([]call, 0, (snap.Total+MaxChunkSize-1)/MaxChunkSize+len(snap.Records))

	for _, ns := range orderedNamespaces(snap) {
		if ns == "" {
			return nil, fmt.Errorf("%w: empty namespace", ErrInvalidSnapshot)
		}

		for _, chunk := range Chunk(snap.Records[ns], MaxChunkSize) {
			calls = append(calls, call{namespace: ns, data: chunk})
		}
	}

	return calls, nil
}

// orderedNamespaces returns the snapshot's namespaces in insertion order,
// followed by any keys missing from that order in sorted order.
func orderedNamespaces(snap buffer.Snapshot) []string {
	out := make([]string, 0, len(snap.Records))
	seen := make(map[string]struct{}, len(snap.Records))

	for _, ns := range snap.Namespaces {
		if _, ok := snap.Records[ns]; !ok {
			continue
		}

		if _, dup := seen[ns]; dup {
			continue
		}

		seen[ns] = struct{}{}
		out = append(out, ns)
	}

	var extra []string

	for ns := range snap.Records {
		if _, ok := seen[ns]; !ok {
			extra = append(extra, ns)
		}
	}

	sort.Strings(extra)

	return append(out, extra...)
}
