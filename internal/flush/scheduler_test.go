package flush

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/ethpandaops/metricsbuffer/internal/buffer"
	"github.com/ethpandaops/metricsbuffer/internal/dispatch"
	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

const interval = 30 * time.Second

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// recordingSink captures chunk calls. When gate is set, every call blocks
// until the gate is closed or its context ends.
type recordingSink struct {
	mu      sync.Mutex
	calls   []putCall
	gate    chan struct{}
	started chan struct{}
}

type putCall struct {
	namespace string
	names     []string
	ctx       context.Context
}

func newRecordingSink() *recordingSink {
	return &recordingSink{started: make(chan struct{}, 64)}
}

func (r *recordingSink) Name() string                  { return "recording" }
func (r *recordingSink) Start(_ context.Context) error { return nil }
func (r *recordingSink) Stop() error                   { return nil }

func (r *recordingSink) Put(ctx context.Context, namespace string, data []metric.Datum) error {
	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, d.MetricName)
	}

	r.mu.Lock()
	r.calls = append(r.calls, putCall{namespace: namespace, names: names, ctx: ctx})
	gate := r.gate
	r.mu.Unlock()

	r.started <- struct{}{}

	if gate == nil {
		return nil
	}

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *recordingSink) snapshot() []putCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]putCall(nil), r.calls...)
}

func (r *recordingSink) waitStarted(t *testing.T, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-r.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for sink call %d", i+1)
		}
	}
}

type fixture struct {
	clock     *clocktesting.FakeClock
	buffer    *buffer.Buffer
	sink      *recordingSink
	scheduler *Scheduler
	health    *export.HealthMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := testLog()
	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	health := export.NewHealthMetrics(log, export.HealthConfig{})
	buf := buffer.New(log, clk, health)
	s := newRecordingSink()
	d := dispatch.New(log, s, 5*time.Second, health)

	return &fixture{
		clock:     clk,
		buffer:    buf,
		sink:      s,
		scheduler: New(log, buf, d, clk, interval, health),
		health:    health,
	}
}

func named(prefix string, n int) []metric.Datum {
	out := make([]metric.Datum, n)
	for i := range out {
		out[i] = metric.Datum{MetricName: fmt.Sprintf("%s%d", prefix, i), Unit: metric.UnitCount}
	}

	return out
}

func TestScheduler_TickFlushesBuffer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.Start(context.Background()))
	t.Cleanup(func() { _, _ = f.scheduler.DrainAndStop(context.Background()) })

	assert.Equal(t, StateRunning, f.scheduler.State())

	f.buffer.Add("App", named("a", 2500))

	f.clock.Step(interval)
	f.sink.waitStarted(t, 3)

	calls := f.sink.snapshot()
	require.Len(t, calls, 3)

	sizes := make([]int, 0, len(calls))
	for _, c := range calls {
		assert.Equal(t, "App", c.namespace)
		sizes = append(sizes, len(c.names))
	}

	assert.ElementsMatch(t, []int{1000, 1000, 500}, sizes)
	assert.Equal(t, 0, f.buffer.Len())
}

func TestScheduler_EmptyTickIssuesNoCalls(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.Start(context.Background()))

	f.clock.Step(interval)
	f.clock.Step(interval)

	summary, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Calls)
	assert.Empty(t, f.sink.snapshot())
}

func TestScheduler_LateRecordGoesToNextCycle(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.sink.gate = gate

	require.NoError(t, f.scheduler.Start(context.Background()))

	f.buffer.Add("App", named("first", 1))

	f.clock.Step(interval)
	f.sink.waitStarted(t, 1)

	// The first cycle's snapshot is taken and its dispatch is still pending.
	f.buffer.Add("App", named("late", 1))
	assert.Equal(t, 1, f.buffer.Len())

	f.clock.Step(interval)
	f.sink.waitStarted(t, 1)

	close(gate)

	_, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)

	calls := f.sink.snapshot()
	require.Len(t, calls, 2)

	seen := map[string]int{}
	for _, c := range calls {
		require.Len(t, c.names, 1)
		seen[c.names[0]]++
	}

	assert.Equal(t, map[string]int{"first0": 1, "late0": 1}, seen)
}

func TestScheduler_TicksDoNotWaitForDispatch(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.sink.gate = gate

	require.NoError(t, f.scheduler.Start(context.Background()))

	f.buffer.Add("A", named("a", 1))
	f.clock.Step(interval)
	f.sink.waitStarted(t, 1)

	f.buffer.Add("B", named("b", 1))
	f.clock.Step(interval)

	// Second cycle starts while the first is still blocked.
	f.sink.waitStarted(t, 1)
	assert.Len(t, f.sink.snapshot(), 2)

	close(gate)

	_, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)
}

func TestScheduler_DrainFlushesRemainingAndStopsTicks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.Start(context.Background()))

	f.buffer.Add("A", named("a", 5))
	f.buffer.Add("B", named("b", 3))

	summary, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Calls)
	assert.Equal(t, 8, summary.Delivered)
	assert.Equal(t, 0, f.buffer.Len())
	assert.Equal(t, StateStopped, f.scheduler.State())

	// No ticks after shutdown.
	f.buffer.Add("A", named("after", 1))
	f.clock.Step(interval)
	f.clock.Step(interval)

	time.Sleep(50 * time.Millisecond)

	assert.Len(t, f.sink.snapshot(), 2)
	assert.Equal(t, 1, f.buffer.Len())
	assert.InDelta(t, 1, testutil.ToFloat64(f.health.FlushCycles.WithLabelValues(triggerShutdown)), 0)
}

func TestScheduler_DrainWaitsForInFlightDispatch(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.sink.gate = gate

	require.NoError(t, f.scheduler.Start(context.Background()))

	f.buffer.Add("App", named("tick", 1))
	f.clock.Step(interval)
	f.sink.waitStarted(t, 1)

	f.buffer.Add("App", named("final", 1))

	drained := make(chan dispatch.Summary, 1)

	go func() {
		summary, err := f.scheduler.DrainAndStop(context.Background())
		assert.NoError(t, err)
		drained <- summary
	}()

	f.sink.waitStarted(t, 1)

	select {
	case <-drained:
		t.Fatal("drain returned before in-flight calls settled")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, StateDraining, f.scheduler.State())

	close(gate)

	select {
	case summary := <-drained:
		assert.Equal(t, 1, summary.Delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not complete")
	}

	assert.Equal(t, StateStopped, f.scheduler.State())
}

func TestScheduler_DrainTimeoutLeavesCallsRunning(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.sink.gate = gate
	defer close(gate)

	require.NoError(t, f.scheduler.Start(context.Background()))

	f.buffer.Add("App", named("slow", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.scheduler.DrainAndStop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.sink.waitStarted(t, 1)

	calls := f.sink.snapshot()
	require.Len(t, calls, 1)

	// The issued call was not cancelled by shutdown.
	assert.NoError(t, calls[0].ctx.Err())
}

func TestScheduler_DrainWithoutStart(t *testing.T) {
	f := newFixture(t)

	f.buffer.Add("App", named("a", 3))

	summary, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Delivered)
	assert.Equal(t, StateStopped, f.scheduler.State())
}

func TestScheduler_StartTwice(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.Start(context.Background()))
	assert.ErrorIs(t, f.scheduler.Start(context.Background()), ErrAlreadyStarted)

	_, err := f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)

	// A stopped scheduler can be started again.
	require.NoError(t, f.scheduler.Start(context.Background()))

	_, err = f.scheduler.DrainAndStop(context.Background())
	require.NoError(t, err)
}

func TestScheduler_InvalidInterval(t *testing.T) {
	f := newFixture(t)
	f.scheduler.interval = 0

	assert.Error(t, f.scheduler.Start(context.Background()))
}

func TestScheduler_ManualFlush(t *testing.T) {
	f := newFixture(t)

	summary, err := f.scheduler.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Calls)

	f.buffer.Add("App", named("m", 1001))

	summary, err = f.scheduler.Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Calls)
	assert.Equal(t, 1001, summary.Delivered)
	assert.Equal(t, 0, f.buffer.Len())
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(_ context.Context, _ buffer.Snapshot) (dispatch.Summary, error) {
	return dispatch.Summary{}, dispatch.ErrInvalidSnapshot
}

type panickingDispatcher struct{}

func (panickingDispatcher) Dispatch(_ context.Context, _ buffer.Snapshot) (dispatch.Summary, error) {
	panic("unexpected")
}

func TestScheduler_DispatchErrorsAreContained(t *testing.T) {
	log := testLog()
	buf := buffer.New(log, nil, nil)

	s := New(log, buf, failingDispatcher{}, nil, interval, nil)
	buf.Add("App", named("a", 1))

	_, err := s.Flush(context.Background())
	assert.ErrorIs(t, err, dispatch.ErrInvalidSnapshot)

	p := New(log, buf, panickingDispatcher{}, nil, interval, nil)
	buf.Add("App", named("a", 1))

	_, err = p.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush cycle panicked")

	// The buffer remains usable.
	buf.Add("App", named("b", 1))
	assert.Equal(t, 1, buf.Len())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
