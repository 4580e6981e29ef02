// Package flush drives periodic and shutdown flush cycles of the buffer.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ethpandaops/metricsbuffer/internal/buffer"
	"github.com/ethpandaops/metricsbuffer/internal/dispatch"
	"github.com/ethpandaops/metricsbuffer/internal/export"
)

// State is the lifecycle state of a Scheduler.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Flush cycle triggers, used as metric labels.
const (
	triggerTick     = "tick"
	triggerManual   = "manual"
	triggerShutdown = "shutdown"
)

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrDraining is returned while a shutdown drain is in progress.
	ErrDraining = errors.New("scheduler is draining")
)

// Source yields the pending records for one flush cycle.
type Source interface {
	SnapshotAndClear() buffer.Snapshot
}

// Dispatcher delivers a snapshot downstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, snap buffer.Snapshot) (dispatch.Summary, error)
}

// Scheduler owns the flush lifecycle of a buffer.
type Scheduler struct {
	log        logrus.FieldLogger
	source     Source
	dispatcher Dispatcher
	clock      clock.WithTicker
	interval   time.Duration
	health     *export.HealthMetrics

	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	loopDone chan struct{}

	// inflight tracks dispatches that have not settled yet.
	inflight sync.WaitGroup
}

// New creates a stopped Scheduler. health may be nil.
func New(
	log logrus.FieldLogger,
	source Source,
	dispatcher Dispatcher,
	clk clock.WithTicker,
	interval time.Duration,
	health *export.HealthMetrics,
) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Scheduler{
		log:        log.WithField("component", "flush"),
		source:     source,
		dispatcher: dispatcher,
		clock:      clk,
		interval:   interval,
		health:     health,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Start begins periodic flushing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid flush interval %s", s.interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateDraining:
		return ErrDraining
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.loopDone = make(chan struct{})
	s.state = StateRunning

	ticker := s.clock.NewTicker(s.interval)

	go s.runLoop(ctx, ticker, s.loopDone)

	s.log.WithField("interval", s.interval).Info("Flush scheduler started")

	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick()
		}
	}
}

// tick snapshots the buffer and dispatches in the background so the
// next tick is not held up by slow sink calls.
func (s *Scheduler) tick() {
	snap := s.source.SnapshotAndClear()
	if snap.Empty() {
		s.log.Debug("Nothing to flush")

		return
	}

	s.inflight.Add(1)

	go func() {
		defer s.inflight.Done()

		_, _ = s.dispatch(context.Background(), triggerTick, snap)
	}()
}

// Flush runs one synchronous flush cycle.
func (s *Scheduler) Flush(ctx context.Context) (dispatch.Summary, error) {
	snap := s.source.SnapshotAndClear()
	if snap.Empty() {
		return dispatch.Summary{}, nil
	}

	return s.dispatch(ctx, triggerManual, snap)
}

// DrainAndStop stops periodic ticks, flushes whatever is still buffered
// and waits until every outstanding sink call has settled. If ctx ends
// first the wait is abandoned but issued calls keep running.
func (s *Scheduler) DrainAndStop(ctx context.Context) (dispatch.Summary, error) {
	s.mu.Lock()

	if s.state == StateDraining {
		s.mu.Unlock()

		return dispatch.Summary{}, ErrDraining
	}

	if s.cancel != nil {
		s.cancel()
	}

	loopDone := s.loopDone
	s.state = StateDraining

	s.mu.Unlock()

	if loopDone != nil {
		<-loopDone
	}

	defer s.setState(StateStopped)

	type result struct {
		summary dispatch.Summary
		err     error
	}

	final := make(chan result, 1)

	if snap := s.source.SnapshotAndClear(); !snap.Empty() {
		s.inflight.Add(1)

		go func() {
			defer s.inflight.Done()

			summary, err := s.dispatch(context.WithoutCancel(ctx), triggerShutdown, snap)
			final <- result{summary: summary, err: err}
		}()
	} else {
		final <- result{}
	}

	settled := make(chan struct{})

	go func() {
		s.inflight.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-ctx.Done():
		return dispatch.Summary{}, fmt.Errorf("waiting for in-flight flushes: %w", ctx.Err())
	}

	r := <-final

	s.log.WithFields(logrus.Fields{
		"records":   r.summary.Records,
		"delivered": r.summary.Delivered,
	}).Info("Flush scheduler drained")

	return r.summary, r.err
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.cancel = nil
	s.loopDone = nil
	s.mu.Unlock()
}

func (s *Scheduler) dispatch(
	ctx context.Context,
	trigger string,
	snap buffer.Snapshot,
) (summary dispatch.Summary, err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush cycle panicked: %v", r)
		}

		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"trigger": trigger,
				"records": snap.Total,
			}).Error("Flush cycle aborted")
		}

		if s.health != nil {
			s.health.FlushCycles.WithLabelValues(trigger).Inc()
			s.health.FlushDuration.Observe(time.Since(start).Seconds())
		}
	}()

	return s.dispatcher.Dispatch(ctx, snap)
}
