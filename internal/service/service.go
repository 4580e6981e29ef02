// Package service wires the buffer, scheduler, sink and ingestion API into
// one process lifecycle.
package service

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/ethpandaops/metricsbuffer/internal/api"
	"github.com/ethpandaops/metricsbuffer/internal/buffer"
	"github.com/ethpandaops/metricsbuffer/internal/dispatch"
	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/flush"
	"github.com/ethpandaops/metricsbuffer/internal/sink"
)

// Service is the top-level orchestrator for metricsbuffer.
type Service interface {
	// Start brings up every component and begins accepting records.
	Start(ctx context.Context) error
	// Stop refuses new records, drains the buffer and releases resources.
	Stop(ctx context.Context) error
}

type service struct {
	log       logrus.FieldLogger
	cfg       *Config
	health    *export.HealthMetrics
	buffer    *buffer.Buffer
	sink      sink.Sink
	scheduler *flush.Scheduler
	api       *api.Server
}

// New creates a Service with the sink selected by cfg.
func New(log logrus.FieldLogger, cfg *Config) (Service, error) {
	s, err := sink.New(log, cfg.Sink)
	if err != nil {
		return nil, fmt.Errorf("creating sink: %w", err)
	}

	return newService(log, cfg, s, clock.RealClock{}), nil
}

func newService(
	log logrus.FieldLogger,
	cfg *Config,
	snk sink.Sink,
	clk clock.WithTicker,
) *service {
	health := export.NewHealthMetrics(log, cfg.Health)
	buf := buffer.New(log, clk, health)
	dispatcher := dispatch.New(log, snk, cfg.Flush.CallTimeout, health)

	return &service{
		log:       log.WithField("component", "service"),
		cfg:       cfg,
		health:    health,
		buffer:    buf,
		sink:      snk,
		scheduler: flush.New(log, buf, dispatcher, clk, cfg.Flush.Interval, health),
		api:       api.NewServer(log, cfg.API, buf, health),
	}
}

func (s *service) Start(ctx context.Context) error {
	// 1. Health metrics server.
	if err := s.health.Start(ctx); err != nil {
		return fmt.Errorf("starting health metrics: %w", err)
	}

	// 2. Sink connections.
	if err := s.sink.Start(ctx); err != nil {
		return fmt.Errorf("starting sink %s: %w", s.sink.Name(), err)
	}

	// 3. Periodic flushing.
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting flush scheduler: %w", err)
	}

	// 4. Ingestion.
	if err := s.api.Start(ctx); err != nil {
		return fmt.Errorf("starting api: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"sink":           s.sink.Name(),
		"flush_interval": s.cfg.Flush.Interval,
		"api_addr":       s.api.Addr(),
	}).Info("Metrics buffer running")

	return nil
}

// Stop runs in reverse start order. The API goes first so no record can
// be added after the final snapshot.
func (s *service) Stop(ctx context.Context) error {
	var result *multierror.Error

	if err := s.api.Stop(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	summary, err := s.scheduler.DrainAndStop(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("draining buffer: %w", err))
	}

	if remaining := s.buffer.Len(); remaining > 0 {
		s.log.WithField("records", remaining).Warn("Records left in buffer after drain")
	}

	if err := s.sink.Stop(); err != nil {
		s.log.WithError(err).WithField("sink", s.sink.Name()).
			Error("Error stopping sink")

		result = multierror.Append(result, err)
	}

	if err := s.health.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	s.log.WithFields(logrus.Fields{
		"flushed":  summary.Delivered,
		"failed":   summary.Records - summary.Delivered,
		"requests": summary.Calls,
	}).Info("Metrics buffer stopped")

	return result.ErrorOrNil()
}
