package sink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// LogSink writes chunks to the logger instead of a backend.
type LogSink struct {
	log logrus.FieldLogger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a log sink.
func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log.WithField("component", "sink_log")}
}

// Name implements Sink.
func (s *LogSink) Name() string { return TypeLog }

// Start implements Sink.
func (s *LogSink) Start(_ context.Context) error { return nil }

// Put implements Sink.
func (s *LogSink) Put(_ context.Context, namespace string, data []metric.Datum) error {
	s.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"records":   len(data),
	}).Info("Received metrics chunk")

	for _, d := range data {
		fields := logrus.Fields{
			"namespace":   namespace,
			"metric_name": d.MetricName,
			"unit":        d.Unit,
			"timestamp":   d.Timestamp,
		}

		if d.Value != nil {
			fields["value"] = *d.Value
		}

		if len(d.Values) > 0 {
			fields["values"] = len(d.Values)
		}

		for _, dim := range d.Dimensions {
			fields["dim_"+dim.Name] = dim.Value
		}

		s.log.WithFields(fields).Debug("Metric record")
	}

	return nil
}

// Stop implements Sink.
func (s *LogSink) Stop() error { return nil }
