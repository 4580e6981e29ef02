package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	processor "github.com/ethpandaops/go-batch-processor"
	"github.com/sirupsen/logrus"

	httpexport "github.com/ethpandaops/metricsbuffer/internal/export/http"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
)

// Record is one NDJSON line posted by the HTTP sink.
type Record struct {
	Namespace string `json:"Namespace"`
	metric.Datum
}

// UnmarshalJSON decodes Namespace next to the embedded Datum. Without it
// the promoted Datum.UnmarshalJSON would decode the line and drop
// Namespace.
func (r *Record) UnmarshalJSON(data []byte) error {
	var head struct {
		Namespace string `json:"Namespace"`
	}

	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	if err := r.Datum.UnmarshalJSON(data); err != nil {
		return err
	}

	r.Namespace = head.Namespace

	return nil
}

// putResult collects the first export failure for the records of one Put.
type putResult struct {
	mu  sync.Mutex
	err error
}

func (r *putResult) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
	}
}

func (r *putResult) result() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// delivery is a record queued on the processor by a Put.
type delivery struct {
	record Record
	owner  *putResult
}

// deliveryExporter posts deliveries through the NDJSON exporter and
// reports a failed request to every Put with records in it.
type deliveryExporter struct {
	exporter *httpexport.Exporter[Record]
}

var _ processor.ItemExporter[delivery] = (*deliveryExporter)(nil)

func (e *deliveryExporter) ExportItems(ctx context.Context, items []*delivery) error {
	records := make([]*Record, len(items))
	for i, d := range items {
		records[i] = &d.record
	}

	err := e.exporter.ExportItems(ctx, records)
	if err != nil {
		for _, d := range items {
			d.owner.fail(err)
		}
	}

	return err
}

func (e *deliveryExporter) Shutdown(ctx context.Context) error {
	return e.exporter.Shutdown(ctx)
}

// HTTPSink posts records as NDJSON through a synchronous batch processor.
// Put returns once every record of the chunk has been sent. Concurrent
// chunks may share a request, capped at the configured batch size.
type HTTPSink struct {
	log  logrus.FieldLogger
	proc *processor.BatchItemProcessor[delivery]
}

var _ Sink = (*HTTPSink)(nil)

// NewHTTPSink creates an HTTP sink. Requests flow once Start is called.
func NewHTTPSink(log logrus.FieldLogger, cfg httpexport.Config) (*HTTPSink, error) {
	exporter, err := httpexport.NewExporter[Record](log, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating http exporter: %w", err)
	}

	proc, err := httpexport.NewProcessor[delivery](
		log.WithField("component", "sink_http_processor"),
		cfg,
		"sink_http",
		&deliveryExporter{exporter: exporter},
	)
	if err != nil {
		return nil, err
	}

	return &HTTPSink{
		log:  log.WithField("component", "sink_http"),
		proc: proc,
	}, nil
}

// Name implements Sink.
func (s *HTTPSink) Name() string { return TypeHTTP }

// Start starts the processor workers. They outlive ctx so that shutdown
// never cancels a request already issued.
func (s *HTTPSink) Start(ctx context.Context) error {
	s.proc.Start(context.WithoutCancel(ctx))

	return nil
}

// Put implements Sink.
func (s *HTTPSink) Put(ctx context.Context, namespace string, data []metric.Datum) error {
	owner := &putResult{}

	items := make([]*delivery, len(data))
	for i := range data {
		items[i] = &delivery{
			record: Record{Namespace: namespace, Datum: data[i]},
			owner:  owner,
		}
	}

	if err := s.proc.Write(ctx, items); err != nil {
		return err
	}

	return owner.result()
}

// Stop drains queued records and closes the exporter.
func (s *HTTPSink) Stop() error {
	return s.proc.Shutdown(context.Background())
}
