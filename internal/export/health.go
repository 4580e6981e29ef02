package export

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const metricsNamespace = "metricsbuffer"

// HealthConfig configures the Prometheus health metrics server.
type HealthConfig struct {
	// Addr is the listen address for the health metrics server.
	// Defaults to ":9090".
	Addr string `yaml:"addr"`
}

// HealthMetrics exposes Prometheus metrics for the buffering engine.
type HealthMetrics struct {
	log      logrus.FieldLogger
	addr     string
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Ingestion.
	RecordsReceived  prometheus.Counter
	RequestsRejected *prometheus.CounterVec // reason
	BufferedRecords  prometheus.Gauge

	// Flush scheduling.
	FlushCycles   *prometheus.CounterVec // trigger (tick/shutdown/manual)
	FlushDuration prometheus.Histogram

	// Dispatch.
	SinkCalls        *prometheus.CounterVec   // sink, status
	SinkCallDuration *prometheus.HistogramVec // sink
	ChunkSize        prometheus.Histogram
	RecordsDelivered prometheus.Counter
	RecordsFailed    prometheus.Counter

	running atomic.Bool
}

// NewHealthMetrics creates a new health metrics server.
func NewHealthMetrics(
	log logrus.FieldLogger,
	cfg HealthConfig,
) *HealthMetrics {
	reg := prometheus.NewRegistry()

	h := &HealthMetrics{
		log:      log.WithField("component", "health"),
		addr:     cfg.Addr,
		registry: reg,

		RecordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_received_total",
			Help:      "Total measurement records accepted into the buffer.",
		}),
		RequestsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_rejected_total",
				Help:      "Total ingestion requests rejected by reason.",
			},
			[]string{"reason"},
		),
		BufferedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "buffered_records",
			Help:      "Number of records waiting for the next flush cycle.",
		}),
		FlushCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "flush_cycles_total",
				Help:      "Total flush cycles by trigger.",
			},
			[]string{"trigger"},
		),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Time for a flush cycle's dispatch to settle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}, // 10ms-30s
		}),
		SinkCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sink_calls_total",
				Help:      "Total chunk calls to the sink by status.",
			},
			[]string{"sink", "status"},
		),
		SinkCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sink_call_duration_seconds",
				Help:      "Duration of a single chunk call to the sink.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30}, // 5ms-30s
			},
			[]string{"sink"},
		),
		ChunkSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_size_records",
			Help:      "Number of records per chunk call.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		RecordsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_delivered_total",
			Help:      "Total records in chunks the sink accepted.",
		}),
		RecordsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "records_failed_total",
			Help:      "Total records in chunks the sink rejected. These are not retried.",
		}),
	}

	reg.MustRegister(
		h.RecordsReceived,
		h.RequestsRejected,
		h.BufferedRecords,
		h.FlushCycles,
		h.FlushDuration,
		h.SinkCalls,
		h.SinkCallDuration,
		h.ChunkSize,
		h.RecordsDelivered,
		h.RecordsFailed,
	)

	return h
}

// Registry returns the metrics registry.
func (h *HealthMetrics) Registry() *prometheus.Registry {
	return h.registry
}

// Start begins serving the /metrics endpoint.
func (h *HealthMetrics) Start(_ context.Context) error {
	if h.addr == "" {
		h.addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		h.registry,
		promhttp.HandlerOpts{},
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}

	h.listener = ln
	h.server = &http.Server{Handler: mux}

	h.running.Store(true)

	go func() {
		h.log.WithField("addr", ln.Addr().String()).
			Info("Health metrics server started")

		if err := h.server.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			h.log.WithError(err).
				Error("Health metrics server error")
		}

		h.running.Store(false)
	}()

	return nil
}

// Addr returns the actual listener address. Useful when started
// with ":0" to get the OS-assigned port.
func (h *HealthMetrics) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}

	return h.addr
}

// Stop shuts down the health metrics server.
func (h *HealthMetrics) Stop() error {
	if h.server == nil {
		return nil
	}

	return h.server.Close()
}
