// Package api exposes the HTTP ingestion endpoints that feed the buffer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/metricsbuffer/internal/export"
	"github.com/ethpandaops/metricsbuffer/internal/metric"
	"github.com/ethpandaops/metricsbuffer/internal/validate"
)

// Route paths.
const (
	PathMetrics     = "/metrics"
	PathBatch       = "/batch"
	PathHealthcheck = "/healthcheck"
)

// Rejection reasons used as metric labels.
const (
	reasonInvalidJSON = "invalid_json"
	reasonValidation  = "validation"
	reasonTooLarge    = "too_large"
	reasonNotFound    = "not_found"
	reasonInternal    = "internal"
)

// Ingester accepts validated records.
type Ingester interface {
	Add(namespace string, data []metric.Datum)
}

// Server serves the ingestion API.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	ingester Ingester
	health   *export.HealthMetrics
	routes   map[string]map[string]http.HandlerFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server. health may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	ingester Ingester,
	health *export.HealthMetrics,
) *Server {
	cfg.ApplyDefaults()

	s := &Server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		ingester: ingester,
		health:   health,
	}

	s.routes = map[string]map[string]http.HandlerFunc{
		PathHealthcheck: {
			http.MethodOptions: handleOptions,
			http.MethodGet:     handleHealthcheck,
		},
		PathMetrics: {
			http.MethodOptions: handleOptions,
			http.MethodPost:    s.handleMetrics,
		},
		PathBatch: {
			http.MethodOptions: handleOptions,
			http.MethodPost:    s.handleBatch,
		},
	}

	return s
}

// Handler returns the routing handler, including CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	s.listener = ln
	s.server = srv

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("Ingestion API started")

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Ingestion API error")
		}
	}()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop stops accepting requests and waits for active ones until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}

	s.log.Info("Ingestion API stopped")

	return nil
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	handler, ok := s.routes[r.URL.Path][r.Method]
	if !ok {
		s.log.WithFields(logrus.Fields{
			"url":    r.URL.String(),
			"method": r.Method,
		}).Warn("Invalid request URL or method")

		s.reject(w, http.StatusNotFound, reasonNotFound, "Not Found")

		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.log.WithField("panic", rec).Error("Error handling request")
			s.reject(w, http.StatusInternalServerError, reasonInternal, "Internal Server Error")
		}
	}()

	handler(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var in metric.Input
	if err := json.Unmarshal(body, &in); err != nil {
		s.reject(w, http.StatusBadRequest, reasonInvalidJSON, err.Error())

		return
	}

	s.ingest(w, []metric.Input{in})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] != '[' && json.Valid(trimmed) {
		s.reject(w, http.StatusBadRequest, reasonInvalidJSON, "Expected an array of metrics")

		return
	}

	var inputs []metric.Input
	if err := json.Unmarshal(body, &inputs); err != nil {
		s.reject(w, http.StatusBadRequest, reasonInvalidJSON, err.Error())

		return
	}

	s.ingest(w, inputs)
}

// ingest validates every input before buffering any of them.
func (s *Server) ingest(w http.ResponseWriter, inputs []metric.Input) {
	var failures []string

	for i, in := range inputs {
		if v := validate.Input(in); !v.Valid() {
			failures = append(failures, fmt.Sprintf("Metric at index %d: %s", i, v.Error()))
		}
	}

	if len(failures) > 0 {
		s.reject(w, http.StatusBadRequest, reasonValidation,
			"Validation Errors: "+strings.Join(failures, "; "))

		return
	}

	for _, in := range inputs {
		s.ingester.Add(in.Namespace, in.MetricData)
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, reasonTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))

			return nil, false
		}

		s.reject(w, http.StatusBadRequest, reasonInvalidJSON, err.Error())

		return nil, false
	}

	return body, true
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, message string) {
	if s.health != nil {
		s.health.RequestsRejected.WithLabelValues(reason).Inc()
	}

	writeError(w, status, message)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: message})
}

func handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
