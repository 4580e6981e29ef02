package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestExporter_ExportItems(t *testing.T) {
	var (
		receivedBody            []byte
		receivedContentType     string
		receivedContentEncoding string
		receivedCustomHeader    string
		receivedUserAgent       string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedContentEncoding = r.Header.Get("Content-Encoding")
		receivedCustomHeader = r.Header.Get("X-Custom-Header")
		receivedUserAgent = r.Header.Get("User-Agent")

		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := Config{
		Address:     server.URL,
		Compression: CompressionGzip,
		Headers: map[string]string{
			"X-Custom-Header": "test-value",
		},
	}

	exporter, err := NewExporter[testEvent](testLog(), cfg)
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	items := []*testEvent{
		{Name: "event1", Value: 1},
		nil,
		{Name: "event2", Value: 2},
	}

	require.NoError(t, exporter.ExportItems(context.Background(), items))

	assert.Equal(t, "application/x-ndjson", receivedContentType)
	assert.Equal(t, "gzip", receivedContentEncoding)
	assert.Equal(t, "test-value", receivedCustomHeader)
	assert.True(t, strings.HasPrefix(receivedUserAgent, "metricsbuffer/"))

	decompressed, err := Decompress(CompressionGzip, receivedBody)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(decompressed)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"name":"event1"`)
	assert.Contains(t, lines[1], `"name":"event2"`)
}

func TestExporter_NoCompression(t *testing.T) {
	var (
		receivedBody            []byte
		receivedContentEncoding string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentEncoding = r.Header.Get("Content-Encoding")

		body, _ := io.ReadAll(r.Body)
		receivedBody = body

		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	exporter, err := NewExporter[testEvent](testLog(), Config{
		Address:     server.URL,
		Compression: CompressionNone,
	})
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testEvent{{Name: "event1", Value: 1}}))

	assert.Empty(t, receivedContentEncoding)
	assert.Equal(t, "{\"name\":\"event1\",\"value\":1}\n", string(receivedBody))
}

func TestExporter_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("backend down\n"))
	}))
	defer server.Close()

	exporter, err := NewExporter[testEvent](testLog(), Config{
		Address:     server.URL,
		Compression: CompressionNone,
	})
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	err = exporter.ExportItems(context.Background(), []*testEvent{{Name: "event1", Value: 1}})
	require.ErrorIs(t, err, ErrStatus)
	assert.Contains(t, err.Error(), "unexpected status code: 500: backend down")
}

func TestExporter_EmptyBatch(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := NewExporter[testEvent](testLog(), Config{Address: server.URL})
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	require.NoError(t, exporter.ExportItems(context.Background(), []*testEvent{}))
	assert.Zero(t, calls.Load())
}

func TestExporter_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := NewExporter[testEvent](testLog(), Config{Address: server.URL})
	require.NoError(t, err)
	defer exporter.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = exporter.ExportItems(ctx, []*testEvent{{Name: "event1"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewExporter_InvalidConfig(t *testing.T) {
	_, err := NewExporter[testEvent](testLog(), Config{})
	assert.Error(t, err)
}
