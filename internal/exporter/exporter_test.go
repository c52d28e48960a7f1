package exporter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/propertyhub/cloudmetrics/internal/compression"
	"github.com/propertyhub/cloudmetrics/internal/metric"
)

// stubTokens returns a fixed token or error.
type stubTokens struct {
	token string
	err   error
}

func (s *stubTokens) Token(context.Context) (string, error) {
	return s.token, s.err
}

// capture records the last upload request seen by the fake backend.
type capture struct {
	mu       sync.Mutex
	requests int
	auth     string
	query    string
	encoding string
	body     []byte
}

func backend(c *capture, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.requests++
		c.auth = r.Header.Get("Authorization")
		c.query = r.URL.RawQuery
		c.encoding = r.Header.Get("Content-Encoding")
		c.body = body
		c.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "nope", status)
		}
	}
}

func newTestExporter(t *testing.T, endpoint string, cfg Config) *CloudExporter {
	t.Helper()
	cfg.Endpoint = endpoint
	if cfg.FolderID == "" {
		cfg.FolderID = "folder-123"
	}
	exp, err := New(cfg, &stubTokens{token: "test-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return exp
}

func decodePayload(t *testing.T, body []byte) writePayload {
	t.Helper()
	var payload writePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return payload
}

func TestExportSendsAuthorizedRequest(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(backend(c, http.StatusOK))
	defer srv.Close()

	exp := newTestExporter(t, srv.URL, Config{})
	defer exp.Close()

	metrics := []metric.Metric{
		metric.NewSinglePointAt("app.requests_total", 5, map[string]string{"method": "GET"}, metric.Counter, 100),
	}
	if err := exp.Export(context.Background(), metrics); err != nil {
		t.Fatalf("Export: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth != "Bearer test-token" {
		t.Errorf("Authorization = %q", c.auth)
	}
	if c.query != "folderId=folder-123" {
		t.Errorf("query = %q, expected folderId=folder-123", c.query)
	}

	payload := decodePayload(t, c.body)
	if len(payload.Metrics) != 1 {
		t.Fatalf("expected 1 metric in payload, got %d", len(payload.Metrics))
	}
	if payload.Metrics[0].Name != "app.requests_total" {
		t.Errorf("name = %s", payload.Metrics[0].Name)
	}
}

func TestExportEmptyBatchMakesNoCall(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(backend(c, http.StatusOK))
	defer srv.Close()

	exp := newTestExporter(t, srv.URL, Config{})
	defer exp.Close()

	if err := exp.Export(context.Background(), nil); err != nil {
		t.Fatalf("Export: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests != 0 {
		t.Errorf("expected 0 requests, got %d", c.requests)
	}
}

func TestExportMergesCommonLabels(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(backend(c, http.StatusOK))
	defer srv.Close()

	exp := newTestExporter(t, srv.URL, Config{
		CommonLabels: map[string]string{"service": "property-management", "environment": "staging"},
	})
	defer exp.Close()

	in := []metric.Metric{
		metric.NewSinglePointAt("m", 1, map[string]string{"environment": "override", "extra": "x"}, metric.Counter, 100),
	}
	if err := exp.Export(context.Background(), in); err != nil {
		t.Fatalf("Export: %v", err)
	}

	c.mu.Lock()
	payload := decodePayload(t, c.body)
	c.mu.Unlock()

	labels := payload.Metrics[0].Labels
	if labels["service"] != "property-management" {
		t.Errorf("service label = %q", labels["service"])
	}
	if labels["environment"] != "override" {
		t.Errorf("metric label must win on collision, got %q", labels["environment"])
	}
	if labels["extra"] != "x" {
		t.Errorf("extra label = %q", labels["extra"])
	}

	// The caller's slice must stay untouched for requeueing.
	if len(in[0].Labels) != 2 {
		t.Errorf("input metric mutated: %v", in[0].Labels)
	}
}

func TestExportClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusUnauthorized, ErrorTypeAuth},
		{http.StatusForbidden, ErrorTypeAuth},
		{http.StatusTooManyRequests, ErrorTypeRateLimit},
		{http.StatusBadRequest, ErrorTypeClientError},
		{http.StatusServiceUnavailable, ErrorTypeServerError},
	}
	for _, tt := range tests {
		c := &capture{}
		srv := httptest.NewServer(backend(c, tt.status))

		exp := newTestExporter(t, srv.URL, Config{})
		err := exp.Export(context.Background(), []metric.Metric{metric.NewSinglePointAt("m", 1, nil, metric.Counter, 1)})

		var exportErr *ExportError
		if !errors.As(err, &exportErr) {
			t.Fatalf("status %d: expected *ExportError, got %v", tt.status, err)
		}
		if exportErr.Type != tt.want {
			t.Errorf("status %d: type = %s, expected %s", tt.status, exportErr.Type, tt.want)
		}
		if exportErr.StatusCode != tt.status {
			t.Errorf("status %d: StatusCode = %d", tt.status, exportErr.StatusCode)
		}
		if exportErr.Message == "" {
			t.Errorf("status %d: expected response body in Message", tt.status)
		}

		exp.Close()
		srv.Close()
	}
}

func TestExportTokenFailureIsAuthError(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(backend(c, http.StatusOK))
	defer srv.Close()

	exp, err := New(Config{Endpoint: srv.URL, FolderID: "f"}, &stubTokens{err: errors.New("no key")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exp.Close()

	err = exp.Export(context.Background(), []metric.Metric{metric.NewSinglePointAt("m", 1, nil, metric.Counter, 1)})
	var exportErr *ExportError
	if !errors.As(err, &exportErr) {
		t.Fatalf("expected *ExportError, got %v", err)
	}
	if !exportErr.IsAuth() {
		t.Errorf("type = %s, expected auth", exportErr.Type)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests != 0 {
		t.Errorf("no upload must happen without a token, got %d requests", c.requests)
	}
}

func TestExportGzipCompression(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(backend(c, http.StatusOK))
	defer srv.Close()

	exp := newTestExporter(t, srv.URL, Config{
		Compression: compression.Config{Type: compression.TypeGzip},
	})
	defer exp.Close()

	if err := exp.Export(context.Background(), []metric.Metric{metric.NewSinglePointAt("m", 1, nil, metric.Counter, 1)}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	c.mu.Lock()
	encoding, body := c.encoding, c.body
	c.mu.Unlock()

	if encoding != "gzip" {
		t.Fatalf("Content-Encoding = %q, expected gzip", encoding)
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	payload := decodePayload(t, raw)
	if len(payload.Metrics) != 1 {
		t.Errorf("expected 1 metric after decompression, got %d", len(payload.Metrics))
	}
}

func TestExportUnreachableBackend(t *testing.T) {
	exp := newTestExporter(t, "http://127.0.0.1:1", Config{Timeout: time.Second})
	defer exp.Close()

	err := exp.Export(context.Background(), []metric.Metric{metric.NewSinglePointAt("m", 1, nil, metric.Counter, 1)})
	var exportErr *ExportError
	if !errors.As(err, &exportErr) {
		t.Fatalf("expected *ExportError, got %v", err)
	}
	if exportErr.Type != ErrorTypeNetwork && exportErr.Type != ErrorTypeTimeout {
		t.Errorf("type = %s, expected network or timeout", exportErr.Type)
	}
}

func TestNewRequiresFolderID(t *testing.T) {
	if _, err := New(Config{}, &stubTokens{}); err == nil {
		t.Fatal("expected error for missing folder id")
	}
}
