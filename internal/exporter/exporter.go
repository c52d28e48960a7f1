// Package exporter uploads metric batches to the Cloud Monitoring write API.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/http2"

	"github.com/propertyhub/cloudmetrics/internal/compression"
	"github.com/propertyhub/cloudmetrics/internal/metric"
)

const (
	// DefaultEndpoint is the Cloud Monitoring write endpoint.
	DefaultEndpoint = "https://monitoring.api.cloud.yandex.net/monitoring/v2/data/write"
	// DefaultTimeout is the default upload timeout.
	DefaultTimeout = 30 * time.Second

	maxLoggedBody = 512
)

var (
	exportRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudmetrics_export_requests_total",
		Help: "Total number of metric upload requests",
	})

	exportErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudmetrics_export_errors_total",
		Help: "Total number of metric upload errors by error type",
	}, []string{"error_type"})

	exportDatapointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudmetrics_export_datapoints_total",
		Help: "Total number of datapoints uploaded",
	})

	exportBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudmetrics_export_bytes_total",
		Help: "Total bytes uploaded by compression codec",
	}, []string{"compression"})
)

func init() {
	prometheus.MustRegister(exportRequestsTotal)
	prometheus.MustRegister(exportErrorsTotal)
	prometheus.MustRegister(exportDatapointsTotal)
	prometheus.MustRegister(exportBytesTotal)
}

// TokenProvider supplies the bearer token for upload requests.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Config holds exporter configuration.
type Config struct {
	// Endpoint is the write API URL (default: DefaultEndpoint).
	Endpoint string
	// FolderID identifies the target collection scope, sent as a query parameter.
	FolderID string
	// Timeout bounds each upload request (default: 30s).
	Timeout time.Duration
	// CommonLabels are merged into every metric's label set; metric-specific
	// labels win on key collision.
	CommonLabels map[string]string
	// Compression configures request body compression.
	Compression compression.Config

	// HTTP connection pool settings. Zero values select defaults.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// CloudExporter uploads batches of metrics over HTTPS.
type CloudExporter struct {
	endpoint     string
	timeout      time.Duration
	commonLabels map[string]string
	compression  compression.Config
	tokens       TokenProvider
	client       *http.Client
}

// New creates a CloudExporter.
func New(cfg Config, tokens TokenProvider) (*CloudExporter, error) {
	if cfg.FolderID == "" {
		return nil, fmt.Errorf("exporter: folder id is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("exporter: invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	q := base.Query()
	q.Set("folderId", cfg.FolderID)
	base.RawQuery = q.Encode()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 100
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 100
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	// Best effort: plain HTTP endpoints (tests) stay on HTTP/1.1.
	_, _ = http2.ConfigureTransports(transport)

	return &CloudExporter{
		endpoint:     base.String(),
		timeout:      cfg.Timeout,
		commonLabels: cfg.CommonLabels,
		compression:  cfg.Compression,
		tokens:       tokens,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}, nil
}

// writePayload is the upload request body.
type writePayload struct {
	Metrics []metric.Metric `json:"metrics"`
}

// Export uploads a batch in one network call. An empty batch short-circuits
// with no network call. Any transport failure, auth failure or non-2xx
// response is returned as an *ExportError; callers decide retry policy.
func (e *CloudExporter) Export(ctx context.Context, metrics []metric.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	token, err := e.tokens.Token(ctx)
	if err != nil {
		recordError(ErrorTypeAuth)
		return &ExportError{Err: err, Type: ErrorTypeAuth}
	}

	body, err := json.Marshal(writePayload{Metrics: e.mergeLabels(metrics)})
	if err != nil {
		recordError(ErrorTypeUnknown)
		return &ExportError{Err: fmt.Errorf("marshal payload: %w", err), Type: ErrorTypeUnknown}
	}

	codec := "none"
	if e.compression.Type != compression.TypeNone && e.compression.Type != "" {
		body, err = compression.Compress(body, e.compression)
		if err != nil {
			recordError(ErrorTypeUnknown)
			return &ExportError{Err: fmt.Errorf("compress payload: %w", err), Type: ErrorTypeUnknown}
		}
		codec = string(e.compression.Type)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		recordError(ErrorTypeUnknown)
		return &ExportError{Err: fmt.Errorf("build request: %w", err), Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if encoding := e.compression.Type.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	exportRequestsTotal.Inc()

	resp, err := e.client.Do(req)
	if err != nil {
		errType := classifyError(err)
		recordError(errType)
		return &ExportError{Err: err, Type: errType}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		errType := classifyStatusCode(resp.StatusCode)
		recordError(errType)
		return &ExportError{Type: errType, StatusCode: resp.StatusCode, Message: string(msg)}
	}

	// Drain to allow connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)

	exportBytesTotal.WithLabelValues(codec).Add(float64(len(body)))
	exportDatapointsTotal.Add(float64(metric.CountPoints(metrics)))

	return nil
}

// mergeLabels returns copies of the metrics with common labels merged in.
// The input metrics are not mutated; they may be requeued by the caller.
func (e *CloudExporter) mergeLabels(metrics []metric.Metric) []metric.Metric {
	if len(e.commonLabels) == 0 {
		return metrics
	}
	merged := make([]metric.Metric, len(metrics))
	for i, m := range metrics {
		labels := make(map[string]string, len(e.commonLabels)+len(m.Labels))
		for k, v := range e.commonLabels {
			labels[k] = v
		}
		for k, v := range m.Labels {
			labels[k] = v
		}
		m.Labels = labels
		merged[i] = m
	}
	return merged
}

// Close releases idle connections.
func (e *CloudExporter) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

func recordError(errType ErrorType) {
	exportErrorsTotal.WithLabelValues(string(errType)).Inc()
}
