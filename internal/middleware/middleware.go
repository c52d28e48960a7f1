// Package middleware instruments HTTP handlers with request metrics fed into
// the export pipeline.
package middleware

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/propertyhub/cloudmetrics/internal/metric"
)

// Sink accepts produced metrics; satisfied by the pipeline.
type Sink interface {
	AddMetric(m metric.Metric)
}

var (
	uuidSegment    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numericSegment = regexp.MustCompile(`/\d+`)
)

// Handler wraps next, recording a request counter, a duration gauge and a
// response size gauge per request. Recording only appends to the pipeline's
// buffer and never blocks on export.
func Handler(service string, sink Sink, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		ts := time.Now().Unix()
		labels := map[string]string{
			"method":       r.Method,
			"endpoint":     normalizePath(r.URL.Path),
			"status_code":  strconv.Itoa(rec.status),
			"status_class": statusClass(rec.status),
		}

		sink.AddMetric(metric.NewSinglePointAt(service+".http.requests_total", 1, labels, metric.Counter, ts))
		sink.AddMetric(metric.NewSinglePointAt(service+".http.request_duration_seconds", elapsed.Seconds(), labels, metric.GaugeFloat, ts))
		sink.AddMetric(metric.NewSinglePointAt(service+".http.response_size_bytes", float64(rec.bytes), labels, metric.GaugeFloat, ts))
	})
}

// statusRecorder captures the response status and body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// normalizePath replaces UUID and numeric path segments with a placeholder
// so endpoints group into low-cardinality label values.
func normalizePath(path string) string {
	path = uuidSegment.ReplaceAllString(path, "/{id}")
	path = numericSegment.ReplaceAllString(path, "/{id}")
	return path
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
