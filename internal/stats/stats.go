// Package stats tracks pipeline throughput, failures and series cardinality.
// Export failures have no circuit breaker; operators observe sustained
// failure through the counters and periodic log lines emitted here.
package stats

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"

	"github.com/propertyhub/cloudmetrics/internal/logging"
	"github.com/propertyhub/cloudmetrics/internal/metric"
)

// Collector aggregates counters for the pipeline. All methods are safe for
// concurrent use.
type Collector struct {
	mu sync.Mutex

	perMetric map[string]uint64
	series    *hyperloglog.Sketch

	received     uint64
	sent         uint64
	batchesSent  uint64
	exportErrors uint64
	requeued     uint64
	bufferSize   int
}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{
		perMetric: make(map[string]uint64),
		series:    hyperloglog.New14(),
	}
}

// Process records metrics entering the buffer.
func (c *Collector) Process(metrics []metric.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range metrics {
		points := uint64(len(m.Points))
		c.received += points
		c.perMetric[m.Name] += points
		c.series.Insert([]byte(seriesKey(m)))
	}
}

// RecordExport records a successful batch export of the given datapoint count.
func (c *Collector) RecordExport(datapoints int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent += uint64(datapoints)
	c.batchesSent++
}

// RecordExportError records a failed export attempt.
func (c *Collector) RecordExportError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exportErrors++
}

// RecordRequeued records metrics returned to the buffer after a failure.
func (c *Collector) RecordRequeued(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requeued += uint64(count)
}

// SetBufferSize records the current buffer occupancy.
func (c *Collector) SetBufferSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufferSize = size
}

// Snapshot is a point-in-time copy of the collector state.
type Snapshot struct {
	Received     uint64
	Sent         uint64
	BatchesSent  uint64
	ExportErrors uint64
	Requeued     uint64
	BufferSize   int
	UniqueSeries uint64
	MetricNames  int
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked builds a Snapshot; c.mu must be held.
func (c *Collector) snapshotLocked() Snapshot {
	return Snapshot{
		Received:     c.received,
		Sent:         c.sent,
		BatchesSent:  c.batchesSent,
		ExportErrors: c.exportErrors,
		Requeued:     c.requeued,
		BufferSize:   c.bufferSize,
		UniqueSeries: c.series.Estimate(),
		MetricNames:  len(c.perMetric),
	}
}

// ServeHTTP writes collector state in Prometheus text exposition format.
// The totals and the per-metric breakdown come from one critical section,
// so they always agree.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	c.mu.Lock()
	snap := c.snapshotLocked()
	names := make([]string, 0, len(c.perMetric))
	for name := range c.perMetric {
		names = append(names, name)
	}
	sort.Strings(names)
	counts := make(map[string]uint64, len(names))
	for _, name := range names {
		counts[name] = c.perMetric[name]
	}
	c.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_datapoints_received_total Datapoints accepted from producers\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_datapoints_received_total counter\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_datapoints_received_total %d\n", snap.Received)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_datapoints_sent_total Datapoints successfully uploaded\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_datapoints_sent_total counter\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_datapoints_sent_total %d\n", snap.Sent)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_batches_sent_total Batches successfully uploaded\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_batches_sent_total counter\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_batches_sent_total %d\n", snap.BatchesSent)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_export_errors_total Failed export attempts\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_export_errors_total counter\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_export_errors_total %d\n", snap.ExportErrors)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_requeued_total Metrics returned to the buffer after failures\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_requeued_total counter\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_requeued_total %d\n", snap.Requeued)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_buffer_size Current buffered metric count\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_buffer_size gauge\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_buffer_size %d\n", snap.BufferSize)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_unique_series Estimated unique series observed\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_unique_series gauge\n")
	fmt.Fprintf(w, "cloudmetrics_pipeline_unique_series %d\n", snap.UniqueSeries)

	fmt.Fprintf(w, "# HELP cloudmetrics_pipeline_metric_datapoints_total Datapoints per metric name\n")
	fmt.Fprintf(w, "# TYPE cloudmetrics_pipeline_metric_datapoints_total counter\n")
	for _, name := range names {
		fmt.Fprintf(w, "cloudmetrics_pipeline_metric_datapoints_total{metric_name=%q} %d\n", name, counts[name])
	}
}

// StartPeriodicLogging logs a summary line every interval until ctx is
// cancelled.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := c.Snapshot()
			logging.Info("pipeline stats", logging.F(
				"received", snap.Received,
				"sent", snap.Sent,
				"batches", snap.BatchesSent,
				"export_errors", snap.ExportErrors,
				"requeued", snap.Requeued,
				"buffer_size", snap.BufferSize,
				"unique_series", snap.UniqueSeries,
			))
		}
	}
}

// seriesKey identifies a series: name plus sorted label pairs.
func seriesKey(m metric.Metric) string {
	if len(m.Labels) == 0 {
		return m.Name
	}
	keys := make([]string, 0, len(m.Labels))
	for k := range m.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(m.Name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(m.Labels[k])
	}
	return sb.String()
}
