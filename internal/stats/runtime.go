package stats

import (
	"context"
	"runtime"
	"time"

	"github.com/propertyhub/cloudmetrics/internal/metric"
)

// Sink accepts produced metrics; satisfied by the pipeline.
type Sink interface {
	AddMetric(m metric.Metric)
}

// RuntimeStats produces Go runtime and process metrics for export.
type RuntimeStats struct {
	startTime time.Time
}

// NewRuntimeStats creates a runtime stats producer.
func NewRuntimeStats() *RuntimeStats {
	return &RuntimeStats{startTime: time.Now()}
}

// Snapshot returns the current runtime metrics, one point each.
func (r *RuntimeStats) Snapshot() []metric.Metric {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ts := time.Now().Unix()
	labels := map[string]string{"metric_type": "runtime"}

	gauge := func(name string, value float64, kind metric.Kind) metric.Metric {
		return metric.NewSinglePointAt(name, value, labels, kind, ts)
	}

	return []metric.Metric{
		gauge("process.uptime_seconds", time.Since(r.startTime).Seconds(), metric.GaugeFloat),
		gauge("process.goroutines", float64(runtime.NumGoroutine()), metric.GaugeInt),
		gauge("process.memory.heap_alloc_bytes", float64(m.HeapAlloc), metric.GaugeInt),
		gauge("process.memory.heap_sys_bytes", float64(m.HeapSys), metric.GaugeInt),
		gauge("process.memory.heap_inuse_bytes", float64(m.HeapInuse), metric.GaugeInt),
		gauge("process.memory.sys_bytes", float64(m.Sys), metric.GaugeInt),
		gauge("process.gc.runs_total", float64(m.NumGC), metric.Counter),
		gauge("process.gc.pause_total_seconds", time.Duration(m.PauseTotalNs).Seconds(), metric.GaugeFloat),
	}
}

// Publish feeds runtime metrics into the sink every interval until ctx is
// cancelled.
func (r *RuntimeStats) Publish(ctx context.Context, interval time.Duration, sink Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range r.Snapshot() {
				sink.AddMetric(m)
			}
		}
	}
}
