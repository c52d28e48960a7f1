// Package buffer accumulates metrics from producers and flushes them in
// batches, either when the buffer reaches capacity or on a periodic timer.
// Failed batches return to the front of the buffer and are retried before
// newer metrics, which makes delivery at-least-once: a batch whose upload
// timed out after the backend persisted it will be sent again.
package buffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/propertyhub/cloudmetrics/internal/exporter"
	"github.com/propertyhub/cloudmetrics/internal/logging"
	"github.com/propertyhub/cloudmetrics/internal/metric"
)

const (
	// DefaultCapacity is the flush threshold in metrics.
	DefaultCapacity = 50
	// DefaultFlushInterval is the periodic flush interval.
	DefaultFlushInterval = 60 * time.Second
)

var (
	bufferPendingSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cloudmetrics_buffer_pending_metrics",
		Help: "Number of metrics currently buffered",
	})

	bufferFlushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudmetrics_buffer_flush_total",
		Help: "Total number of flush attempts by trigger",
	}, []string{"trigger"})

	bufferRequeueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cloudmetrics_buffer_requeue_total",
		Help: "Total number of batches returned to the buffer after a failed export",
	})
)

func init() {
	prometheus.MustRegister(bufferPendingSize)
	prometheus.MustRegister(bufferFlushTotal)
	prometheus.MustRegister(bufferRequeueTotal)
}

// Exporter defines the interface for sending a batch of metrics.
type Exporter interface {
	Export(ctx context.Context, metrics []metric.Metric) error
}

// StatsCollector defines the interface for collecting pipeline stats.
type StatsCollector interface {
	Process(metrics []metric.Metric)
	RecordExport(datapoints int)
	RecordExportError()
	RecordRequeued(count int)
	SetBufferSize(size int)
}

// Buffer is the shared mutable state between producers and the flush
// scheduler. Producers append with Add; both the size trigger and the timer
// hand off to the same flush path through the scheduler loop.
type Buffer struct {
	mu        sync.Mutex
	pending   []metric.Metric
	lastFlush time.Time

	// flushMu serializes whole flush cycles (snapshot, export, requeue)
	// across the scheduler and manual Flush callers, so a failed batch is
	// always back in front before the next snapshot is taken.
	flushMu sync.Mutex

	capacity      int
	flushInterval time.Duration
	exporter      Exporter
	stats         StatsCollector

	flushChan chan struct{}
	doneChan  chan struct{}
}

// New creates a Buffer. Non-positive capacity or interval select defaults.
func New(capacity int, flushInterval time.Duration, exp Exporter, stats StatsCollector) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Buffer{
		pending:       make([]metric.Metric, 0, capacity),
		lastFlush:     time.Now(),
		capacity:      capacity,
		flushInterval: flushInterval,
		exporter:      exp,
		stats:         stats,
		flushChan:     make(chan struct{}, 1),
		doneChan:      make(chan struct{}),
	}
}

// Add appends a metric. It never blocks on I/O: reaching capacity signals the
// scheduler through a non-blocking channel send instead of flushing inline.
func (b *Buffer) Add(m metric.Metric) {
	b.mu.Lock()
	b.pending = append(b.pending, m)
	size := len(b.pending)
	b.mu.Unlock()

	bufferPendingSize.Set(float64(size))
	if b.stats != nil {
		b.stats.Process([]metric.Metric{m})
		b.stats.SetBufferSize(size)
	}

	if size >= b.capacity {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered metrics.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Start runs the flush scheduler until ctx is cancelled, then performs a
// final drain flush and closes the done channel. Run it in its own goroutine.
func (b *Buffer) Start(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: best effort with a fresh context, the exporter
			// applies its own timeout.
			if err := b.flush(context.Background(), "drain"); err != nil {
				logging.Error("final drain flush failed", logging.F("error", err.Error()))
			}
			close(b.doneChan)
			return
		case <-ticker.C:
			b.mu.Lock()
			due := time.Since(b.lastFlush) >= b.flushInterval
			b.mu.Unlock()
			// Skip the tick when a size-triggered flush just ran.
			if due {
				_ = b.flush(ctx, "interval")
			}
		case <-b.flushChan:
			_ = b.flush(ctx, "size")
		}
	}
}

// Flush drains the buffer synchronously. Exposed for explicit drains; the
// returned error is the export failure, if any (the batch is requeued).
func (b *Buffer) Flush(ctx context.Context) error {
	return b.flush(ctx, "manual")
}

// flush atomically snapshots and clears pending, then hands the batch to the
// exporter outside the lock so metrics added during the network call are
// neither included in the in-flight batch nor lost. On failure the batch is
// prepended back, oldest first.
func (b *Buffer) flush(ctx context.Context, trigger string) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make([]metric.Metric, 0, b.capacity)
	b.lastFlush = time.Now()
	b.mu.Unlock()

	bufferPendingSize.Set(0)
	if b.stats != nil {
		b.stats.SetBufferSize(0)
	}
	bufferFlushTotal.WithLabelValues(trigger).Inc()

	err := b.exporter.Export(ctx, batch)
	if err == nil {
		if b.stats != nil {
			b.stats.RecordExport(metric.CountPoints(batch))
		}
		return nil
	}

	// The batch is owned exclusively here; appending newer pending metrics
	// onto it preserves oldest-first ordering for the retry.
	b.mu.Lock()
	b.pending = append(batch, b.pending...)
	size := len(b.pending)
	b.mu.Unlock()

	bufferPendingSize.Set(float64(size))
	bufferRequeueTotal.Inc()
	if b.stats != nil {
		b.stats.RecordExportError()
		b.stats.RecordRequeued(len(batch))
		b.stats.SetBufferSize(size)
	}

	fields := logging.F(
		"error", err.Error(),
		"trigger", trigger,
		"batch_size", len(batch),
		"buffer_size", size,
	)
	var exportErr *exporter.ExportError
	if errors.As(err, &exportErr) && exportErr.StatusCode != 0 {
		fields["status"] = exportErr.StatusCode
		fields["response"] = exportErr.Message
	}
	logging.Warn("export failed, batch returned to buffer", fields)

	return err
}

// Wait blocks until the scheduler has stopped and the final drain completed.
func (b *Buffer) Wait() {
	<-b.doneChan
}

// Done exposes the scheduler's completion channel for select-based waits.
func (b *Buffer) Done() <-chan struct{} {
	return b.doneChan
}
