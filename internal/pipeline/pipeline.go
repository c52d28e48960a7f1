// Package pipeline wires the credential cache, exporter and buffer into one
// explicitly constructed unit with a defined lifetime: created at process
// start, passed by reference to producers, torn down at shutdown. There are
// no global accessors.
package pipeline

import (
	"context"
	"sync"

	"github.com/propertyhub/cloudmetrics/internal/auth"
	"github.com/propertyhub/cloudmetrics/internal/buffer"
	"github.com/propertyhub/cloudmetrics/internal/compression"
	"github.com/propertyhub/cloudmetrics/internal/config"
	"github.com/propertyhub/cloudmetrics/internal/exporter"
	"github.com/propertyhub/cloudmetrics/internal/metric"
	"github.com/propertyhub/cloudmetrics/internal/stats"
)

// Pipeline is the producer-facing entry point to the export pipeline. When
// constructed from a disabled config every method is a cheap no-op: metrics
// are discarded without buffering and no network calls ever occur.
type Pipeline struct {
	enabled  bool
	tokens   *auth.TokenSource
	exporter *exporter.CloudExporter
	buffer   *buffer.Buffer
	stats    *stats.Collector

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a pipeline from configuration. A disabled config yields a no-op
// pipeline and never touches key material.
func New(cfg *config.Config) (*Pipeline, error) {
	if !cfg.Enabled {
		return &Pipeline{}, nil
	}

	tokens, err := auth.NewTokenSource(auth.Config{
		KeyFile:         cfg.ServiceAccountKeyFile,
		Endpoint:        cfg.TokenEndpoint,
		TokenLifetime:   cfg.TokenLifetime,
		RefreshMargin:   cfg.TokenRefreshMargin,
		ExchangeTimeout: cfg.TokenExchangeTimeout,
	})
	if err != nil {
		return nil, err
	}

	compType, err := compression.ParseType(cfg.Compression)
	if err != nil {
		return nil, err
	}

	exp, err := exporter.New(exporter.Config{
		Endpoint: cfg.WriteEndpoint,
		FolderID: cfg.FolderID,
		Timeout:  cfg.ExportTimeout,
		CommonLabels: map[string]string{
			"service":     cfg.ServiceName,
			"environment": cfg.Environment,
			"version":     cfg.Version,
		},
		Compression: compression.Config{Type: compType, Level: cfg.CompressionLevel},
	}, tokens)
	if err != nil {
		return nil, err
	}

	collector := stats.NewCollector()
	buf := buffer.New(cfg.BufferCapacity, cfg.FlushInterval, exp, collector)

	return &Pipeline{
		enabled:  true,
		tokens:   tokens,
		exporter: exp,
		buffer:   buf,
		stats:    collector,
	}, nil
}

// Enabled reports whether the pipeline exports anything.
func (p *Pipeline) Enabled() bool {
	return p.enabled
}

// Stats returns the pipeline's stats collector, or nil when disabled.
func (p *Pipeline) Stats() *stats.Collector {
	return p.stats
}

// Start launches the flush scheduler. Calling Start on a disabled pipeline
// is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.enabled {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.buffer.Start(ctx)
}

// AddMetric buffers a metric for export.
func (p *Pipeline) AddMetric(m metric.Metric) {
	if !p.enabled {
		return
	}
	p.buffer.Add(m)
}

// SendSingleMetric buffers a one-point metric stamped with the current time.
func (p *Pipeline) SendSingleMetric(name string, value float64, labels map[string]string, kind metric.Kind) {
	if !p.enabled {
		return
	}
	p.buffer.Add(metric.NewSinglePoint(name, value, labels, kind))
}

// SendSingleMetricAt buffers a one-point metric with an explicit timestamp.
func (p *Pipeline) SendSingleMetricAt(name string, value float64, labels map[string]string, kind metric.Kind, ts int64) {
	if !p.enabled {
		return
	}
	p.buffer.Add(metric.NewSinglePointAt(name, value, labels, kind, ts))
}

// FlushNow drains the buffer synchronously. The returned error is the export
// failure, if any; the batch stays buffered for retry.
func (p *Pipeline) FlushNow(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	return p.buffer.Flush(ctx)
}

// Shutdown cancels the scheduler, waits for the final drain flush and
// releases exporter connections. It returns ctx.Err if the drain does not
// finish in time.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-p.buffer.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.exporter.Close()
}
