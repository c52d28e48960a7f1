package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propertyhub/cloudmetrics/internal/config"
	"github.com/propertyhub/cloudmetrics/internal/health"
	"github.com/propertyhub/cloudmetrics/internal/logging"
	"github.com/propertyhub/cloudmetrics/internal/pipeline"
	"github.com/propertyhub/cloudmetrics/internal/stats"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	logging.SetService(cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if limit, err := memlimit.SetGoMemLimitWithOpts(); err == nil {
		logging.Info("GOMEMLIMIT set from container limits", logging.F("limit_bytes", limit))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := pipeline.New(cfg)
	if err != nil {
		logging.Fatal("failed to create pipeline", logging.F("error", err.Error()))
	}
	p.Start(ctx)

	if !p.Enabled() {
		logging.Warn("export pipeline disabled, metrics will be discarded")
	}

	// Publish process runtime metrics through the pipeline.
	if p.Enabled() && cfg.RuntimeMetricsInterval > 0 {
		runtimeStats := stats.NewRuntimeStats()
		go runtimeStats.Publish(ctx, cfg.RuntimeMetricsInterval, p)
	}

	if p.Stats() != nil && cfg.StatsLogInterval > 0 {
		go p.Stats().StartPeriodicLogging(ctx, cfg.StatsLogInterval)
	}

	// An unbounded buffer means exports have been failing for a while.
	checker := health.New()
	if p.Enabled() {
		checker.Register("export_backlog", func() error {
			if size := p.Stats().Snapshot().BufferSize; size > cfg.BufferCapacity*10 {
				return fmt.Errorf("%d metrics buffered, exports failing", size)
			}
			return nil
		})
	}

	// Self-observability endpoints.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if p.Stats() != nil {
		mux.Handle("/stats", p.Stats())
	}
	mux.Handle("/healthz", checker.LiveHandler())
	mux.Handle("/ready", checker.ReadyHandler())

	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           mux,
		ReadHeaderTimeout: time.Minute,
	}
	go func() {
		logging.Info("stats endpoint started", logging.F("addr", cfg.StatsAddr))
		if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("stats server error", logging.F("error", err.Error()))
		}
	}()

	logging.Info("cloudmetrics-agent started", logging.F(
		"enabled", p.Enabled(),
		"folder_id", cfg.FolderID,
		"buffer_capacity", cfg.BufferCapacity,
		"flush_interval", cfg.FlushInterval.String(),
		"stats_addr", cfg.StatsAddr,
	))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Info("shutting down")
	checker.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ExportTimeout+5*time.Second)
	defer shutdownCancel()

	_ = statsServer.Shutdown(shutdownCtx)
	if err := p.Shutdown(shutdownCtx); err != nil {
		logging.Error("pipeline shutdown incomplete", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}
