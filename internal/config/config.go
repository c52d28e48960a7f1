// Package config holds the pipeline configuration, assembled from defaults,
// environment variables, an optional YAML file and command line flags, in
// that order of precedence (later wins).
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// version is set at build time via ldflags.
var version = "dev"

// Config holds the application configuration.
type Config struct {
	// Enabled turns the pipeline on. When false the pipeline is a no-op:
	// metrics are accepted and silently discarded, no network calls occur.
	Enabled bool

	// ServiceAccountKeyFile is the path to the service account key JSON.
	ServiceAccountKeyFile string
	// FolderID identifies the target collection scope.
	FolderID string
	// TokenEndpoint is the IAM token exchange URL (empty = production default).
	TokenEndpoint string
	// WriteEndpoint is the metric write URL (empty = production default).
	WriteEndpoint string

	// Process-wide labels merged into every exported metric.
	ServiceName string
	Environment string
	Version     string

	// Buffer settings
	BufferCapacity int
	FlushInterval  time.Duration

	// Exporter settings
	ExportTimeout    time.Duration
	Compression      string
	CompressionLevel int

	// Token cache settings
	TokenLifetime        time.Duration
	TokenRefreshMargin   time.Duration
	TokenExchangeTimeout time.Duration

	// Agent settings
	StatsAddr              string
	RuntimeMetricsInterval time.Duration
	StatsLogInterval       time.Duration

	// Flags
	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                false,
		ServiceName:            "property-management",
		Environment:            "development",
		Version:                "1.0.0",
		BufferCapacity:         50,
		FlushInterval:          60 * time.Second,
		ExportTimeout:          30 * time.Second,
		Compression:            "none",
		TokenLifetime:          time.Hour,
		TokenRefreshMargin:     5 * time.Minute,
		TokenExchangeTimeout:   10 * time.Second,
		StatsAddr:              ":9090",
		RuntimeMetricsInterval: 30 * time.Second,
		StatsLogInterval:       30 * time.Second,
	}
}

// ParseFlags parses command line flags, layering env and an optional YAML
// file underneath, and returns the configuration.
func ParseFlags() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)

	var configFile string
	flag.StringVar(&configFile, "config", "", "Path to YAML configuration file")

	flag.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "Enable the export pipeline")
	flag.StringVar(&cfg.ServiceAccountKeyFile, "service-account-key", cfg.ServiceAccountKeyFile, "Path to service account key JSON file")
	flag.StringVar(&cfg.FolderID, "folder-id", cfg.FolderID, "Target folder id for metric uploads")
	flag.StringVar(&cfg.TokenEndpoint, "token-endpoint", cfg.TokenEndpoint, "IAM token exchange endpoint (empty = production)")
	flag.StringVar(&cfg.WriteEndpoint, "write-endpoint", cfg.WriteEndpoint, "Metric write endpoint (empty = production)")

	flag.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "Service label merged into every metric")
	flag.StringVar(&cfg.Environment, "environment", cfg.Environment, "Environment label merged into every metric")
	flag.StringVar(&cfg.Version, "service-version", cfg.Version, "Version label merged into every metric")

	flag.IntVar(&cfg.BufferCapacity, "buffer-capacity", cfg.BufferCapacity, "Flush threshold in metrics")
	flag.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Periodic flush interval")

	flag.DurationVar(&cfg.ExportTimeout, "export-timeout", cfg.ExportTimeout, "Metric upload request timeout")
	flag.StringVar(&cfg.Compression, "compression", cfg.Compression, "Upload compression: none, gzip or zstd")
	flag.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "Compression level (0 = algorithm default)")

	flag.DurationVar(&cfg.TokenLifetime, "token-lifetime", cfg.TokenLifetime, "Cached token validity")
	flag.DurationVar(&cfg.TokenRefreshMargin, "token-refresh-margin", cfg.TokenRefreshMargin, "Pre-expiry token refresh window")
	flag.DurationVar(&cfg.TokenExchangeTimeout, "token-exchange-timeout", cfg.TokenExchangeTimeout, "Token exchange request timeout")

	flag.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Self-observability HTTP endpoint address")
	flag.DurationVar(&cfg.RuntimeMetricsInterval, "runtime-metrics-interval", cfg.RuntimeMetricsInterval, "Interval for publishing process runtime metrics (0 = disabled)")
	flag.DurationVar(&cfg.StatsLogInterval, "stats-log-interval", cfg.StatsLogInterval, "Interval for periodic stats log lines (0 = disabled)")

	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help message")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version")

	flag.Usage = PrintUsage
	flag.Parse()

	if configFile != "" {
		yamlCfg, err := LoadYAML(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file %s: %v\n", configFile, err)
			os.Exit(1)
		}
		yamlCfg.apply(cfg)
		// Explicitly set flags win over the file.
		applyFlagOverrides(cfg)
	}

	return cfg
}

// applyEnv layers the original deployment's environment variables over the
// defaults.
func applyEnv(cfg *Config) {
	if v := os.Getenv("YC_MONITORING_ENABLED"); v != "" {
		cfg.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("YC_SERVICE_ACCOUNT_KEY_PATH"); v != "" {
		cfg.ServiceAccountKeyFile = v
	}
	if v := os.Getenv("YC_FOLDER_ID"); v != "" {
		cfg.FolderID = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		cfg.Version = v
	}
}

// applyFlagOverrides re-applies flags that were explicitly set on the command
// line so they take precedence over a config file.
func applyFlagOverrides(cfg *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "enabled":
			cfg.Enabled = f.Value.String() == "true"
		case "service-account-key":
			cfg.ServiceAccountKeyFile = f.Value.String()
		case "folder-id":
			cfg.FolderID = f.Value.String()
		case "token-endpoint":
			cfg.TokenEndpoint = f.Value.String()
		case "write-endpoint":
			cfg.WriteEndpoint = f.Value.String()
		case "service-name":
			cfg.ServiceName = f.Value.String()
		case "environment":
			cfg.Environment = f.Value.String()
		case "service-version":
			cfg.Version = f.Value.String()
		case "buffer-capacity":
			fmt.Sscanf(f.Value.String(), "%d", &cfg.BufferCapacity)
		case "flush-interval":
			cfg.FlushInterval, _ = time.ParseDuration(f.Value.String())
		case "export-timeout":
			cfg.ExportTimeout, _ = time.ParseDuration(f.Value.String())
		case "compression":
			cfg.Compression = f.Value.String()
		case "compression-level":
			fmt.Sscanf(f.Value.String(), "%d", &cfg.CompressionLevel)
		case "token-lifetime":
			cfg.TokenLifetime, _ = time.ParseDuration(f.Value.String())
		case "token-refresh-margin":
			cfg.TokenRefreshMargin, _ = time.ParseDuration(f.Value.String())
		case "token-exchange-timeout":
			cfg.TokenExchangeTimeout, _ = time.ParseDuration(f.Value.String())
		case "stats-addr":
			cfg.StatsAddr = f.Value.String()
		case "runtime-metrics-interval":
			cfg.RuntimeMetricsInterval, _ = time.ParseDuration(f.Value.String())
		case "stats-log-interval":
			cfg.StatsLogInterval, _ = time.ParseDuration(f.Value.String())
		}
	})
}

// Validate checks the configuration for an enabled pipeline.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceAccountKeyFile == "" {
		return fmt.Errorf("config: service account key file is required when the pipeline is enabled")
	}
	if c.FolderID == "" {
		return fmt.Errorf("config: folder id is required when the pipeline is enabled")
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("config: buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.TokenRefreshMargin >= c.TokenLifetime {
		return fmt.Errorf("config: token refresh margin %s must be below token lifetime %s", c.TokenRefreshMargin, c.TokenLifetime)
	}
	switch strings.ToLower(c.Compression) {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("config: unsupported compression %q", c.Compression)
	}
	return nil
}

// PrintUsage prints flag usage.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, "cloudmetrics-agent exports application metrics to Cloud Monitoring.\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n  cloudmetrics-agent [flags]\n\nFlags:\n")
	flag.PrintDefaults()
}

// PrintVersion prints the build version.
func PrintVersion() {
	fmt.Printf("cloudmetrics-agent %s\n", version)
}
