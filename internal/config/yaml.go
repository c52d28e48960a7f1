package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure. Zero values
// leave the corresponding Config field untouched.
type YAMLConfig struct {
	Enabled *bool `yaml:"enabled"`

	Monitoring MonitoringYAMLConfig `yaml:"monitoring"`
	Labels     LabelsYAMLConfig     `yaml:"labels"`
	Buffer     BufferYAMLConfig     `yaml:"buffer"`
	Exporter   ExporterYAMLConfig   `yaml:"exporter"`
	Token      TokenYAMLConfig      `yaml:"token"`
	Agent      AgentYAMLConfig      `yaml:"agent"`
}

// MonitoringYAMLConfig holds backend connection settings.
type MonitoringYAMLConfig struct {
	ServiceAccountKeyFile string `yaml:"service_account_key_file"`
	FolderID              string `yaml:"folder_id"`
	TokenEndpoint         string `yaml:"token_endpoint"`
	WriteEndpoint         string `yaml:"write_endpoint"`
}

// LabelsYAMLConfig holds the process-wide labels.
type LabelsYAMLConfig struct {
	Service     string `yaml:"service"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// BufferYAMLConfig holds buffer settings.
type BufferYAMLConfig struct {
	Capacity      int      `yaml:"capacity"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// ExporterYAMLConfig holds exporter settings.
type ExporterYAMLConfig struct {
	Timeout          Duration `yaml:"timeout"`
	Compression      string   `yaml:"compression"`
	CompressionLevel int      `yaml:"compression_level"`
}

// TokenYAMLConfig holds token cache settings.
type TokenYAMLConfig struct {
	Lifetime        Duration `yaml:"lifetime"`
	RefreshMargin   Duration `yaml:"refresh_margin"`
	ExchangeTimeout Duration `yaml:"exchange_timeout"`
}

// AgentYAMLConfig holds agent settings.
type AgentYAMLConfig struct {
	StatsAddr              string   `yaml:"stats_addr"`
	RuntimeMetricsInterval Duration `yaml:"runtime_metrics_interval"`
	StatsLogInterval       Duration `yaml:"stats_log_interval"`
}

// LoadYAML loads a YAML configuration file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

// apply overlays non-zero YAML values onto cfg.
func (y *YAMLConfig) apply(cfg *Config) {
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.Monitoring.ServiceAccountKeyFile != "" {
		cfg.ServiceAccountKeyFile = y.Monitoring.ServiceAccountKeyFile
	}
	if y.Monitoring.FolderID != "" {
		cfg.FolderID = y.Monitoring.FolderID
	}
	if y.Monitoring.TokenEndpoint != "" {
		cfg.TokenEndpoint = y.Monitoring.TokenEndpoint
	}
	if y.Monitoring.WriteEndpoint != "" {
		cfg.WriteEndpoint = y.Monitoring.WriteEndpoint
	}
	if y.Labels.Service != "" {
		cfg.ServiceName = y.Labels.Service
	}
	if y.Labels.Environment != "" {
		cfg.Environment = y.Labels.Environment
	}
	if y.Labels.Version != "" {
		cfg.Version = y.Labels.Version
	}
	if y.Buffer.Capacity != 0 {
		cfg.BufferCapacity = y.Buffer.Capacity
	}
	if y.Buffer.FlushInterval != 0 {
		cfg.FlushInterval = time.Duration(y.Buffer.FlushInterval)
	}
	if y.Exporter.Timeout != 0 {
		cfg.ExportTimeout = time.Duration(y.Exporter.Timeout)
	}
	if y.Exporter.Compression != "" {
		cfg.Compression = y.Exporter.Compression
	}
	if y.Exporter.CompressionLevel != 0 {
		cfg.CompressionLevel = y.Exporter.CompressionLevel
	}
	if y.Token.Lifetime != 0 {
		cfg.TokenLifetime = time.Duration(y.Token.Lifetime)
	}
	if y.Token.RefreshMargin != 0 {
		cfg.TokenRefreshMargin = time.Duration(y.Token.RefreshMargin)
	}
	if y.Token.ExchangeTimeout != 0 {
		cfg.TokenExchangeTimeout = time.Duration(y.Token.ExchangeTimeout)
	}
	if y.Agent.StatsAddr != "" {
		cfg.StatsAddr = y.Agent.StatsAddr
	}
	if y.Agent.RuntimeMetricsInterval != 0 {
		cfg.RuntimeMetricsInterval = time.Duration(y.Agent.RuntimeMetricsInterval)
	}
	if y.Agent.StatsLogInterval != 0 {
		cfg.StatsLogInterval = time.Duration(y.Agent.StatsLogInterval)
	}
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
