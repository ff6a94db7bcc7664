// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/decap/internal/core"
)

// Dispatch modes for spreading packets over pipeline workers.
const (
	DispatchFlowHash   = "flow-hash"
	DispatchRoundRobin = "round-robin"
)

// Config represents the top-level configuration.
// Maps to the `decap:` root key in YAML.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tunnel   TunnelConfig   `mapstructure:"tunnel"`
	Weird    WeirdConfig    `mapstructure:"weird"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// ─── Tunnel ───

// TunnelConfig controls which encapsulations are removed.
type TunnelConfig struct {
	EnableGRE bool `mapstructure:"enable_gre"` // off: every GRE packet raises GRE_tunnel
	EnableIP  bool `mapstructure:"enable_ip"`  // IP-in-IP / IPv6-in-IP
	MaxDepth  int  `mapstructure:"max_depth"`
}

// ─── Weird ───

// WeirdConfig controls anomaly reporting.
type WeirdConfig struct {
	Log      bool             `mapstructure:"log"` // one warn line per anomaly
	Ignore   []string         `mapstructure:"ignore"`
	Sampling SamplingConfig   `mapstructure:"sampling"`
	Kafka    WeirdKafkaConfig `mapstructure:"kafka"`
}

// SamplingConfig limits how often one anomaly name is reported.
type SamplingConfig struct {
	Threshold uint64        `mapstructure:"threshold"`
	Rate      uint64        `mapstructure:"rate"`
	Duration  time.Duration `mapstructure:"duration"` // e.g. "10m"
}

// WeirdKafkaConfig exports anomalies to a Kafka topic.
type WeirdKafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	QueueSize    int           `mapstructure:"queue_size"` // records buffered ahead of the writer
}

// ─── Pipeline ───

// PipelineConfig controls packet dispatch.
type PipelineConfig struct {
	Workers    int    `mapstructure:"workers"`     // 0 = 1
	BufferSize int    `mapstructure:"buffer_size"` // per-worker channel capacity
	Dispatch   string `mapstructure:"dispatch"`    // flow-hash | round-robin
	GREOnly    bool   `mapstructure:"gre_only"`    // BPF prefilter keeping IP proto 47
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
	Loki LokiOutputConfig `mapstructure:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	Endpoint     string            `mapstructure:"endpoint"`
	Labels       map[string]string `mapstructure:"labels"`
	BatchSize    int               `mapstructure:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `decap: ...`.
type configRoot struct {
	Decap Config `mapstructure:"decap"`
}

// Load loads configuration from path. An empty path yields the defaults,
// still subject to DECAP_* environment overrides
// (key "decap.tunnel.enable_gre" → env "DECAP_TUNNEL_ENABLE_GRE").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Decap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Only environment overrides can make the defaults invalid.
		panic(err)
	}
	return cfg
}

// setDefaults registers every key so that env overrides apply to keys
// absent from the file.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("decap.log.level", "info")
	v.SetDefault("decap.log.format", "text")
	v.SetDefault("decap.log.outputs.file.enabled", false)
	v.SetDefault("decap.log.outputs.file.path", "/var/log/decap/decap.log")
	v.SetDefault("decap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("decap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("decap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("decap.log.outputs.file.rotation.compress", true)
	v.SetDefault("decap.log.outputs.loki.enabled", false)
	v.SetDefault("decap.log.outputs.loki.batch_size", 100)
	v.SetDefault("decap.log.outputs.loki.batch_timeout", "5s")

	// Metrics defaults
	v.SetDefault("decap.metrics.enabled", false)
	v.SetDefault("decap.metrics.listen", ":9091")
	v.SetDefault("decap.metrics.path", "/metrics")

	// Tunnel defaults
	v.SetDefault("decap.tunnel.enable_gre", true)
	v.SetDefault("decap.tunnel.enable_ip", true)
	v.SetDefault("decap.tunnel.max_depth", 2)

	// Weird defaults
	v.SetDefault("decap.weird.log", true)
	v.SetDefault("decap.weird.sampling.threshold", 1000)
	v.SetDefault("decap.weird.sampling.rate", 1000)
	v.SetDefault("decap.weird.sampling.duration", "10m")
	v.SetDefault("decap.weird.kafka.enabled", false)
	v.SetDefault("decap.weird.kafka.topic", "decap-weirds")
	v.SetDefault("decap.weird.kafka.compression", "snappy")
	v.SetDefault("decap.weird.kafka.batch_size", 100)
	v.SetDefault("decap.weird.kafka.batch_timeout", "100ms")
	v.SetDefault("decap.weird.kafka.max_attempts", 3)
	v.SetDefault("decap.weird.kafka.queue_size", 4096)

	// Pipeline defaults
	v.SetDefault("decap.pipeline.workers", 1)
	v.SetDefault("decap.pipeline.buffer_size", 1024)
	v.SetDefault("decap.pipeline.dispatch", DispatchFlowHash)
	v.SetDefault("decap.pipeline.gre_only", false)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
// Every failure wraps core.ErrConfigInvalid.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki is enabled: %w", core.ErrConfigInvalid)
	}

	// ── Tunnel ──
	if cfg.Tunnel.MaxDepth < 0 {
		return fmt.Errorf("tunnel.max_depth must not be negative, got %d: %w", cfg.Tunnel.MaxDepth, core.ErrConfigInvalid)
	}
	if cfg.Tunnel.MaxDepth == 0 {
		cfg.Tunnel.MaxDepth = 2
	}

	// ── Weird ──
	if cfg.Weird.Sampling.Duration < 0 {
		return fmt.Errorf("weird.sampling.duration must not be negative: %w", core.ErrConfigInvalid)
	}
	if cfg.Weird.Kafka.MaxAttempts < 0 || cfg.Weird.Kafka.QueueSize < 0 {
		return fmt.Errorf("weird.kafka.max_attempts and queue_size must not be negative: %w", core.ErrConfigInvalid)
	}
	if cfg.Weird.Kafka.Enabled {
		if len(cfg.Weird.Kafka.Brokers) == 0 {
			return fmt.Errorf("weird.kafka.brokers is required when weird.kafka.enabled=true: %w", core.ErrConfigInvalid)
		}
		if cfg.Weird.Kafka.Topic == "" {
			return fmt.Errorf("weird.kafka.topic is required when weird.kafka.enabled=true: %w", core.ErrConfigInvalid)
		}
	}

	// ── Pipeline ──
	if cfg.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative, got %d: %w", cfg.Pipeline.Workers, core.ErrConfigInvalid)
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 1
	}
	if cfg.Pipeline.BufferSize <= 0 {
		cfg.Pipeline.BufferSize = 1024
	}
	switch cfg.Pipeline.Dispatch {
	case "":
		cfg.Pipeline.Dispatch = DispatchFlowHash
	case DispatchFlowHash, DispatchRoundRobin:
	default:
		return fmt.Errorf("invalid pipeline.dispatch: %s (must be %s/%s): %w",
			cfg.Pipeline.Dispatch, DispatchFlowHash, DispatchRoundRobin, core.ErrConfigInvalid)
	}

	return nil
}
