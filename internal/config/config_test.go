package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/decap/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
decap:
  log:
    level: "debug"
    format: "json"
  metrics:
    enabled: true
    listen: "127.0.0.1:9100"
  tunnel:
    enable_gre: true
    enable_ip: false
    max_depth: 3
  weird:
    ignore: ["GRE_tunnel"]
    sampling:
      threshold: 10
      rate: 5
      duration: "30s"
    kafka:
      enabled: true
      brokers: ["localhost:9092"]
      topic: "weirds"
      compression: "lz4"
      max_attempts: 5
      queue_size: 128
  pipeline:
    workers: 4
    dispatch: "round-robin"
    gre_only: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Expected debug/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Errorf("Unexpected metrics config: %+v", cfg.Metrics)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected default metrics path, got %s", cfg.Metrics.Path)
	}
	if !cfg.Tunnel.EnableGRE || cfg.Tunnel.EnableIP || cfg.Tunnel.MaxDepth != 3 {
		t.Errorf("Unexpected tunnel config: %+v", cfg.Tunnel)
	}
	if len(cfg.Weird.Ignore) != 1 || cfg.Weird.Ignore[0] != "GRE_tunnel" {
		t.Errorf("Expected ignore [GRE_tunnel], got %v", cfg.Weird.Ignore)
	}
	if cfg.Weird.Sampling.Threshold != 10 || cfg.Weird.Sampling.Rate != 5 || cfg.Weird.Sampling.Duration != 30*time.Second {
		t.Errorf("Unexpected sampling config: %+v", cfg.Weird.Sampling)
	}
	if cfg.Weird.Kafka.MaxAttempts != 5 || cfg.Weird.Kafka.QueueSize != 128 {
		t.Errorf("Expected kafka max_attempts 5 and queue_size 128, got %d/%d", cfg.Weird.Kafka.MaxAttempts, cfg.Weird.Kafka.QueueSize)
	}
	if cfg.Weird.Kafka.Topic != "weirds" || cfg.Weird.Kafka.Compression != "lz4" {
		t.Errorf("Unexpected weird kafka config: %+v", cfg.Weird.Kafka)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.Dispatch != DispatchRoundRobin || !cfg.Pipeline.GREOnly {
		t.Errorf("Unexpected pipeline config: %+v", cfg.Pipeline)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Expected info/text logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
	if !cfg.Tunnel.EnableGRE {
		t.Error("Expected GRE decapsulation enabled by default")
	}
	if cfg.Tunnel.MaxDepth != 2 {
		t.Errorf("Expected max depth 2, got %d", cfg.Tunnel.MaxDepth)
	}
	if cfg.Weird.Sampling.Threshold != 1000 || cfg.Weird.Sampling.Rate != 1000 {
		t.Errorf("Unexpected sampling defaults: %+v", cfg.Weird.Sampling)
	}
	if cfg.Weird.Sampling.Duration != 10*time.Minute {
		t.Errorf("Expected sampling window 10m, got %v", cfg.Weird.Sampling.Duration)
	}
	if cfg.Weird.Kafka.MaxAttempts != 3 || cfg.Weird.Kafka.QueueSize != 4096 {
		t.Errorf("Expected kafka defaults 3/4096, got %d/%d", cfg.Weird.Kafka.MaxAttempts, cfg.Weird.Kafka.QueueSize)
	}
	if cfg.Weird.Kafka.BatchTimeout != 100*time.Millisecond {
		t.Errorf("Expected kafka batch timeout 100ms, got %v", cfg.Weird.Kafka.BatchTimeout)
	}
	if cfg.Pipeline.Workers != 1 || cfg.Pipeline.BufferSize != 1024 || cfg.Pipeline.Dispatch != DispatchFlowHash {
		t.Errorf("Unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
}

func TestDefault(t *testing.T) {
	if cfg := Default(); cfg.Pipeline.Workers != 1 {
		t.Errorf("Expected 1 worker, got %d", cfg.Pipeline.Workers)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DECAP_TUNNEL_ENABLE_GRE", "false")
	t.Setenv("DECAP_PIPELINE_WORKERS", "8")

	path := writeConfig(t, `
decap:
  log:
    level: "info"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Tunnel.EnableGRE {
		t.Error("Expected DECAP_TUNNEL_ENABLE_GRE to disable GRE")
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Expected 8 workers from env, got %d", cfg.Pipeline.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"LogLevel", "decap:\n  log:\n    level: \"verbose\"\n"},
		{"LogFormat", "decap:\n  log:\n    format: \"xml\"\n"},
		{"LokiWithoutEndpoint", "decap:\n  log:\n    outputs:\n      loki:\n        enabled: true\n"},
		{"NegativeDepth", "decap:\n  tunnel:\n    max_depth: -1\n"},
		{"KafkaWithoutBrokers", "decap:\n  weird:\n    kafka:\n      enabled: true\n"},
		{"NegativeKafkaQueue", "decap:\n  weird:\n    kafka:\n      queue_size: -1\n"},
		{"Dispatch", "decap:\n  pipeline:\n    dispatch: \"random\"\n"},
		{"NegativeWorkers", "decap:\n  pipeline:\n    workers: -2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestValidateAppliesRuntimeDefaults(t *testing.T) {
	cfg := Config{Log: LogConfig{Level: "warn", Format: "json"}}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Tunnel.MaxDepth != 2 || cfg.Pipeline.Workers != 1 || cfg.Pipeline.BufferSize != 1024 {
		t.Errorf("Runtime defaults not applied: %+v %+v", cfg.Tunnel, cfg.Pipeline)
	}
	if cfg.Pipeline.Dispatch != DispatchFlowHash {
		t.Errorf("Expected flow-hash dispatch, got %s", cfg.Pipeline.Dispatch)
	}
}
