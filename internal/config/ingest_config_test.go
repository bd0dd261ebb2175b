package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadIngestConfigMissingFile(t *testing.T) {
	_, err := LoadIngestConfig(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error when config file missing")
	}
}

func TestLoadIngestConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	yamlBody := `
environment: DEV
sourceId: ingest-binance-1
adapter:
  wsEndpoint: wss://stream.binance.com:9443
  maxConnections: 4
  maxStreamsPerConnection: 200
errorHandling:
  strategy: RETRY
  maxRetries: 3
buffer:
  maxSize: 500
  backpressureThreshold: 0.8
  backpressureStrategy: DROP
router:
  routingStrategy: FIRST_MATCH
telemetry:
  serviceName: meltica-ingest
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadIngestConfig(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Adapter.WSEndpoint != "wss://stream.binance.com:9443" {
		t.Fatalf("unexpected wsEndpoint: %q", cfg.Adapter.WSEndpoint)
	}
	if cfg.Fanout.Path != "/ws" {
		t.Fatalf("expected default fanout path, got %q", cfg.Fanout.Path)
	}
	if cfg.PublishTopicPrefix != "ingest" {
		t.Fatalf("expected default publish topic prefix, got %q", cfg.PublishTopicPrefix)
	}
}

func TestValidateRejectsUnknownErrorStrategy(t *testing.T) {
	cfg := IngestConfig{
		Environment:   EnvDev,
		Adapter:       AdapterConfig{WSEndpoint: "wss://x"},
		ErrorHandling: ErrorHandlingConfig{Strategy: "BOGUS"},
		Telemetry:     TelemetryConfig{ServiceName: "svc"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown errorHandling strategy")
	}
}

func TestValidateRejectsOutOfRangeBackpressureThreshold(t *testing.T) {
	cfg := IngestConfig{
		Environment: EnvDev,
		Adapter:     AdapterConfig{WSEndpoint: "wss://x"},
		Buffer:      BufferConfig{BackpressureThreshold: 1.5, BackpressureStrategy: "BLOCK"},
		Telemetry:   TelemetryConfig{ServiceName: "svc"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range backpressureThreshold")
	}
}
