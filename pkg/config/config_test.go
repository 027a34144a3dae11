package config

import (
	"testing"
	"time"
)

func TestGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway()
	if err != nil {
		t.Fatalf("LoadGateway: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr %q", cfg.ListenAddr)
	}
	if cfg.QueueName != "builds" || cfg.MaxAttempts != 3 {
		t.Fatalf("queue defaults: %+v", cfg)
	}
	if cfg.RetryBackoff != 30*time.Second || cfg.RenderTimeout != 5*time.Second {
		t.Fatalf("duration defaults: %+v", cfg)
	}
	if cfg.Storage.Backend != "fs" {
		t.Fatalf("storage backend %q", cfg.Storage.Backend)
	}
}

func TestWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.Concurrency != 2 || cfg.QueueName != "builds" {
		t.Fatalf("worker defaults: %+v", cfg)
	}
	if cfg.MetricsInterval != 30*time.Second {
		t.Fatalf("metrics interval %v", cfg.MetricsInterval)
	}
}

func TestStorageConfigUnknownBackend(t *testing.T) {
	if _, err := (StorageConfig{Backend: "tape"}).Open(); err == nil {
		t.Fatalf("expected an error for an unknown backend")
	}
}

func TestStorageConfigFS(t *testing.T) {
	store, err := StorageConfig{Backend: "fs", Root: t.TempDir()}.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if store == nil {
		t.Fatalf("expected a store")
	}
}
