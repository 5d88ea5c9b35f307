package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	configContent := `
server:
  host: "127.0.0.1"
  port: 9090
storage:
  root: "/var/lib/docling"
  ttl_hours: 48
  sweep_interval_minutes: 30
processing:
  max_file_size_mb: 100
  accelerator_device: "cuda"
  num_threads: 8
  workers: 2
  queue_capacity: 16
  max_tasks: 500
docling:
  api_url: "https://docling.example.test"
  api_token: "test-token"
  poll_interval_seconds: 2
  poll_attempts: 10
minio:
  endpoint: "localhost:9000"
  access_key: "minioadmin"
  secret_key: "minioadmin"
  bucket: "docling-staging"
  use_ssl: false
  expire_days: 14
log:
  level: "debug"
  format: "json"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Root != "/var/lib/docling" {
		t.Errorf("Expected storage root /var/lib/docling, got %s", cfg.Storage.Root)
	}
	if cfg.Storage.TTLHours != 48 {
		t.Errorf("Expected ttl_hours 48, got %d", cfg.Storage.TTLHours)
	}
	if cfg.Processing.MaxFileSizeMB != 100 {
		t.Errorf("Expected max_file_size_mb 100, got %d", cfg.Processing.MaxFileSizeMB)
	}
	if cfg.Processing.AcceleratorDevice != AcceleratorCUDA {
		t.Errorf("Expected accelerator cuda, got %s", cfg.Processing.AcceleratorDevice)
	}
	if cfg.Processing.MaxTasks != 500 {
		t.Errorf("Expected max_tasks 500, got %d", cfg.Processing.MaxTasks)
	}
	if cfg.Docling.APIURL != "https://docling.example.test" {
		t.Errorf("Expected docling api_url, got %s", cfg.Docling.APIURL)
	}
	if cfg.Minio.ExpireDays != 14 {
		t.Errorf("Expected expire_days 14, got %d", cfg.Minio.ExpireDays)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Log.Format)
	}
}

func TestLoadDefaults(t *testing.T) {
	configContent := `
minio:
  endpoint: "localhost:9000"
  access_key: "test"
  secret_key: "test"
  bucket: "bucket"
`
	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Root != "/tmp/docling_storage" {
		t.Errorf("Expected default storage root, got %s", cfg.Storage.Root)
	}
	if cfg.Storage.TTLHours != 24 {
		t.Errorf("Expected default ttl_hours 24, got %d", cfg.Storage.TTLHours)
	}
	if cfg.Storage.SweepIntervalMinutes != 60 {
		t.Errorf("Expected default sweep interval 60, got %d", cfg.Storage.SweepIntervalMinutes)
	}
	if cfg.Processing.MaxFileSizeMB != 50 {
		t.Errorf("Expected default max_file_size_mb 50, got %d", cfg.Processing.MaxFileSizeMB)
	}
	if cfg.Processing.AcceleratorDevice != AcceleratorCPU {
		t.Errorf("Expected default accelerator cpu, got %s", cfg.Processing.AcceleratorDevice)
	}
	if cfg.Processing.NumThreads != 4 {
		t.Errorf("Expected default num_threads 4, got %d", cfg.Processing.NumThreads)
	}
	if cfg.Processing.Workers != 4 {
		t.Errorf("Expected default workers 4, got %d", cfg.Processing.Workers)
	}
	if cfg.Processing.QueueCapacity != 64 {
		t.Errorf("Expected default queue_capacity 64, got %d", cfg.Processing.QueueCapacity)
	}
	if cfg.Processing.MaxTasks != 0 {
		t.Errorf("Expected default max_tasks 0, got %d", cfg.Processing.MaxTasks)
	}
	if cfg.Docling.PollIntervalSeconds != 5 {
		t.Errorf("Expected default poll interval 5, got %d", cfg.Docling.PollIntervalSeconds)
	}
	if cfg.Docling.PollAttempts != 60 {
		t.Errorf("Expected default poll attempts 60, got %d", cfg.Docling.PollAttempts)
	}
	if cfg.Minio.ExpireDays != 7 {
		t.Errorf("Expected default expire_days 7, got %d", cfg.Minio.ExpireDays)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Expected default log format text, got %s", cfg.Log.Format)
	}
}

func TestLoadMissingFile(t *testing.T) {
	// The service can run from environment and defaults alone.
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults for missing file, got error: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Expected default port 8000, got %d", cfg.Server.Port)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	if err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	configContent := `
server:
  port: 9090
storage:
  ttl_hours: 48
`
	t.Setenv("PORT", "7070")
	t.Setenv("TTL_HOURS", "72")
	t.Setenv("ACCELERATOR_DEVICE", "mps")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Expected env override port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Storage.TTLHours != 72 {
		t.Errorf("Expected env override ttl_hours 72, got %d", cfg.Storage.TTLHours)
	}
	if cfg.Processing.AcceleratorDevice != AcceleratorMPS {
		t.Errorf("Expected env override accelerator mps, got %s", cfg.Processing.AcceleratorDevice)
	}
	if !cfg.Minio.UseSSL {
		t.Error("Expected env override use_ssl true")
	}
}

func TestInvalidAccelerator(t *testing.T) {
	configContent := `
processing:
  accelerator_device: "tpu"
`
	_, err := Load(writeConfig(t, configContent))
	if err == nil {
		t.Error("Expected error for invalid accelerator device")
	}
}
