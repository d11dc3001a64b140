package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.PipelineDir != "./pipelines" {
		t.Errorf("unexpected pipeline dir: %q", cfg.Server.PipelineDir)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("expected sqlite default, got %q", cfg.Storage.Driver)
	}
	if cfg.Artifacts.Backend != "local" {
		t.Errorf("expected local artifacts default, got %q", cfg.Artifacts.Backend)
	}
	if cfg.Secrets.Store != "env" {
		t.Errorf("expected env secrets default, got %q", cfg.Secrets.Store)
	}
	if cfg.Log.Format != "text" || cfg.Log.Level != "info" {
		t.Errorf("unexpected log defaults: %+v", cfg.Log)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	content := `
server:
  port: 9000
  pipeline_dir: /etc/stagehand/pipelines
storage:
  driver: postgres
  dsn: postgres://ci:ci@localhost/stagehand
artifacts:
  backend: s3
  s3:
    endpoint: minio:9000
    bucket: stagehand
log:
  format: json
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("expected postgres, got %q", cfg.Storage.Driver)
	}
	if cfg.Artifacts.Backend != "s3" || cfg.Artifacts.S3.Bucket != "stagehand" {
		t.Errorf("unexpected artifacts config: %+v", cfg.Artifacts)
	}
	if cfg.Log.Format != "json" || cfg.Log.Level != "debug" {
		t.Errorf("unexpected log config: %+v", cfg.Log)
	}
	// Untouched keys keep their defaults.
	if cfg.Secrets.Store != "env" {
		t.Errorf("expected env secrets default, got %q", cfg.Secrets.Store)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("STAGEHAND_SERVER__PORT", "7777")
	t.Setenv("STAGEHAND_LOG__LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("env override lost: port %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("env override lost: level %q", cfg.Log.Level)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}
