package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flywheel.yaml")
	content := []byte(`
worker:
  prefix: prod
  lock_ttl_seconds: 30
redis:
  addr: redis.internal:6379
checkpoint:
  auto_approve_threshold: 0.95
log_level: debug
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Prefix != "prod" || cfg.Worker.LockTTL() != 30*time.Second {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Checkpoint.AutoApproveThreshold != 0.95 {
		t.Errorf("threshold = %v", cfg.Checkpoint.AutoApproveThreshold)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}

	// Untouched sections keep their defaults.
	if cfg.Postgres.DSN != DefaultConfig().Postgres.DSN {
		t.Errorf("postgres dsn = %q, want default", cfg.Postgres.DSN)
	}
	if cfg.Metrics.Addr != ":9091" {
		t.Errorf("metrics addr = %q, want default", cfg.Metrics.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file did not error")
	}
}
