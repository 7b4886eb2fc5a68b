package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Executor.PollInterval != 2*time.Second {
		t.Errorf("expected default executor poll interval, got %s", cfg.Executor.PollInterval)
	}
	if cfg.Retry.Coordinator.PollInterval != 5*time.Second {
		t.Errorf("expected default coordinator poll interval, got %s", cfg.Retry.Coordinator.PollInterval)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Health.HeartbeatTimeout != 30*time.Second {
		t.Errorf("expected default heartbeat timeout, got %s", cfg.Health.HeartbeatTimeout)
	}
	if cfg.Reconciler.StuckTimeout != 15*time.Minute {
		t.Errorf("expected default stuck timeout, got %s", cfg.Reconciler.StuckTimeout)
	}
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://engine:secret@db:5432/engine")
	t.Setenv("HTTP_PORT", "9090")

	path := writeConfig(t, `
server:
  port: ${HTTP_PORT}
database:
  url: ${DATABASE_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port env substitution failed, got %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://engine:secret@db:5432/engine" {
		t.Errorf("database url env substitution failed, got %q", cfg.Database.URL)
	}
}

func TestLoad_ExplicitValuesKept(t *testing.T) {
	path := writeConfig(t, `
executor:
  poll_interval: 500ms
  batch_size: 25
retry:
  max_retries: 5
  backoff_seconds: [5, 15, 45]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Executor.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval overridden, got %s", cfg.Executor.PollInterval)
	}
	if cfg.Executor.BatchSize != 25 {
		t.Errorf("batch size overridden, got %d", cfg.Executor.BatchSize)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("max retries overridden, got %d", cfg.Retry.MaxRetries)
	}

	schedule := cfg.BackoffSchedule()
	want := []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	for i, d := range want {
		if schedule.Delays[i] != d {
			t.Errorf("delay[%d] = %s, want %s", i, schedule.Delays[i], d)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Database.URL != "" {
		t.Errorf("default config should leave database url empty (memory mode)")
	}
	if cfg.Executor.DeployTimeout != 60*time.Second {
		t.Errorf("unexpected default deploy timeout %s", cfg.Executor.DeployTimeout)
	}
}
