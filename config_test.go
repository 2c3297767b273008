package convoy_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wayfound/convoy"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "convoy.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfigFile(t, `
concurrency: 16
poll_interval: 250ms
max_retries: 5
job_timeout: 5m
`)

	cfg, err := convoy.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Concurrency != 16 {
		t.Errorf("Concurrency = %d, want 16", cfg.Concurrency)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("JobTimeout = %v, want 5m", cfg.JobTimeout)
	}

	// Fields absent from the file keep their defaults.
	def := convoy.DefaultConfig()
	if cfg.HeartbeatInterval != def.HeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v, want default %v", cfg.HeartbeatInterval, def.HeartbeatInterval)
	}
	if cfg.ReapInterval != def.ReapInterval {
		t.Errorf("ReapInterval = %v, want default %v", cfg.ReapInterval, def.ReapInterval)
	}
}

func TestLoadConfig_ZeroValuesAreExplicit(t *testing.T) {
	path := writeConfigFile(t, `
max_retries: 0
retry_delay: 0s
`)

	cfg, err := convoy.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want explicit 0", cfg.MaxRetries)
	}
	if cfg.RetryDelay != 0 {
		t.Errorf("RetryDelay = %v, want 0", cfg.RetryDelay)
	}
}

func TestLoadConfig_BadDuration(t *testing.T) {
	path := writeConfigFile(t, "poll_interval: soon\n")

	if _, err := convoy.LoadConfig(path); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := convoy.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}
