package convoy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the Coordinator.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// PollInterval is how often an idle worker polls for queued jobs.
	PollInterval time.Duration

	// PollJitter is the maximum random slack added to each poll sleep so
	// that workers started together do not poll in lockstep.
	PollJitter time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes its registry row.
	HeartbeatInterval time.Duration

	// LivenessWindow is how recent a heartbeat must be for a worker to
	// count as active in registry listings.
	LivenessWindow time.Duration

	// MaxRetries is the retry budget applied when a processor fails.
	MaxRetries int

	// RetryDelay is how long a requeued job stays ineligible for claiming.
	// Zero requeues it immediately.
	RetryDelay time.Duration

	// JobTimeout is how long a job may stay running before the reaper
	// reclaims it.
	JobTimeout time.Duration

	// ReapInterval is how often the reaper sweeps for stale jobs.
	ReapInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       8,
		PollInterval:      1 * time.Second,
		PollJitter:        250 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		LivenessWindow:    30 * time.Second,
		MaxRetries:        3,
		RetryDelay:        0,
		JobTimeout:        10 * time.Minute,
		ReapInterval:      30 * time.Second,
	}
}

// fileConfig is the YAML shape of a config file. Durations are strings
// in Go duration syntax ("30s", "10m"); pointers distinguish absent fields
// from zero values.
type fileConfig struct {
	Concurrency       *int   `yaml:"concurrency"`
	PollInterval      string `yaml:"poll_interval"`
	PollJitter        string `yaml:"poll_jitter"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	LivenessWindow    string `yaml:"liveness_window"`
	MaxRetries        *int   `yaml:"max_retries"`
	RetryDelay        string `yaml:"retry_delay"`
	JobTimeout        string `yaml:"job_timeout"`
	ReapInterval      string `yaml:"reap_interval"`
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
// Fields absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("convoy: read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("convoy: parse config %s: %w", path, err)
	}

	if fc.Concurrency != nil {
		cfg.Concurrency = *fc.Concurrency
	}
	if fc.MaxRetries != nil {
		cfg.MaxRetries = *fc.MaxRetries
	}

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.PollInterval, "poll_interval", &cfg.PollInterval},
		{fc.PollJitter, "poll_jitter", &cfg.PollJitter},
		{fc.ShutdownTimeout, "shutdown_timeout", &cfg.ShutdownTimeout},
		{fc.HeartbeatInterval, "heartbeat_interval", &cfg.HeartbeatInterval},
		{fc.LivenessWindow, "liveness_window", &cfg.LivenessWindow},
		{fc.RetryDelay, "retry_delay", &cfg.RetryDelay},
		{fc.JobTimeout, "job_timeout", &cfg.JobTimeout},
		{fc.ReapInterval, "reap_interval", &cfg.ReapInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, parseErr := time.ParseDuration(d.raw)
		if parseErr != nil {
			return cfg, fmt.Errorf("convoy: config %s: %s: %w", path, d.name, parseErr)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
