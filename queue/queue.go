package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/wayfound/convoy/job"
)

// Config defines throttling for a single job type.
type Config struct {
	// Type is the job type this config applies to.
	Type job.Type

	// MaxConcurrency limits how many jobs of this type may run
	// simultaneously in the local pool. Zero means no type-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained claims per second for this
	// type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set and RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime state for a single job type.
type typeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager enforces per-type and per-owner limits at claim time.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	types  map[job.Type]*typeState
	owners map[string]*ownerState
}

// NewManager creates a Manager with the given type configurations.
// Types not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types:  make(map[job.Type]*typeState, len(configs)),
		owners: make(map[string]*ownerState),
	}
	for _, cfg := range configs {
		m.types[cfg.Type] = newTypeState(cfg)
	}
	return m
}

func newTypeState(cfg Config) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks the limits for the given type and owner. If the job is
// allowed to proceed it increments the active counters and returns true.
// The caller MUST call Release with the same arguments when the job
// finishes.
func (m *Manager) Acquire(jobType job.Type, owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Concurrency caps are checked before limiters so a rejection there
	// costs nothing; limiter tokens are only spent once every free check
	// has passed.
	ts := m.types[jobType]
	if ts != nil && ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}

	var os *ownerState
	if owner != "" {
		os = m.owners[ownerKey(jobType, owner)]
		if os != nil && os.maxConcurrency > 0 && os.active >= os.maxConcurrency {
			return false
		}
	}

	if ts != nil && ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if os != nil && os.limiter != nil && !os.limiter.Allow() {
		return false
	}

	if os != nil {
		os.active++
	}
	if ts != nil {
		ts.active++
	}
	return true
}

// Release decrements the active counters for the type and owner.
func (m *Manager) Release(jobType job.Type, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.types[jobType]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if owner != "" {
		if os := m.owners[ownerKey(jobType, owner)]; os != nil && os.active > 0 {
			os.active--
		}
	}
}

// SetConfig dynamically updates (or creates) a type configuration.
// The active count carries over when reconfiguring.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.types[cfg.Type]
	ts := newTypeState(cfg)
	if existing != nil {
		ts.active = existing.active
	}
	m.types[cfg.Type] = ts
}

// ActiveCount returns the number of jobs of the given type currently
// holding a slot.
func (m *Manager) ActiveCount(jobType job.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[jobType]; ts != nil {
		return ts.active
	}
	return 0
}
