package queue

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/wayfound/convoy/job"
)

// OwnerConfig defines limits for a specific owner on a specific job
// type, identified by the job's CreatedBy field.
type OwnerConfig struct {
	// Type is the job type this config applies to.
	Type job.Type

	// Owner is the owner identifier (typically job.CreatedBy).
	Owner string

	// RateLimit is the sustained claims per second for this owner.
	RateLimit float64

	// RateBurst is the burst size for the owner's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous jobs for this owner on this
	// type. Zero means no owner-specific concurrency limit.
	MaxConcurrency int
}

// ownerState tracks runtime state for a single type+owner pair.
type ownerState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func ownerKey(jobType job.Type, owner string) string {
	return fmt.Sprintf("%s:%s", jobType, owner)
}

// SetOwnerConfig configures limits for a specific owner on a specific
// job type. Calling this again for the same type+owner replaces the
// previous configuration, carrying over the active count.
func (m *Manager) SetOwnerConfig(cfg OwnerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey(cfg.Type, cfg.Owner)
	existing := m.owners[key]

	os := &ownerState{maxConcurrency: cfg.MaxConcurrency}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		os.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if existing != nil {
		os.active = existing.active
	}
	m.owners[key] = os
}

// OwnerActiveCount returns the number of jobs currently holding a slot
// for a type+owner pair.
func (m *Manager) OwnerActiveCount(jobType job.Type, owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if os := m.owners[ownerKey(jobType, owner)]; os != nil {
		return os.active
	}
	return 0
}
