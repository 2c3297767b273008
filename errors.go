package convoy

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("convoy: no store configured")
	ErrStoreClosed = errors.New("convoy: store closed")

	// Not found errors.
	ErrJobNotFound    = errors.New("convoy: job not found")
	ErrWorkerNotFound = errors.New("convoy: worker not found")

	// Conflict errors.
	ErrJobExists = errors.New("convoy: job already exists")

	// ErrNotApplied is returned by a conditional transition whose status
	// precondition did not hold. Claim races and reaper/worker races
	// resolve through it; callers treat it as routine, not a failure.
	ErrNotApplied = errors.New("convoy: transition not applied")

	// Validation errors.
	ErrInvalidPriority = errors.New("convoy: priority must be low, normal, or high")

	// State errors.
	ErrNotCancellable = errors.New("convoy: job is not queued or running")
	ErrCancelled      = errors.New("convoy: job cancelled")
	ErrNoProcessor    = errors.New("convoy: no processor registered")

	// Stream errors.
	ErrSubscriptionClosed = errors.New("convoy: subscription closed")
)
