// Package backoff provides pluggable delay strategies. They decide how
// long to wait before retry attempt n, whether that is a job going back
// into the queue, a poll loop recovering from a store error, or a change
// feed reconnecting. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before attempt n (1-indexed). Attempt 1
// is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant waits the same interval every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay by one step per attempt:
// Delay = min(Step * attempt, Max). A Max of zero means uncapped.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(step, maxDelay time.Duration) *Linear {
	return &Linear{Step: step, Max: maxDelay}
}

// Delay returns Step * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Step * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt:
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return expDelay(e.Initial, e.Max, attempt)
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter
// ──────────────────────────────────────────────────

// ExponentialWithJitter draws a random delay in [0, exponential base].
// Full jitter spreads out retries that would otherwise fire in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := expDelay(e.Initial, e.Max, attempt)
	if base <= 0 {
		return 0
	}
	return rand.N(base + 1) //nolint:gosec // jitter does not need crypto rand
}

func expDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		// Doubling past Max (or wrapping negative) can stop early.
		if d < 0 || (maxDelay > 0 && d >= maxDelay) {
			break
		}
	}
	if d < 0 || (maxDelay > 0 && d > maxDelay) {
		return maxDelay
	}
	return d
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy is the backoff used for poll-error recovery when none
// is configured: full-jitter exponential, 1s initial, 1m ceiling.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
