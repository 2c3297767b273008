package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/wayfound/convoy/backoff"
	"github.com/wayfound/convoy/job"
)

// RetryPolicy decides what happens when a running job fails: another
// attempt behind a not-before gate, or a terminal failure once the
// budget is spent. The executor and the reaper both route through it so
// a worker crash and a processor error age a job identically.
type RetryPolicy struct {
	// Backoff computes the delay before attempt n re-enters the queue.
	Backoff backoff.Strategy
}

// DefaultRetryPolicy retries immediately (no delay between attempts).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: backoff.NewConstant(0)}
}

// Fail moves a running job one step along its failure path with a
// single conditional transition. Callers that lose the race (the job
// already moved on) get convoy.ErrNotApplied and should treat it as a
// no-op.
func (rp RetryPolicy) Fail(ctx context.Context, store job.Store, j *job.Job, cause string, now time.Time) (*job.Job, error) {
	attempt := j.RetryCount + 1

	if attempt > j.MaxRetries {
		return store.ApplyIfStatus(ctx, j.ID, job.StatusRunning,
			job.FailPatch(job.FailMessage(j.MaxRetries, cause), now))
	}

	var delay time.Duration
	if rp.Backoff != nil {
		delay = rp.Backoff.Delay(attempt)
	}
	return store.ApplyIfStatus(ctx, j.ID, job.StatusRunning,
		job.RetryPatch(cause, attempt, now.Add(delay)))
}

// Exhausted reports whether j has no attempts left.
func (rp RetryPolicy) Exhausted(j *job.Job) bool {
	return j.RetryCount+1 > j.MaxRetries
}

// String describes the policy for logs.
func (rp RetryPolicy) String() string {
	return fmt.Sprintf("RetryPolicy(backoff=%T)", rp.Backoff)
}
