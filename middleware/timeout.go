package middleware

import (
	"context"
	"time"

	"github.com/wayfound/convoy/job"
)

// Timeout returns middleware that enforces an execution deadline. When
// the deadline passes the job context is cancelled; a cooperative
// processor notices at its next Checkpoint or blocking call. The reaper
// enforces the same budget from outside for processors that don't.
// A zero d disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
