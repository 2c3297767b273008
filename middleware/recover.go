package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/wayfound/convoy/job"
)

// Recover returns middleware that recovers from panics in the processor
// chain. Panics are converted to errors and logged with a stack trace,
// so one bad payload burns a retry instead of the whole worker.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job processor panicked",
					slog.String("job_type", string(j.Type)),
					slog.String("job_id", j.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in %s job: %v", j.Type, r)
			}
		}()
		return next(ctx)
	}
}
