// Package middleware provides composable middleware for job execution.
//
// A [Middleware] is a function that wraps a job processor. Middleware
// are composed into a chain using [Chain] and applied around each
// execution. They are applied right-to-left: the first middleware in
// the slice is the outermost wrapper.
//
//	// logging → recover → processor
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] — logs job type, duration, and outcome at each execution
//   - [Recover] — catches panics and converts them to errors
//   - [Timeout] — cancels the job context after a configured duration
//   - [Tracing] — wraps execution in an OpenTelemetry span
//   - [Metrics] — records per-job duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
