// Package worker provides the job execution engine — an Executor that
// runs claimed jobs through middleware and the registered processor,
// and a Pool of goroutines that poll the store, win claims, and execute.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/middleware"
)

// Executor runs a single claimed job through the middleware chain and
// the registered processor, then lands the outcome with a conditional
// transition. A transition that reports convoy.ErrNotApplied means the
// job was taken away mid-flight (cancelled or reaped); the outcome is
// discarded without error.
type Executor struct {
	registry *Registry
	store    job.Store
	policy   RetryPolicy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *Registry,
	store job.Store,
	policy RetryPolicy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		policy:   policy,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job the pool has already claimed.
// On success: running → completed with the processor's result.
// On failure: the retry policy decides between requeue and failed.
// On convoy.ErrCancelled from the processor: the work is dropped; the
// canceller has already landed the transition.
func (e *Executor) Execute(ctx context.Context, j *job.Job, workerID id.WorkerID) error {
	processor, ok := e.registry.Get(j.Type)
	if !ok {
		// A claim on a type this worker cannot run is a processing
		// failure like any other; the retry budget ages it out.
		return e.handleFailure(ctx, j, convoy.ErrNoProcessor)
	}

	run := newRun(j, e.store, workerID)

	var result []byte
	terminal := func(ctx context.Context) error {
		var procErr error
		result, procErr = processor.Process(ctx, run)
		return procErr
	}

	start := time.Now()
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, convoy.ErrCancelled) {
			return e.handleCancelled(ctx, j)
		}
		return e.handleFailure(ctx, j, err)
	}
	return e.handleSuccess(ctx, j, result, elapsed)
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, result []byte, elapsed time.Duration) error {
	now := time.Now().UTC()
	_, err := e.store.ApplyIfStatus(ctx, j.ID, job.StatusRunning, job.CompletePatch(result, now))
	if err != nil {
		if errors.Is(err, convoy.ErrNotApplied) {
			e.logger.Info("discarding result of dispossessed job",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
			)
			return nil
		}
		e.logger.Error("failed to complete job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, procErr error) error {
	now := time.Now().UTC()
	updated, err := e.policy.Fail(ctx, e.store, j, procErr.Error(), now)
	if err != nil {
		if errors.Is(err, convoy.ErrNotApplied) {
			return nil
		}
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if updated.Status == job.StatusFailed {
		e.logger.Warn("job failed terminally",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("retry_count", updated.RetryCount),
			slog.String("error", procErr.Error()),
		)
	} else {
		e.logger.Info("job requeued for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.Int("attempt", updated.RetryCount),
			slog.Int("max_retries", updated.MaxRetries),
			slog.Time("not_before", updated.NotBefore),
			slog.String("error", procErr.Error()),
		)
	}
	return procErr
}

// handleCancelled stands down without touching the row. Cancellation is
// always landed by the canceller; by the time the processor observes it
// the row is either already cancelled, or was reaped and handed to a new
// owner whose claim must not be disturbed.
func (e *Executor) handleCancelled(_ context.Context, j *job.Job) error {
	e.logger.Info("job cancellation observed, dropping work",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Type)),
	)
	return nil
}
