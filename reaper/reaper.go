// Package reaper recovers jobs abandoned by crashed workers. A periodic
// sweep finds running jobs whose start time exceeds the configured
// timeout and routes each through the same retry policy a processing
// failure takes, so a reaped job is retried up to its budget before
// failing terminally.
//
// Ownership is reclaimed purely by timestamp inspection. There is no
// liveness handshake with the owning worker: the sweep may race a
// worker that is about to report success, and whichever conditional
// transition lands first wins. The loser's call is a no-op.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/worker"
)

// timedOutMessage is the synthetic error recorded on a reaped job.
const timedOutMessage = "job timed out"

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Option configures a Reaper.
type Option func(*Reaper)

// WithJobTimeout sets how long a job may stay running before it is
// considered abandoned.
func WithJobTimeout(d time.Duration) Option {
	return func(r *Reaper) { r.jobTimeout = d }
}

// WithInterval sets the sweep cadence as a fixed interval.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.scheduleExpr = fmt.Sprintf("@every %s", d) }
}

// WithSchedule sets the sweep cadence as a cron expression, either
// 5-field standard or a descriptor like "@every 30s".
func WithSchedule(expr string) Option {
	return func(r *Reaper) { r.scheduleExpr = expr }
}

// WithRetryPolicy sets the policy reaped jobs are routed through.
func WithRetryPolicy(p worker.RetryPolicy) Option {
	return func(r *Reaper) { r.policy = p }
}

// Reaper periodically sweeps the store for stale running jobs.
type Reaper struct {
	store  job.Store
	policy worker.RetryPolicy
	logger *slog.Logger

	jobTimeout   time.Duration
	scheduleExpr string
	schedule     cronlib.Schedule

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a Reaper. The default cadence is a sweep every 30
// seconds with a 10 minute job timeout.
func New(store job.Store, logger *slog.Logger, opts ...Option) (*Reaper, error) {
	r := &Reaper{
		store:        store,
		policy:       worker.DefaultRetryPolicy(),
		logger:       logger,
		jobTimeout:   10 * time.Minute,
		scheduleExpr: "@every 30s",
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	schedule, err := cronParser.Parse(r.scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("reaper: parse schedule %q: %w", r.scheduleExpr, err)
	}
	r.schedule = schedule
	return r, nil
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true

	r.wg.Add(1)
	go r.run()

	r.logger.Info("reaper started",
		slog.String("schedule", r.scheduleExpr),
		slog.Duration("job_timeout", r.jobTimeout),
	)
	return nil
}

// Stop signals the sweep loop to stop and waits for it to finish.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("reaper stopped")
	return nil
}

func (r *Reaper) run() {
	defer r.wg.Done()

	for {
		now := time.Now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.Sweep(context.Background(), time.Now().UTC()); err != nil {
				r.logger.Error("reaper sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep runs one pass over the running jobs and reaps every job whose
// start time is more than the timeout before now. It returns the number
// of jobs reaped. Races with worker completions and overlapping sweeps
// resolve through the store's conditional transition: whoever loses is
// a silent no-op, so a stale job is reaped exactly once.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	stale, err := r.store.ListJobs(ctx, job.Filter{Status: job.StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("reaper: list running jobs: %w", err)
	}

	reaped := 0
	for _, j := range stale {
		if j.StartedAt == nil || now.Sub(*j.StartedAt) <= r.jobTimeout {
			continue
		}

		updated, err := r.policy.Fail(ctx, r.store, j, timedOutMessage, now)
		if err != nil {
			if errors.Is(err, convoy.ErrNotApplied) || errors.Is(err, convoy.ErrJobNotFound) {
				// The owning worker finished first, or another sweep
				// got there. Nothing to do.
				continue
			}
			return reaped, fmt.Errorf("reaper: reap job %s: %w", j.ID, err)
		}
		reaped++

		if updated.Status == job.StatusFailed {
			r.logger.Warn("reaped stale job failed terminally",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.Time("started_at", *j.StartedAt),
			)
		} else {
			r.logger.Info("reaped stale job requeued",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", string(j.Type)),
				slog.Int("attempt", updated.RetryCount),
			)
		}
	}
	return reaped, nil
}
