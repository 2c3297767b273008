// Package engine wires all convoy subsystems together: the processor
// registry, middleware chain, worker pool, reaper, and stream fan-out,
// behind a single Coordinator facade.
//
// This package exists to break the import cycle: the root convoy package
// defines Entity and the sentinel errors (imported by job, worker, etc.)
// and so cannot import those packages back. The engine package sits above
// all subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/backoff"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	mw "github.com/wayfound/convoy/middleware"
	"github.com/wayfound/convoy/queue"
	"github.com/wayfound/convoy/reaper"
	"github.com/wayfound/convoy/registry"
	"github.com/wayfound/convoy/store"
	"github.com/wayfound/convoy/stream"
	"github.com/wayfound/convoy/worker"
)

// Coordinator is the central entry point for job processing. The API
// layer enqueues, cancels, lists and subscribes through it; Start spins
// up the worker pool, the reaper and the change-notification feed.
type Coordinator struct {
	config convoy.Config
	logger *slog.Logger
	st     store.Store

	registry *worker.Registry
	policy   worker.RetryPolicy
	pool     *worker.Pool
	reaper   *reaper.Reaper
	broker   *stream.Broker
	feed     *stream.Feed

	queueConfigs []queue.Config
	queueManager *queue.Manager

	mws []mw.Middleware
	bo  backoff.Strategy

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	started bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore sets the backing store. Required.
func WithStore(s store.Store) Option {
	return func(c *Coordinator) { c.st = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg convoy.Config) Option {
	return func(c *Coordinator) { c.config = cfg }
}

// WithConcurrency sets the maximum number of concurrent job processors.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.config.Concurrency = n }
}

// WithPollInterval sets how often an idle worker polls for queued jobs.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.config.PollInterval = d }
}

// WithHeartbeatInterval sets how often the pool refreshes its registry row.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.config.HeartbeatInterval = d }
}

// WithMaxRetries sets the default retry budget for enqueued jobs.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.config.MaxRetries = n }
}

// WithJobTimeout sets how long a job may stay running before the reaper
// reclaims it.
func WithJobTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.config.JobTimeout = d }
}

// WithMiddleware appends middleware to the execution chain, after the
// built-in recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(c *Coordinator) { c.mws = append(c.mws, m) }
}

// WithBackoff sets the delay strategy between retry attempts. If not
// set, retries wait the configured RetryDelay (constant).
func WithBackoff(b backoff.Strategy) Option {
	return func(c *Coordinator) { c.bo = b }
}

// WithQueueConfig registers per-job-type rate limiting and concurrency
// caps. Types not listed run unthrottled.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(c *Coordinator) { c.queueConfigs = append(c.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meterProvider = mp }
}

// New creates a Coordinator.
func New(opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		config:   convoy.DefaultConfig(),
		logger:   slog.Default(),
		registry: worker.NewRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.st == nil {
		return nil, convoy.ErrNoStore
	}

	if c.bo == nil {
		c.bo = backoff.NewConstant(c.config.RetryDelay)
	}
	c.policy = worker.RetryPolicy{Backoff: c.bo}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if c.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(c.tracerProvider.Tracer("github.com/wayfound/convoy"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if c.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(c.meterProvider.Meter("github.com/wayfound/convoy"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(c.logger),
		tracingMw,
		metricsMw,
		mw.Logging(c.logger),
		mw.Timeout(c.config.JobTimeout),
	}
	allMws = append(allMws, c.mws...)

	executor := worker.NewExecutor(c.registry, c.st, c.policy, c.logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(c.config.Concurrency),
		worker.WithPollInterval(c.config.PollInterval),
		worker.WithPollJitter(c.config.PollJitter),
		worker.WithHeartbeatInterval(c.config.HeartbeatInterval),
	}
	if len(c.queueConfigs) > 0 {
		c.queueManager = queue.NewManager(c.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(c.queueManager))
	}
	c.pool = worker.NewPool(c.st, executor, c.logger, poolOpts...)

	rp, err := reaper.New(c.st, c.logger,
		reaper.WithJobTimeout(c.config.JobTimeout),
		reaper.WithInterval(c.config.ReapInterval),
		reaper.WithRetryPolicy(c.policy),
	)
	if err != nil {
		return nil, err
	}
	c.reaper = rp

	c.broker = stream.NewBroker(c.logger)
	c.feed = stream.NewFeed(c.st, c.logger)

	return c, nil
}

// RegisterProcessor binds a processor to a job type. Registration after
// Start is safe; the next claim of that type sees it.
func (c *Coordinator) RegisterProcessor(t job.Type, p worker.Processor) {
	c.registry.Register(t, p)
}

// Register binds a typed handler to a job type. The raw payload is
// JSON-decoded into T before the handler runs.
func Register[T any](c *Coordinator, t job.Type, fn func(ctx context.Context, run *worker.Run, payload T) ([]byte, error)) {
	c.registry.Register(t, worker.Typed(fn))
}

// EnqueueOption adjusts a single enqueued job.
type EnqueueOption func(*job.Job)

// WithRetryBudget overrides the configured default MaxRetries.
func WithRetryBudget(n int) EnqueueOption {
	return func(j *job.Job) { j.MaxRetries = n }
}

// WithNotBefore delays the job's first claim eligibility.
func WithNotBefore(t time.Time) EnqueueOption {
	return func(j *job.Job) { j.NotBefore = t }
}

// Enqueue records a new queued job owned by the given principal.
func (c *Coordinator) Enqueue(ctx context.Context, jobType job.Type, payload []byte, priority job.Priority, owner string, opts ...EnqueueOption) (*job.Job, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("engine: enqueue %s job: %w", jobType, convoy.ErrInvalidPriority)
	}

	j := &job.Job{
		Entity:     convoy.NewEntity(),
		ID:         id.NewJobID(),
		Type:       jobType,
		Status:     job.StatusQueued,
		Priority:   priority,
		Payload:    payload,
		MaxRetries: c.config.MaxRetries,
		CreatedBy:  owner,
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := c.st.EnqueueJob(ctx, j); err != nil {
		return nil, fmt.Errorf("engine: enqueue %s job: %w", jobType, err)
	}

	c.broker.PublishJob(stream.EventJobQueued, j)
	c.logger.Info("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(jobType)),
		slog.String("priority", priority.String()),
		slog.String("created_by", owner),
	)
	return j, nil
}

// Cancel requests cancellation of a job. A queued job cancels
// immediately; a running job is marked cancelled and its worker stops at
// its next checkpoint. Jobs already terminal return ErrNotCancellable.
func (c *Coordinator) Cancel(ctx context.Context, jobID id.JobID) error {
	now := time.Now().UTC()

	cancelled, err := c.st.ApplyIfStatus(ctx, jobID, job.StatusQueued, job.CancelPatch(now))
	if errors.Is(err, convoy.ErrNotApplied) {
		cancelled, err = c.st.ApplyIfStatus(ctx, jobID, job.StatusRunning, job.CancelPatch(now))
		if errors.Is(err, convoy.ErrNotApplied) {
			return convoy.ErrNotCancellable
		}
	}
	if err != nil {
		return fmt.Errorf("engine: cancel job %s: %w", jobID, err)
	}

	c.broker.PublishJob(stream.EventJobCancelled, cancelled)
	c.logger.Info("job cancelled", slog.String("job_id", jobID.String()))
	return nil
}

// Get retrieves a job by ID.
func (c *Coordinator) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.st.GetJob(ctx, jobID)
}

// List returns jobs matching the filter, ordered by creation time.
func (c *Coordinator) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	return c.st.ListJobs(ctx, f)
}

// Count returns the number of jobs matching the filter.
func (c *Coordinator) Count(ctx context.Context, f job.Filter) (int64, error) {
	return c.st.CountJobs(ctx, f)
}

// ListActiveWorkers returns workers that heartbeated within the
// configured liveness window.
func (c *Coordinator) ListActiveWorkers(ctx context.Context) ([]*registry.Worker, error) {
	return c.st.ListActiveWorkers(ctx, c.config.LivenessWindow)
}

// Subscribe opens a change-notification subscription scoped to one
// owner's jobs. The subscription sees row mutations from the store in
// delivery order, with a distinct terminal event on each completion edge.
func (c *Coordinator) Subscribe(ctx context.Context, owner string) (*stream.Subscription, error) {
	return c.feed.Subscribe(ctx, owner)
}

// Broker returns the in-process event broker for firehose or per-job
// subscriptions.
func (c *Coordinator) Broker() *stream.Broker { return c.broker }

// QueueManager returns the throttle manager, or nil when no queue
// configs were provided.
func (c *Coordinator) QueueManager() *queue.Manager { return c.queueManager }

// WorkerID returns the pool's worker identity.
func (c *Coordinator) WorkerID() id.WorkerID { return c.pool.WorkerID() }

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() convoy.Config { return c.config }

// Start verifies store connectivity and launches the worker pool and
// the reaper. It returns immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.st.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store ping: %w", err)
	}
	if err := c.pool.Start(ctx); err != nil {
		return fmt.Errorf("engine: start pool: %w", err)
	}
	if err := c.reaper.Start(ctx); err != nil {
		return fmt.Errorf("engine: start reaper: %w", err)
	}

	c.started = true
	c.logger.Info("coordinator started",
		slog.String("worker_id", c.pool.WorkerID().String()),
		slog.Int("concurrency", c.config.Concurrency),
	)
	return nil
}

// Stop gracefully shuts everything down: the reaper first, then the
// pool (bounded by ShutdownTimeout), then subscribers, then the store.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	if err := c.reaper.Stop(ctx); err != nil {
		c.logger.Error("reaper stop error", slog.String("error", err.Error()))
	}

	poolCtx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()
	if err := c.pool.Stop(poolCtx); err != nil {
		c.logger.Error("pool stop error", slog.String("error", err.Error()))
	}

	if err := c.broker.Shutdown(ctx); err != nil {
		c.logger.Error("broker shutdown error", slog.String("error", err.Error()))
	}

	if err := c.st.Close(); err != nil {
		return fmt.Errorf("engine: close store: %w", err)
	}
	c.logger.Info("coordinator stopped")
	return nil
}
