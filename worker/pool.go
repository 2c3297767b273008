package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/backoff"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/registry"
)

// Store is what the pool needs from persistence: the job store to claim
// and execute against, and the worker registry to report liveness into.
type Store interface {
	job.Store
	registry.Store
}

// QueueManager throttles claims per job type and owner. The pool calls
// Acquire after winning a claim and Release when execution finishes; a
// rejected Acquire sends the job straight back to queued.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the type/owner
	// combination. Returns true if the job may proceed.
	Acquire(jobType job.Type, owner string) bool
	// Release decrements the active count for the type/owner pair.
	Release(jobType job.Type, owner string)
}

// Pool manages a set of concurrent goroutines that poll the store for
// queued jobs, race other workers for claims, and execute what they win.
type Pool struct {
	store    Store
	executor *Executor
	logger   *slog.Logger

	workerID    id.WorkerID
	hostname    string
	concurrency int

	pollInterval time.Duration
	pollJitter   time.Duration
	errorBackoff backoff.Strategy

	heartbeatInterval time.Duration

	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent claim loops.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often an idle loop polls for queued jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithPollJitter adds up to d of random extra sleep per poll so a fleet
// of workers does not hit the store in lockstep.
func WithPollJitter(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollJitter = d }
}

// WithHeartbeatInterval sets how often the pool reports liveness to the
// worker registry. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithErrorBackoff sets the sleep strategy after consecutive store
// errors in the claim loop.
func WithErrorBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.errorBackoff = s }
}

// WithQueueManager sets the throttle consulted after each won claim.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithHostname overrides the hostname reported to the registry.
func WithHostname(h string) PoolOption {
	return func(p *Pool) { p.hostname = h }
}

// NewPool creates a worker pool.
func NewPool(store Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	hostname, _ := os.Hostname() //nolint:errcheck // empty hostname is acceptable
	p := &Pool{
		store:        store,
		executor:     executor,
		logger:       logger,
		workerID:     id.NewWorkerID(),
		hostname:     hostname,
		concurrency:  4,
		pollInterval: time.Second,
		errorBackoff: backoff.DefaultStrategy(),
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start registers the worker and launches the claim loops. It returns
// immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.store.RegisterWorker(ctx, &registry.Worker{
		ID:       p.workerID,
		Hostname: p.hostname,
	}); err != nil {
		return err
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("hostname", p.hostname),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	return nil
}

// Stop signals all loops to stop and waits for in-flight jobs. If the
// context expires first, active jobs are cancelled and the pool waits
// for them to unwind.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	if err := p.store.DeregisterWorker(context.WithoutCancel(ctx), p.workerID); err != nil &&
		!errors.Is(err, convoy.ErrWorkerNotFound) {
		p.logger.Warn("failed to deregister worker", slog.String("error", err.Error()))
	}
	return nil
}

// claimLoop is run by each pool goroutine: select a candidate, race for
// the claim, execute on a win.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	errAttempts := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		candidate, err := p.store.NextQueued(context.Background())
		if err != nil {
			errAttempts++
			p.logger.Error("poll error", slog.String("error", err.Error()))
			p.sleepFor(p.errorBackoff.Delay(errAttempts))
			continue
		}
		errAttempts = 0

		if candidate == nil {
			p.sleep()
			continue
		}

		now := time.Now().UTC()
		claimed, err := p.store.ApplyIfStatus(context.Background(), candidate.ID,
			job.StatusQueued, job.ClaimPatch(p.workerID, now))
		if err != nil {
			if errors.Is(err, convoy.ErrNotApplied) || errors.Is(err, convoy.ErrJobNotFound) {
				// Another worker got there first; go again without sleeping.
				continue
			}
			p.logger.Error("claim error",
				slog.String("job_id", candidate.ID.String()),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}

		if p.queueManager != nil && !p.queueManager.Acquire(claimed.Type, claimed.CreatedBy) {
			// Throttled: hand the claim back without spending the
			// retry budget, gated past the next poll.
			p.release(claimed)
			p.sleep()
			continue
		}

		p.execute(claimed)

		if p.queueManager != nil {
			p.queueManager.Release(claimed.Type, claimed.CreatedBy)
		}
	}
}

// release returns a throttled claim to the queue.
func (p *Pool) release(j *job.Job) {
	notBefore := time.Now().UTC().Add(p.pollInterval)
	if _, err := p.store.ApplyIfStatus(context.Background(), j.ID,
		job.StatusRunning, job.ReleasePatch(notBefore)); err != nil &&
		!errors.Is(err, convoy.ErrNotApplied) {
		p.logger.Error("failed to release throttled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) execute(j *job.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	defer func() {
		p.untrackJob(j.ID.String())
		cancel()
	}()

	if err := p.executor.Execute(ctx, j, p.workerID); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop reports liveness and what the pool is doing.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeat()
		}
	}
}

func (p *Pool) sendHeartbeat() {
	status := registry.WorkerIdle
	currentJob := id.Nil

	p.activeMu.Lock()
	for jobID := range p.activeJobs {
		status = registry.WorkerBusy
		if parsed, err := id.ParseJobID(jobID); err == nil {
			currentJob = parsed
		}
		break
	}
	p.activeMu.Unlock()

	if err := p.store.Heartbeat(context.Background(), p.workerID, status, currentJob); err != nil {
		p.logger.Warn("heartbeat failed",
			slog.String("worker_id", p.workerID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// sleep waits one jittered poll interval or until stop.
func (p *Pool) sleep() {
	d := p.pollInterval
	if p.pollJitter > 0 {
		d += rand.N(p.pollJitter) //nolint:gosec // jitter does not need crypto rand
	}
	p.sleepFor(d)
}

func (p *Pool) sleepFor(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
