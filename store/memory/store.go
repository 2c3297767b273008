// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/registry"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store      = (*Store)(nil)
	_ job.Watcher    = (*Store)(nil)
	_ registry.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	workers map[string]*registry.Worker

	subs   map[int]*subscriber
	nextID int
	closed bool
}

// subscriber is one WatchJobs consumer. A non-blocking send feeds its
// channel; consumers that fall behind miss changes and re-fetch.
type subscriber struct {
	owner string
	ch    chan job.Change
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]*job.Job),
		workers: make(map[string]*registry.Worker),
		subs:    make(map[int]*subscriber),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close shuts down the change feed. Data access keeps working so tests
// can inspect final state.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for sid, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sid)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job in queued state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return convoy.ErrJobExists
	}
	cp := *j
	m.jobs[key] = &cp
	m.notifyLocked(job.OpInsert, &cp)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, convoy.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (m *Store) ListJobs(_ context.Context, f job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !matches(j, f) {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return nil, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the filter.
func (m *Store) CountJobs(_ context.Context, f job.Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if matches(j, f) {
			count++
		}
	}
	return count, nil
}

func matches(j *job.Job, f job.Filter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.CreatedBy != "" && j.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// NextQueued returns the best claim candidate: queued, past its
// NotBefore gate, highest priority first, oldest first within a
// priority. Returns nil, nil when nothing is eligible.
func (m *Store) NextQueued(_ context.Context) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var best *job.Job
	for _, j := range m.jobs {
		if !j.Eligible(now) {
			continue
		}
		if best == nil || claimOrder(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

// claimOrder reports whether a should be claimed before b.
func claimOrder(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ApplyIfStatus atomically applies the patch iff the job's current
// status equals expected.
func (m *Store) ApplyIfStatus(_ context.Context, jobID id.JobID, expected job.Status, p job.Patch) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, convoy.ErrJobNotFound
	}
	if j.Status != expected {
		return nil, convoy.ErrNotApplied
	}

	p.Apply(j, time.Now().UTC())
	cp := *j
	m.notifyLocked(job.OpUpdate, &cp)
	return &cp, nil
}

// UpdateProgress writes a progress snapshot for a running job. Jobs in
// any other status ignore the write: a late report from a worker that
// already lost the job must not resurrect it.
func (m *Store) UpdateProgress(_ context.Context, jobID id.JobID, progress int, partial []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return convoy.ErrJobNotFound
	}
	if j.Status != job.StatusRunning {
		return nil
	}

	j.Progress = progress
	if partial != nil {
		j.Result = partial
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	m.notifyLocked(job.OpUpdate, &cp)
	return nil
}

// ──────────────────────────────────────────────────
// Change feed
// ──────────────────────────────────────────────────

// WatchJobs subscribes to job changes, optionally filtered by owner.
// The channel closes when ctx is cancelled or the store is closed.
func (m *Store) WatchJobs(ctx context.Context, owner string) (<-chan job.Change, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, convoy.ErrStoreClosed
	}

	sub := &subscriber{owner: owner, ch: make(chan job.Change, 64)}
	sid := m.nextID
	m.nextID++
	m.subs[sid] = sub
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[sid]; ok {
			close(s.ch)
			delete(m.subs, sid)
		}
	}()

	return sub.ch, nil
}

// notifyLocked fans a change out to matching subscribers. Callers hold
// m.mu. Sends never block; a full subscriber misses the change.
func (m *Store) notifyLocked(op job.Op, j *job.Job) {
	for _, sub := range m.subs {
		if sub.owner != "" && sub.owner != j.CreatedBy {
			continue
		}
		cp := *j
		select {
		case sub.ch <- job.Change{Op: op, Job: &cp}:
		default:
		}
	}
}

// ──────────────────────────────────────────────────
// Worker Registry
// ──────────────────────────────────────────────────

// RegisterWorker upserts a worker record as idle with a fresh heartbeat.
func (m *Store) RegisterWorker(_ context.Context, w *registry.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *w
	cp.Status = registry.WorkerIdle
	cp.CurrentJob = id.Nil
	cp.LastHeartbeat = now
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	m.workers[cp.ID.String()] = &cp
	return nil
}

// Heartbeat refreshes a worker's liveness and records what it is doing.
func (m *Store) Heartbeat(_ context.Context, workerID id.WorkerID, status registry.WorkerStatus, currentJob id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID.String()]
	if !ok {
		return convoy.ErrWorkerNotFound
	}
	w.Status = status
	w.CurrentJob = currentJob
	w.LastHeartbeat = time.Now().UTC()
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (m *Store) DeregisterWorker(_ context.Context, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := workerID.String()
	if _, ok := m.workers[key]; !ok {
		return convoy.ErrWorkerNotFound
	}
	delete(m.workers, key)
	return nil
}

// ListActiveWorkers returns workers that heartbeated within the window.
func (m *Store) ListActiveWorkers(_ context.Context, window time.Duration) ([]*registry.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var result []*registry.Worker
	for _, w := range m.workers {
		if !w.Alive(now, window) {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].ID.String() < result[k].ID.String()
	})
	return result, nil
}
