package worker_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/store/memory"
	"github.com/wayfound/convoy/worker"
)

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration, opts ...worker.PoolOption) (
	*worker.Pool, *memory.Store, *worker.Registry,
) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := worker.NewRegistry()

	exec := worker.NewExecutor(reg, s, worker.DefaultRetryPolicy(), logger)

	all := append([]worker.PoolOption{
		worker.WithPoolConcurrency(concurrency),
		worker.WithPollInterval(pollInterval),
	}, opts...)
	pool := worker.NewPool(s, exec, logger, all...)

	return pool, s, reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _ := setupTestPool(t, 2, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	reg.Register(job.TypeExportBuild, worker.Typed(
		func(_ context.Context, _ *worker.Run, p struct{ Format string }) ([]byte, error) {
			if p.Format != "gpx" {
				t.Errorf("payload.Format = %q, want %q", p.Format, "gpx")
			}
			processed.Store(true)
			return []byte(`{"url":"/exports/1.zip"}`), nil
		}))

	j := newQueuedJob(job.TypeExportBuild, 3)
	j.Payload = []byte(`{"Format":"gpx"}`)
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "job to be processed", processed.Load)
	stopPool(t, pool)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
}

func TestPool_FailedJob(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	reg.Register(job.TypeTwoFactor, worker.ProcessorFunc(
		func(_ context.Context, _ *worker.Run) ([]byte, error) {
			processed.Store(true)
			return nil, context.DeadlineExceeded
		}))

	j := newQueuedJob(job.TypeTwoFactor, 0)
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "job to be processed", processed.Load)
	stopPool(t, pool)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusFailed)
	}
	if got.LastError == "" {
		t.Error("expected LastError to be set")
	}
}

func TestPool_ClaimsByPriority(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var mu sync.Mutex
	var order []job.Priority
	reg.Register(job.TypeImageRender, worker.ProcessorFunc(
		func(_ context.Context, run *worker.Run) ([]byte, error) {
			mu.Lock()
			order = append(order, run.Job().Priority)
			mu.Unlock()
			return nil, nil
		}))

	low := newQueuedJob(job.TypeImageRender, 0)
	low.Priority = job.PriorityLow
	high := newQueuedJob(job.TypeImageRender, 0)
	high.Priority = job.PriorityHigh

	// Enqueue low first so creation order and priority order disagree.
	for _, j := range []*job.Job{low, high} {
		if err := s.EnqueueJob(context.Background(), j); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "both jobs to be processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	stopPool(t, pool)

	mu.Lock()
	defer mu.Unlock()
	if order[0] != job.PriorityHigh || order[1] != job.PriorityLow {
		t.Errorf("processing order = %v, want [high low]", order)
	}
}

func TestPool_HonorsNotBefore(t *testing.T) {
	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond)

	var processed atomic.Bool
	reg.Register(job.TypeVisitDetect, worker.ProcessorFunc(
		func(_ context.Context, _ *worker.Run) ([]byte, error) {
			processed.Store(true)
			return nil, nil
		}))

	j := newQueuedJob(job.TypeVisitDetect, 3)
	j.NotBefore = time.Now().UTC().Add(time.Hour)
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	stopPool(t, pool)

	if processed.Load() {
		t.Error("job behind its NotBefore gate must not be claimed")
	}
	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusQueued)
	}
}

// rejectNManager rejects the first n Acquire calls, then admits everything.
type rejectNManager struct {
	remaining atomic.Int64
	rejected  atomic.Int64
}

func (m *rejectNManager) Acquire(_ job.Type, _ string) bool {
	if m.remaining.Add(-1) >= 0 {
		m.rejected.Add(1)
		return false
	}
	return true
}

func (m *rejectNManager) Release(_ job.Type, _ string) {}

func TestPool_ThrottledClaimReturnsToQueue(t *testing.T) {
	manager := &rejectNManager{}
	manager.remaining.Store(2)

	pool, s, reg := setupTestPool(t, 1, 10*time.Millisecond,
		worker.WithQueueManager(manager))

	var processed atomic.Bool
	reg.Register(job.TypeModeDetect, worker.ProcessorFunc(
		func(_ context.Context, _ *worker.Run) ([]byte, error) {
			processed.Store(true)
			return nil, nil
		}))

	j := newQueuedJob(job.TypeModeDetect, 3)
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "job to survive throttling and complete", processed.Load)
	stopPool(t, pool)

	if manager.rejected.Load() != 2 {
		t.Errorf("rejected = %d, want 2", manager.rejected.Load())
	}

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusCompleted)
	}
	// Throttle rejections return the claim without spending retries.
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", got.RetryCount)
	}
}

func TestPool_RegistersAndDeregistersWorker(t *testing.T) {
	pool, s, _ := setupTestPool(t, 1, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	workers, err := s.ListActiveWorkers(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("list workers error: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 registered worker, got %d", len(workers))
	}
	if workers[0].ID != pool.WorkerID() {
		t.Errorf("registered worker = %s, want %s", workers[0].ID, pool.WorkerID())
	}

	stopPool(t, pool)

	workers, err = s.ListActiveWorkers(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("list workers error: %v", err)
	}
	if len(workers) != 0 {
		t.Errorf("expected worker deregistered on stop, got %d", len(workers))
	}
}

func TestPool_Heartbeats(t *testing.T) {
	pool, s, _ := setupTestPool(t, 1, 50*time.Millisecond,
		worker.WithHeartbeatInterval(10*time.Millisecond))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	var registeredAt time.Time
	workers, err := s.ListActiveWorkers(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("list workers error: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	registeredAt = workers[0].LastHeartbeat

	waitFor(t, "heartbeat to advance", func() bool {
		workers, err := s.ListActiveWorkers(context.Background(), time.Minute)
		if err != nil || len(workers) != 1 {
			return false
		}
		return workers[0].LastHeartbeat.After(registeredAt)
	})

	stopPool(t, pool)
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _, _ := setupTestPool(t, 4, 50*time.Millisecond)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow workers to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}
