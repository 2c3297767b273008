package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/engine"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/store/memory"
	"github.com/wayfound/convoy/stream"
	"github.com/wayfound/convoy/worker"
)

func newTestCoordinator(t *testing.T, opts ...engine.Option) (*engine.Coordinator, *memory.Store) {
	t.Helper()
	s := memory.New()
	all := append([]engine.Option{
		engine.WithStore(s),
		engine.WithLogger(slog.Default()),
		engine.WithConcurrency(2),
		engine.WithPollInterval(10 * time.Millisecond),
	}, opts...)
	c, err := engine.New(all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, s
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := engine.New()
	if !errors.Is(err, convoy.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestEnqueueAndGet(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	j, err := c.Enqueue(ctx, job.TypeExportBuild, []byte(`{"format":"gpx"}`), job.PriorityHigh, "user-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("status = %q, want %q", j.Status, job.StatusQueued)
	}
	if j.MaxRetries != convoy.DefaultConfig().MaxRetries {
		t.Errorf("max retries = %d, want default %d", j.MaxRetries, convoy.DefaultConfig().MaxRetries)
	}

	got, err := c.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != job.TypeExportBuild || got.CreatedBy != "user-1" || got.Priority != job.PriorityHigh {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestEnqueueOptions(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	gate := time.Now().UTC().Add(time.Hour)
	j, err := c.Enqueue(ctx, job.TypeTwoFactor, nil, job.PriorityHigh, "user-1",
		engine.WithRetryBudget(0),
		engine.WithNotBefore(gate),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.MaxRetries != 0 {
		t.Errorf("max retries = %d, want 0", j.MaxRetries)
	}
	if !j.NotBefore.Equal(gate) {
		t.Errorf("not before = %v, want %v", j.NotBefore, gate)
	}
}

func TestEnqueueRejectsUnknownPriority(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	for _, p := range []job.Priority{job.Priority(7), job.Priority(-1)} {
		_, err := c.Enqueue(ctx, job.TypeTrackImport, nil, p, "user-1")
		if !errors.Is(err, convoy.ErrInvalidPriority) {
			t.Errorf("priority %d: expected ErrInvalidPriority, got %v", p, err)
		}
	}

	n, err := s.CountJobs(ctx, job.Filter{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no jobs stored, got %d", n)
	}
}

func TestListAndCount(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	for range 3 {
		if _, err := c.Enqueue(ctx, job.TypeTrackImport, nil, job.PriorityNormal, "user-1"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := c.Enqueue(ctx, job.TypeExportBuild, nil, job.PriorityNormal, "user-2"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	jobs, err := c.List(ctx, job.Filter{CreatedBy: "user-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("listed %d jobs, want 3", len(jobs))
	}

	n, err := c.Count(ctx, job.Filter{Type: job.TypeExportBuild})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestCancelQueued(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	j, err := c.Enqueue(ctx, job.TypeImageRender, nil, job.PriorityLow, "user-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := c.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := c.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %q, want %q", got.Status, job.StatusCancelled)
	}

	// Already terminal: a second cancel is rejected.
	if err := c.Cancel(ctx, j.ID); !errors.Is(err, convoy.ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelRunning(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	j, err := c.Enqueue(ctx, job.TypeVisitDetect, nil, job.PriorityNormal, "user-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.ApplyIfStatus(ctx, j.ID, job.StatusQueued,
		job.ClaimPatch(id.NewWorkerID(), time.Now().UTC())); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := c.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := c.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %q, want %q", got.Status, job.StatusCancelled)
	}
}

func TestCancelMissing(t *testing.T) {
	c, _ := newTestCoordinator(t)

	err := c.Cancel(context.Background(), id.NewJobID())
	if !errors.Is(err, convoy.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestEndToEnd(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	type importParams struct {
		TrackURL string `json:"track_url"`
	}
	engine.Register(c, job.TypeTrackImport,
		func(ctx context.Context, run *worker.Run, p importParams) ([]byte, error) {
			if p.TrackURL != "s3://tracks/1.gpx" {
				t.Errorf("payload = %+v", p)
			}
			if err := run.Progress(ctx, 50, nil); err != nil {
				t.Errorf("progress: %v", err)
			}
			return []byte(`{"points":812}`), nil
		})

	sub, err := c.Subscribe(ctx, "user-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	j, err := c.Enqueue(ctx, job.TypeTrackImport,
		[]byte(`{"track_url":"s3://tracks/1.gpx"}`), job.PriorityNormal, "user-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The feed must raise the terminal event for the completed job.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				t.Fatal("subscription closed before completion event")
			}
			if evt.Type == stream.EventJobCompleted {
				got, err := c.Get(ctx, j.ID)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if got.Status != job.StatusCompleted {
					t.Errorf("status = %q, want %q", got.Status, job.StatusCompleted)
				}
				if string(got.Result) != `{"points":812}` {
					t.Errorf("result = %q", got.Result)
				}
				if err := c.Stop(ctx); err != nil {
					t.Fatalf("Stop: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
}

func TestListActiveWorkers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	workers, err := c.ListActiveWorkers(ctx)
	if err != nil {
		t.Fatalf("ListActiveWorkers: %v", err)
	}
	if len(workers) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(workers))
	}
	if workers[0].ID != c.WorkerID() {
		t.Errorf("worker = %s, want %s", workers[0].ID, c.WorkerID())
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
