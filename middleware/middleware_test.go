package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeTrackImport}
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	err := chain(context.Background(), j, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("handler error")

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeImageRender}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if got := err.Error(); got != "panic in image_render job: test panic" {
		t.Errorf("unexpected error message: %q", got)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	logger := slog.Default()
	mw := middleware.Recover(logger)
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeTwoFactor}

	called := false
	err := mw(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called")
	}
}

func TestTimeout_CancelsContext(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)
	j := &job.Job{ID: id.NewJobID(), Type: job.TypeExportBuild}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroDisables(t *testing.T) {
	mw := middleware.Timeout(0)
	j := &job.Job{ID: id.NewJobID()}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		if _, hasDeadline := ctx.Deadline(); hasDeadline {
			t.Error("expected no deadline with zero timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
