package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wayfound/convoy/job"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; every type passes.
	if !m.Acquire(job.TypeTrackImport, "") {
		t.Fatal("expected Acquire to succeed for unconfigured type")
	}
	m.Release(job.TypeTrackImport, "")
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeExportBuild,
		MaxConcurrency: 2,
	})

	if !m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release(job.TypeExportBuild, "")
	if !m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeImageRender,
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire(job.TypeImageRender, "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount(job.TypeImageRender) != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount(job.TypeImageRender))
	}

	m.Release(job.TypeImageRender, "")
	m.Release(job.TypeImageRender, "")
	if m.ActiveCount(job.TypeImageRender) != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount(job.TypeImageRender))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Type:      job.TypeExportBuild,
		RateLimit: 1.0,
		RateBurst: 1,
	})

	if !m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(job.TypeExportBuild, "")

	// Token bucket is empty right away.
	if m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(job.TypeExportBuild, "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(job.TypeExportBuild, "")
}

func TestManager_ConcurrencyRejectionKeepsTokens(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeImageRender,
		MaxConcurrency: 1,
		RateLimit:      0.1,
		RateBurst:      2,
	})

	if !m.Acquire(job.TypeImageRender, "") {
		t.Fatal("first Acquire should succeed")
	}

	// Rejections at the concurrency cap must not spend rate tokens.
	for range 3 {
		if m.Acquire(job.TypeImageRender, "") {
			t.Fatal("Acquire should fail at the concurrency cap")
		}
	}

	m.Release(job.TypeImageRender, "")
	if !m.Acquire(job.TypeImageRender, "") {
		t.Fatal("Acquire should succeed once the slot frees, burst untouched")
	}
	m.Release(job.TypeImageRender, "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Type:      job.TypeTwoFactor,
		RateLimit: 10.0,
		RateBurst: 3,
	})

	for i := range 3 {
		if !m.Acquire(job.TypeTwoFactor, "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(job.TypeTwoFactor, "")
	}
}

// ---------------------------------------------------------------------------
// Per-owner isolation
// ---------------------------------------------------------------------------

func TestManager_OwnerConcurrency(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeTrackImport,
		MaxConcurrency: 100,
	})

	m.SetOwnerConfig(OwnerConfig{
		Type:           job.TypeTrackImport,
		Owner:          "user-a",
		MaxConcurrency: 1,
	})

	if !m.Acquire(job.TypeTrackImport, "user-a") {
		t.Fatal("user-a first Acquire should succeed")
	}
	if m.Acquire(job.TypeTrackImport, "user-a") {
		t.Fatal("user-a second Acquire should fail (owner max 1)")
	}

	// An owner without a config is unconstrained.
	if !m.Acquire(job.TypeTrackImport, "user-b") {
		t.Fatal("user-b Acquire should succeed (no owner limit)")
	}

	m.Release(job.TypeTrackImport, "user-a")
	m.Release(job.TypeTrackImport, "user-b")
}

func TestManager_OwnerIsolation(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeVisitDetect,
		MaxConcurrency: 100,
	})

	m.SetOwnerConfig(OwnerConfig{
		Type:           job.TypeVisitDetect,
		Owner:          "user-a",
		MaxConcurrency: 2,
	})
	m.SetOwnerConfig(OwnerConfig{
		Type:           job.TypeVisitDetect,
		Owner:          "user-b",
		MaxConcurrency: 2,
	})

	m.Acquire(job.TypeVisitDetect, "user-a")
	m.Acquire(job.TypeVisitDetect, "user-a")

	if m.Acquire(job.TypeVisitDetect, "user-a") {
		t.Fatal("user-a should be blocked at max concurrency")
	}
	if !m.Acquire(job.TypeVisitDetect, "user-b") {
		t.Fatal("user-b should not be affected by user-a's limits")
	}

	m.Release(job.TypeVisitDetect, "user-a")
	m.Release(job.TypeVisitDetect, "user-a")
	m.Release(job.TypeVisitDetect, "user-b")
}

func TestManager_OwnerActiveCount(t *testing.T) {
	m := NewManager(Config{Type: job.TypeModeDetect, MaxConcurrency: 10})
	m.SetOwnerConfig(OwnerConfig{
		Type:           job.TypeModeDetect,
		Owner:          "user-a",
		MaxConcurrency: 5,
	})

	m.Acquire(job.TypeModeDetect, "user-a")
	m.Acquire(job.TypeModeDetect, "user-a")

	if got := m.OwnerActiveCount(job.TypeModeDetect, "user-a"); got != 2 {
		t.Fatalf("expected owner active 2, got %d", got)
	}

	m.Release(job.TypeModeDetect, "user-a")
	if got := m.OwnerActiveCount(job.TypeModeDetect, "user-a"); got != 1 {
		t.Fatalf("expected owner active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeImageRender,
		MaxConcurrency: 1,
	})

	m.Acquire(job.TypeImageRender, "")
	if m.Acquire(job.TypeImageRender, "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetConfig(Config{
		Type:           job.TypeImageRender,
		MaxConcurrency: 3,
	})

	if !m.Acquire(job.TypeImageRender, "") {
		t.Fatal("should succeed after raising concurrency")
	}
	m.Release(job.TypeImageRender, "")
	m.Release(job.TypeImageRender, "")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeTrackImport,
		MaxConcurrency: 50,
	})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(job.TypeTrackImport, "") {
				acquired.Add(1)
				time.Sleep(time.Millisecond)
				m.Release(job.TypeTrackImport, "")
			}
		}()
	}

	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if m.ActiveCount(job.TypeTrackImport) != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount(job.TypeTrackImport))
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Type:           job.TypeExportBuild,
		MaxConcurrency: 5,
	})

	m.Release(job.TypeExportBuild, "")
	if m.ActiveCount(job.TypeExportBuild) != 0 {
		t.Fatal("active count should not go below 0")
	}
}
