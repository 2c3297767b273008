package job

import (
	"fmt"
	"time"

	"github.com/wayfound/convoy/id"
)

// Patch is the set of fields a conditional transition applies atomically.
// Stores must apply every flagged field and the target Status in a single
// storage-level operation guarded by the expected-status precondition.
//
// Build patches through the constructors below; they are the only places
// allowed to compose one.
type Patch struct {
	// Status is the target status. Always set.
	Status Status

	SetWorker bool
	WorkerID  id.WorkerID // the Nil ID clears the column

	SetProgress bool
	Progress    int

	SetResult bool
	Result    []byte

	SetError  bool
	LastError string

	SetRetryCount bool
	RetryCount    int

	SetNotBefore bool
	NotBefore    time.Time

	SetStartedAt bool
	StartedAt    *time.Time // nil clears

	SetCompletedAt bool
	CompletedAt    *time.Time
}

// ClaimPatch transitions queued → running: the claiming worker takes
// ownership, the start time is stamped, and progress resets to zero.
func ClaimPatch(workerID id.WorkerID, now time.Time) Patch {
	started := now
	return Patch{
		Status:       StatusRunning,
		SetWorker:    true,
		WorkerID:     workerID,
		SetStartedAt: true,
		StartedAt:    &started,
		SetProgress:  true,
		Progress:     0,
	}
}

// CompletePatch transitions running → completed with the final result.
func CompletePatch(result []byte, now time.Time) Patch {
	completed := now
	return Patch{
		Status:         StatusCompleted,
		SetWorker:      true,
		WorkerID:       id.Nil,
		SetProgress:    true,
		Progress:       100,
		SetResult:      true,
		Result:         result,
		SetCompletedAt: true,
		CompletedAt:    &completed,
	}
}

// RetryPatch transitions running → queued after a retryable failure:
// the retry counter advances, ownership and the start time clear,
// progress resets, and notBefore gates re-selection (zero for
// immediately eligible).
func RetryPatch(message string, retryCount int, notBefore time.Time) Patch {
	return Patch{
		Status:        StatusQueued,
		SetWorker:     true,
		WorkerID:      id.Nil,
		SetStartedAt:  true,
		StartedAt:     nil,
		SetProgress:   true,
		Progress:      0,
		SetError:      true,
		LastError:     message,
		SetRetryCount: true,
		RetryCount:    retryCount,
		SetNotBefore:  true,
		NotBefore:     notBefore,
	}
}

// FailPatch transitions running → failed once the retry budget is spent.
// The message should combine the budget and the last error, e.g.
// FailMessage(3, err).
func FailPatch(message string, now time.Time) Patch {
	completed := now
	return Patch{
		Status:         StatusFailed,
		SetWorker:      true,
		WorkerID:       id.Nil,
		SetError:       true,
		LastError:      message,
		SetCompletedAt: true,
		CompletedAt:    &completed,
	}
}

// CancelPatch transitions queued|running → cancelled.
func CancelPatch(now time.Time) Patch {
	completed := now
	return Patch{
		Status:         StatusCancelled,
		SetWorker:      true,
		WorkerID:       id.Nil,
		SetCompletedAt: true,
		CompletedAt:    &completed,
	}
}

// ReleasePatch transitions running → queued without consuming retry
// budget. Used when a claimed job cannot be admitted locally (throttled
// job type) and must return to the pool.
func ReleasePatch(notBefore time.Time) Patch {
	return Patch{
		Status:       StatusQueued,
		SetWorker:    true,
		WorkerID:     id.Nil,
		SetStartedAt: true,
		StartedAt:    nil,
		SetProgress:  true,
		Progress:     0,
		SetNotBefore: true,
		NotBefore:    notBefore,
	}
}

// FailMessage is the canonical terminal-failure message: the retry budget
// combined with the last processing error.
func FailMessage(maxRetries int, lastErr string) string {
	return fmt.Sprintf("failed after %d retries: %s", maxRetries, lastErr)
}

// Apply writes the patch onto j in place and stamps UpdatedAt. Backends
// that hold the row in process memory use this; SQL backends express the
// same field set as an UPDATE.
func (p Patch) Apply(j *Job, now time.Time) {
	j.Status = p.Status
	if p.SetWorker {
		j.WorkerID = p.WorkerID
	}
	if p.SetProgress {
		j.Progress = p.Progress
	}
	if p.SetResult {
		j.Result = p.Result
	}
	if p.SetError {
		j.LastError = p.LastError
	}
	if p.SetRetryCount {
		j.RetryCount = p.RetryCount
	}
	if p.SetNotBefore {
		j.NotBefore = p.NotBefore
	}
	if p.SetStartedAt {
		j.StartedAt = p.StartedAt
	}
	if p.SetCompletedAt {
		j.CompletedAt = p.CompletedAt
	}
	j.UpdatedAt = now
}
