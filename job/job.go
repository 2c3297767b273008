package job

import (
	"fmt"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed by a worker.
	StatusQueued Status = "queued"
	// StatusRunning means a worker owns the job and is executing it.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its retry budget.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type identifies one of the closed set of task kinds the product runs in
// the background. Processors are registered per type.
type Type string

const (
	// TypeTrackImport ingests an uploaded GPS track or takeout archive.
	TypeTrackImport Type = "track_import"
	// TypeExportBuild assembles a data export for download.
	TypeExportBuild Type = "export_build"
	// TypeVisitDetect detects visits / points of interest on a track.
	TypeVisitDetect Type = "visit_detect"
	// TypeModeDetect classifies transport modes on track segments.
	TypeModeDetect Type = "mode_detect"
	// TypeImageRender renders trip and sharing images.
	TypeImageRender Type = "image_render"
	// TypeTwoFactor delivers a two-factor authentication code.
	TypeTwoFactor Type = "two_factor"
)

// Priority orders claim selection. It is an explicit total order —
// high beats normal beats low — never the collation of the labels.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// Valid reports whether p is one of the three defined levels. The set is
// closed; arbitrary ints never enter the store.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// String returns the label used in APIs and logs.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a label to its Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, fmt.Errorf("job: unknown priority %q", s)
	}
}

// Job represents a unit of asynchronous work recorded in the shared store.
type Job struct {
	convoy.Entity

	ID       id.JobID `json:"id"`
	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	// Payload is the opaque, task-specific input.
	Payload []byte `json:"payload,omitempty"`

	// Progress is a 0–100 snapshot written in place by the owning worker.
	Progress int `json:"progress"`

	// Result is the opaque output; nil until the job is terminal, though
	// the owner may stage partial results alongside progress updates.
	Result []byte `json:"result,omitempty"`

	// LastError records the most recent processing error.
	LastError string `json:"last_error,omitempty"`

	// RetryCount is monotonically increasing and capped at MaxRetries.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// WorkerID is set iff Status == StatusRunning.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// CreatedBy is the owner identity used for scoped listing and
	// change-notification filtering.
	CreatedBy string `json:"created_by"`

	// NotBefore gates claim selection after a delayed retry.
	// Zero means immediately eligible.
	NotBefore   time.Time  `json:"not_before,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Eligible reports whether the job may be selected as a claim candidate
// at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusQueued && (j.NotBefore.IsZero() || !j.NotBefore.After(now))
}
