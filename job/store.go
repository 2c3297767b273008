package job

import (
	"context"

	"github.com/wayfound/convoy/id"
)

// Filter controls job list and count queries. Zero-value fields match
// everything.
type Filter struct {
	// Status filters by job status.
	Status Status
	// Type filters by task kind.
	Type Type
	// CreatedBy filters by owner identity.
	CreatedBy string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for jobs. The single source of
// truth; every implementation must make ApplyIfStatus atomic at the
// storage layer.
type Store interface {
	// EnqueueJob persists a new job in queued state with progress zero.
	EnqueueJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs matching the filter, ordered by creation time.
	ListJobs(ctx context.Context, f Filter) ([]*Job, error)

	// CountJobs returns the number of jobs matching the filter.
	CountJobs(ctx context.Context, f Filter) (int64, error)

	// NextQueued returns the best claim candidate: status queued, past
	// its NotBefore gate, highest priority first, oldest first within a
	// priority band. Returns nil with no error when the queue is empty.
	// The result is advisory — only ApplyIfStatus confers ownership.
	NextQueued(ctx context.Context) (*Job, error)

	// ApplyIfStatus atomically applies the patch iff the row's current
	// status equals expected, returning the updated job. Returns
	// convoy.ErrNotApplied when the precondition does not hold and
	// convoy.ErrJobNotFound when the row does not exist. The only
	// operation permitted to change Status.
	ApplyIfStatus(ctx context.Context, jobID id.JobID, expected Status, p Patch) (*Job, error)

	// UpdateProgress writes a progress snapshot (and optional partial
	// result) in place while the job is running. Calls against a job in
	// any other status are silent no-ops: only the owner writes while
	// running, and late writes after a terminal transition must not
	// resurrect the row.
	UpdateProgress(ctx context.Context, jobID id.JobID, progress int, partial []byte) error
}

// Op distinguishes the row mutations a Watcher reports.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
)

// Change is one observed row mutation.
type Change struct {
	Op  Op
	Job *Job
}

// Watcher streams row-level job mutations scoped to an owner, in
// store-delivery order. The channel closes when the watch ends: because
// ctx was cancelled, or because the underlying notification channel
// failed. Watches carry no replay — only mutations after the call are
// visible, so consumers reconcile by re-fetching after a reconnect.
type Watcher interface {
	WatchJobs(ctx context.Context, owner string) (<-chan Change, error)
}
