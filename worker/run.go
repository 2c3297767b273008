package worker

import (
	"context"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// Run is the handle a processor gets for the job it is executing. It is
// the processor's only line back to the store: progress reports and
// cancellation checks go through it.
type Run struct {
	job      *job.Job
	store    job.Store
	workerID id.WorkerID
}

func newRun(j *job.Job, store job.Store, workerID id.WorkerID) *Run {
	cp := *j
	return &Run{job: &cp, store: store, workerID: workerID}
}

// Job returns a copy of the job as it was claimed.
func (r *Run) Job() *job.Job {
	cp := *r.job
	return &cp
}

// Progress reports completion percentage and an optional partial result.
// The write lands only while the job is still running; once ownership is
// lost the report disappears without error.
func (r *Run) Progress(ctx context.Context, pct int, partial []byte) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return r.store.UpdateProgress(ctx, r.job.ID, pct, partial)
}

// Checkpoint asks whether the worker still owns the job. Long-running
// processors call it between units of work; convoy.ErrCancelled means
// stop now — either a cancel request landed or the job was taken away
// (timed out and requeued). Any other error is a store failure and the
// processor may keep going.
func (r *Run) Checkpoint(ctx context.Context) error {
	current, err := r.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return err
	}
	if current.Status != job.StatusRunning || current.WorkerID != r.workerID {
		return convoy.ErrCancelled
	}
	return nil
}
