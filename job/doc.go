// Package job defines the job entity, its state machine, and the store
// contract the rest of convoy is built on.
//
// # Job Entity
//
// A [Job] represents a unit of asynchronous work recorded in the shared
// store. It embeds [convoy.Entity] for timestamps, carries an opaque
// payload, and progresses through a state machine:
//
//	queued → running → completed
//	queued → running → queued (retryable failure) → running → ...
//	queued → running → failed
//	queued|running → cancelled
//
// completed, failed, and cancelled are terminal.
//
// # Conditional transitions
//
// Every status change goes through [Store.ApplyIfStatus], a store-level
// compare-and-swap: the patch applies only if the row's current status
// equals the expected one, otherwise the call reports
// [convoy.ErrNotApplied]. This is the concurrency anchor of the whole
// subsystem — concurrently polling workers, the cancel path, and the
// stale-job reaper all race through it and at most one of them wins.
//
// Patches are built only through the blessed constructors ([ClaimPatch],
// [CompletePatch], [RetryPatch], [FailPatch], [CancelPatch], and
// [ReleasePatch]) so that illegal transitions cannot be expressed.
package job
