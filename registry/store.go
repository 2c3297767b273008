package registry

import (
	"context"
	"time"

	"github.com/wayfound/convoy/id"
)

// Store defines the persistence contract for the worker registry.
type Store interface {
	// RegisterWorker upserts a worker record, marking it idle with a
	// fresh heartbeat. Re-registering an existing ID is allowed and
	// resets its record.
	RegisterWorker(ctx context.Context, w *Worker) error

	// Heartbeat refreshes a worker's last-heartbeat timestamp and
	// records its current status and job. Returns
	// convoy.ErrWorkerNotFound for unknown workers.
	Heartbeat(ctx context.Context, workerID id.WorkerID, status WorkerStatus, currentJob id.JobID) error

	// DeregisterWorker removes a worker from the registry, typically
	// on graceful shutdown.
	DeregisterWorker(ctx context.Context, workerID id.WorkerID) error

	// ListActiveWorkers returns workers whose heartbeat falls within
	// the given liveness window.
	ListActiveWorkers(ctx context.Context, window time.Duration) ([]*Worker, error)
}
