package registry

import (
	"time"

	"github.com/wayfound/convoy/id"
)

// WorkerStatus describes what a worker is doing right now.
type WorkerStatus string

const (
	// WorkerIdle means the worker is polling but has no claimed job.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy means the worker is executing a claimed job.
	WorkerBusy WorkerStatus = "busy"
)

// Worker is a single worker process as seen by the registry.
type Worker struct {
	ID            id.WorkerID  `json:"id"`
	Hostname      string       `json:"hostname"`
	Status        WorkerStatus `json:"status"`
	CurrentJob    id.JobID     `json:"current_job,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// Alive reports whether the worker heartbeated within the window ending
// at now.
func (w *Worker) Alive(now time.Time, window time.Duration) bool {
	return now.Sub(w.LastHeartbeat) <= window
}
