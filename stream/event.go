// Package stream fans job mutations out to in-process subscribers. The
// Broker is topic-based pub/sub with credit flow control; the Feed
// bridges a store's change-notification channel into per-owner
// subscriptions, raising a distinct terminal event exactly once per job
// on the observed non-terminal to terminal edge.
package stream

import (
	"encoding/json"
	"time"

	"github.com/wayfound/convoy/job"
)

// EventType identifies the kind of job lifecycle event.
type EventType string

const (
	// EventJobQueued fires when a job is enqueued.
	EventJobQueued EventType = "job.queued"
	// EventJobUpdated fires on every observed row mutation.
	EventJobUpdated EventType = "job.updated"
	// EventJobCompleted fires once when a job reaches completed.
	EventJobCompleted EventType = "job.completed"
	// EventJobFailed fires once when a job reaches failed.
	EventJobFailed EventType = "job.failed"
	// EventJobCancelled fires once when a job reaches cancelled.
	EventJobCancelled EventType = "job.cancelled"
)

// terminalEventType maps a terminal status to its edge event.
func terminalEventType(s job.Status) (EventType, bool) {
	switch s {
	case job.StatusCompleted:
		return EventJobCompleted, true
	case job.StatusFailed:
		return EventJobFailed, true
	case job.StatusCancelled:
		return EventJobCancelled, true
	default:
		return "", false
	}
}

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobUpdate is the normalized payload for job lifecycle events. It is a
// snapshot of the row as observed, not a delta: consumers that missed
// events reconcile by re-fetching, never by replay.
type JobUpdate struct {
	JobID      string `json:"job_id"`
	JobType    string `json:"job_type"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
	Progress   int    `json:"progress"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedBy  string `json:"created_by"`
}

// NewJobUpdate builds the normalized payload from a job snapshot.
func NewJobUpdate(j *job.Job) JobUpdate {
	return JobUpdate{
		JobID:      j.ID.String(),
		JobType:    string(j.Type),
		Status:     string(j.Status),
		Priority:   j.Priority.String(),
		Progress:   j.Progress,
		RetryCount: j.RetryCount,
		Error:      j.LastError,
		CreatedBy:  j.CreatedBy,
	}
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}
