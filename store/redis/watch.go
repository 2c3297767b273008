package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// changeNote is the Pub/Sub payload. Identity only; watchers re-fetch
// the row for current state.
type changeNote struct {
	Op    job.Op `json:"op"`
	JobID string `json:"job_id"`
	Owner string `json:"owner,omitempty"`
}

// publish announces a change on the job channel. Failures are logged
// and swallowed; the mutation is already durable.
func (s *Store) publish(ctx context.Context, op job.Op, jobID, owner string) {
	payload, err := json.Marshal(changeNote{Op: op, JobID: jobID, Owner: owner})
	if err != nil {
		s.logger.Warn("encode job notification", "job_id", jobID, "error", err)
		return
	}
	if err := s.client.Publish(ctx, changeChannel, payload).Err(); err != nil {
		s.logger.Warn("publish job change", "job_id", jobID, "error", err)
	}
}

// WatchJobs subscribes to job changes via Pub/Sub. The channel closes
// when ctx is cancelled or the subscription fails; callers reconnect by
// calling WatchJobs again.
func (s *Store) WatchJobs(ctx context.Context, owner string) (<-chan job.Change, error) {
	sub := s.client.Subscribe(ctx, changeChannel)

	// Force the subscription to establish so failures surface here
	// rather than as a silently dead channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("convoy/redis: subscribe: %w", err)
	}

	ch := make(chan job.Change, 64)

	go func() {
		defer close(ch)
		defer sub.Close() //nolint:errcheck // nothing to do with the error here

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var note changeNote
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					s.logger.Warn("decode job notification", "payload", msg.Payload, "error", err)
					continue
				}
				if owner != "" && note.Owner != owner {
					continue
				}

				jobID, err := id.ParseJobID(note.JobID)
				if err != nil {
					s.logger.Warn("bad job id in notification", "job_id", note.JobID, "error", err)
					continue
				}

				j, err := s.GetJob(ctx, jobID)
				if err != nil {
					continue
				}

				select {
				case ch <- job.Change{Op: note.Op, Job: j}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
