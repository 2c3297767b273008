package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// jobChannel is the NOTIFY channel all job mutations publish to.
const jobChannel = "convoy_jobs"

// changeNote is the notification payload. It carries identity only;
// watchers re-fetch the row, so delivery is at-most-once without being
// lossy in effect.
type changeNote struct {
	Op    job.Op `json:"op"`
	JobID string `json:"job_id"`
	Owner string `json:"owner,omitempty"`
}

// notify publishes a change to the job channel. Failures are logged and
// swallowed: the row is already persisted and watchers converge by
// re-fetching on their next notification.
func (s *Store) notify(ctx context.Context, op job.Op, jobID id.JobID, owner string) {
	payload, err := json.Marshal(changeNote{Op: op, JobID: jobID.String(), Owner: owner})
	if err != nil {
		s.logger.Warn("encode job notification", "job_id", jobID, "error", err)
		return
	}
	if _, err := s.pool.Exec(ctx,
		`SELECT pg_notify($1, $2)`, jobChannel, string(payload),
	); err != nil {
		s.logger.Warn("notify job watchers", "job_id", jobID, "error", err)
	}
}

// WatchJobs subscribes to job changes via LISTEN/NOTIFY on a dedicated
// pooled connection. The channel closes when ctx is cancelled or the
// connection fails; callers reconnect by calling WatchJobs again.
func (s *Store) WatchJobs(ctx context.Context, owner string) (<-chan job.Change, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("convoy/postgres: acquire watch connection: %w", err)
	}

	if _, err := conn.Exec(ctx, `LISTEN `+jobChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("convoy/postgres: listen: %w", err)
	}

	ch := make(chan job.Change, 64)

	go func() {
		defer close(ch)
		defer conn.Release()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("job watch connection lost", "error", err)
				}
				return
			}

			var note changeNote
			if err := json.Unmarshal([]byte(n.Payload), &note); err != nil {
				s.logger.Warn("decode job notification", "payload", n.Payload, "error", err)
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

			// Fetch the current row; the notification is only a hint.
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
	}()

	return ch, nil
}
