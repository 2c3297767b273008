package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/registry"
)

// RegisterWorker upserts a worker record as idle with a fresh heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, w *registry.Worker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO convoy_workers (id, hostname, status, current_job, started_at, last_heartbeat)
		VALUES ($1, $2, 'idle', '', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = 'idle',
			current_job = '',
			started_at = NOW(),
			last_heartbeat = NOW()`,
		w.ID.String(), w.Hostname,
	)
	if err != nil {
		return fmt.Errorf("convoy/postgres: register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness and records what it is doing.
func (s *Store) Heartbeat(ctx context.Context, workerID id.WorkerID, status registry.WorkerStatus, currentJob id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE convoy_workers
		SET status = $2, current_job = $3, last_heartbeat = NOW()
		WHERE id = $1`,
		workerID.String(), string(status), currentJob.String(),
	)
	if err != nil {
		return fmt.Errorf("convoy/postgres: heartbeat worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return convoy.ErrWorkerNotFound
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM convoy_workers WHERE id = $1`, workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("convoy/postgres: deregister worker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return convoy.ErrWorkerNotFound
	}
	return nil
}

// ListActiveWorkers returns workers that heartbeated within the window.
func (s *Store) ListActiveWorkers(ctx context.Context, window time.Duration) ([]*registry.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, status, current_job, started_at, last_heartbeat
		FROM convoy_workers
		WHERE last_heartbeat >= NOW() - $1::interval
		ORDER BY id ASC`,
		window.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("convoy/postgres: list active workers: %w", err)
	}
	defer rows.Close()

	var workers []*registry.Worker
	for rows.Next() {
		var (
			w          registry.Worker
			idStr      string
			statusStr  string
			currentJob string
		)
		if err := rows.Scan(&idStr, &w.Hostname, &statusStr, &currentJob, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("convoy/postgres: scan worker: %w", err)
		}

		parsedID, parseErr := id.ParseWorkerID(idStr)
		if parseErr != nil {
			return nil, fmt.Errorf("convoy/postgres: parse worker id %q: %w", idStr, parseErr)
		}
		w.ID = parsedID
		w.Status = registry.WorkerStatus(statusStr)

		if currentJob != "" {
			if jid, jobErr := id.ParseJobID(currentJob); jobErr == nil {
				w.CurrentJob = jid
			}
		}
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convoy/postgres: iterate workers: %w", err)
	}
	return workers, nil
}
