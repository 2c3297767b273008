package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/registry"
)

// RegisterWorker upserts a worker record as idle with a fresh heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, w *registry.Worker) error {
	wID := w.ID.String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, workerKey(wID), map[string]any{
		"id":             wID,
		"hostname":       w.Hostname,
		"status":         string(registry.WorkerIdle),
		"current_job":    "",
		"started_at":     now,
		"last_heartbeat": now,
	})
	pipe.SAdd(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("convoy/redis: register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness and records what it is doing.
func (s *Store) Heartbeat(ctx context.Context, workerID id.WorkerID, status registry.WorkerStatus, currentJob id.JobID) error {
	key := workerKey(workerID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("convoy/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return convoy.ErrWorkerNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"status", string(status),
		"current_job", currentJob.String(),
		"last_heartbeat", time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("convoy/redis: heartbeat worker: %w", err)
	}
	return nil
}

// DeregisterWorker removes a worker from the registry.
func (s *Store) DeregisterWorker(ctx context.Context, workerID id.WorkerID) error {
	wID := workerID.String()

	exists, err := s.client.Exists(ctx, workerKey(wID)).Result()
	if err != nil {
		return fmt.Errorf("convoy/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return convoy.ErrWorkerNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, workerKey(wID))
	pipe.SRem(ctx, workerIDsKey, wID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("convoy/redis: deregister worker: %w", err)
	}
	return nil
}

// ListActiveWorkers returns workers that heartbeated within the window.
func (s *Store) ListActiveWorkers(ctx context.Context, window time.Duration) ([]*registry.Worker, error) {
	ids, err := s.client.SMembers(ctx, workerIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("convoy/redis: list workers smembers: %w", err)
	}

	now := time.Now().UTC()
	var workers []*registry.Worker
	for _, wID := range ids {
		vals, getErr := s.client.HGetAll(ctx, workerKey(wID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}

		w, convErr := mapToWorker(vals)
		if convErr != nil {
			continue
		}
		if !w.Alive(now, window) {
			continue
		}
		workers = append(workers, w)
	}

	sort.Slice(workers, func(i, k int) bool {
		return workers[i].ID.String() < workers[k].ID.String()
	})
	return workers, nil
}

func mapToWorker(m map[string]string) (*registry.Worker, error) {
	wID, err := id.ParseWorkerID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("convoy/redis: parse worker id: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	heartbeat, _ := time.Parse(time.RFC3339Nano, m["last_heartbeat"]) //nolint:errcheck // best-effort parse from trusted Redis data

	w := &registry.Worker{
		ID:            wID,
		Hostname:      m["hostname"],
		Status:        registry.WorkerStatus(m["status"]),
		StartedAt:     startedAt,
		LastHeartbeat: heartbeat,
	}
	if m["current_job"] != "" {
		if jid, jErr := id.ParseJobID(m["current_job"]); jErr == nil {
			w.CurrentJob = jid
		}
	}
	return w, nil
}
