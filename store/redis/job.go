package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// applyScript is the conditional-transition script. It checks the
// current status, writes the patched fields, and keeps the queued index
// in step, all in one atomic unit.
//
//	KEYS[1] = job hash key
//	KEYS[2] = queued sorted-set key
//	ARGV[1] = expected status
//	ARGV[2] = target status
//	ARGV[3] = queued-index score for requeues
//	ARGV[4..] = field, value pairs to HSET
//
// Returns -1 when the job does not exist, 0 when the precondition
// fails, 1 when applied.
var applyScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'status') ~= ARGV[1] then
		return 0
	end
	local jid = redis.call('HGET', KEYS[1], 'id')
	for i = 4, #ARGV, 2 do
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
	end
	if ARGV[2] == 'queued' then
		redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), jid)
	else
		redis.call('ZREM', KEYS[2], jid)
	end
	return 1
`)

// progressScript writes a progress snapshot only while the job is
// running. ARGV[3] is the partial result; an empty string leaves the
// stored result untouched.
var progressScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
	if ARGV[3] ~= '' then
		redis.call('HSET', KEYS[1], 'result', ARGV[3])
	end
	return 1
`)

// EnqueueJob stores the job as a Hash and indexes it in the queued set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("convoy/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return convoy.ErrJobExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{Score: claimScore(j.Priority, j.CreatedAt), Member: jID})
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("convoy/redis: enqueue job: %w", err)
	}

	s.publish(ctx, job.OpInsert, jID, j.CreatedBy)
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("convoy/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if !matches(j, f) {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, f job.Filter) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("convoy/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if matches(j, f) {
			count++
		}
	}
	return count, nil
}

func matches(j *job.Job, f job.Filter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.CreatedBy != "" && j.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

// NextQueued walks the queued index in claim order and returns the
// first job past its NotBefore gate. Stale index entries (status moved
// on since indexing) are skipped, not repaired; the claim CAS would
// reject them anyway.
func (s *Store) NextQueued(ctx context.Context) (*job.Job, error) {
	const page = 16
	now := time.Now().UTC()

	for start := int64(0); ; start += page {
		ids, err := s.client.ZRange(ctx, queuedKey, start, start+page-1).Result()
		if err != nil {
			return nil, fmt.Errorf("convoy/redis: next queued zrange: %w", err)
		}
		if len(ids) == 0 {
			return nil, nil
		}

		for _, jID := range ids {
			j, getErr := s.getJobByKey(ctx, jobKey(jID))
			if getErr != nil {
				continue
			}
			if j.Eligible(now) {
				return j, nil
			}
		}
	}
}

// ApplyIfStatus runs the conditional transition as a Lua script.
func (s *Store) ApplyIfStatus(ctx context.Context, jobID id.JobID, expected job.Status, p job.Patch) (*job.Job, error) {
	now := time.Now().UTC()
	key := jobKey(jobID.String())

	fields := []any{
		"status", string(p.Status),
		"updated_at", now.Format(time.RFC3339Nano),
	}
	if p.SetWorker {
		fields = append(fields, "worker_id", p.WorkerID.String())
	}
	if p.SetProgress {
		fields = append(fields, "progress", strconv.Itoa(p.Progress))
	}
	if p.SetResult {
		fields = append(fields, "result", string(p.Result))
	}
	if p.SetError {
		fields = append(fields, "last_error", p.LastError)
	}
	if p.SetRetryCount {
		fields = append(fields, "retry_count", strconv.Itoa(p.RetryCount))
	}
	if p.SetNotBefore {
		fields = append(fields, "not_before", timeField(p.NotBefore))
	}
	if p.SetStartedAt {
		fields = append(fields, "started_at", timePtrField(p.StartedAt))
	}
	if p.SetCompletedAt {
		fields = append(fields, "completed_at", timePtrField(p.CompletedAt))
	}

	// Requeues rejoin the index at their original claim position;
	// the NotBefore gate, not the score, delays them.
	var score float64
	if p.Status == job.StatusQueued {
		j, err := s.getJobByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		score = claimScore(j.Priority, j.CreatedAt)
	}

	argv := append([]any{string(expected), string(p.Status), score}, fields...)
	res, err := applyScript.Run(ctx, s.client, []string{key, queuedKey}, argv...).Int()
	if err != nil {
		return nil, fmt.Errorf("convoy/redis: apply transition: %w", err)
	}
	switch res {
	case -1:
		return nil, convoy.ErrJobNotFound
	case 0:
		return nil, convoy.ErrNotApplied
	}

	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job.OpUpdate, j.ID.String(), j.CreatedBy)
	return j, nil
}

// UpdateProgress writes a progress snapshot while the job is running.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, progress int, partial []byte) error {
	key := jobKey(jobID.String())
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := progressScript.Run(ctx, s.client,
		[]string{key},
		strconv.Itoa(progress), now, string(partial),
	).Int()
	if err != nil {
		return fmt.Errorf("convoy/redis: update progress: %w", err)
	}
	switch res {
	case -1:
		return convoy.ErrJobNotFound
	case 0:
		// Not running; the write is ignored.
		return nil
	}

	owner, err := s.client.HGet(ctx, key, "created_by").Result()
	if err == nil {
		s.publish(ctx, job.OpUpdate, jobID.String(), owner)
	}
	return nil
}

// ── helpers ──

// claimScore computes a queued-index score: lower is claimed first.
// Priority is negated so higher priority sorts first; a creation-time
// fraction breaks ties FIFO.
func claimScore(priority job.Priority, createdAt time.Time) float64 {
	return float64(-priority) + float64(createdAt.UnixMilli())/1e15
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func timePtrField(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":           j.ID.String(),
		"type":         string(j.Type),
		"status":       string(j.Status),
		"priority":     strconv.Itoa(int(j.Priority)),
		"payload":      string(j.Payload),
		"progress":     strconv.Itoa(j.Progress),
		"result":       string(j.Result),
		"last_error":   j.LastError,
		"retry_count":  strconv.Itoa(j.RetryCount),
		"max_retries":  strconv.Itoa(j.MaxRetries),
		"worker_id":    j.WorkerID.String(),
		"created_by":   j.CreatedBy,
		"not_before":   timeField(j.NotBefore),
		"started_at":   timePtrField(j.StartedAt),
		"completed_at": timePtrField(j.CompletedAt),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, convoy.ErrJobNotFound
		}
		return nil, fmt.Errorf("convoy/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, convoy.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("convoy/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])      //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.Atoi(m["progress"])      //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"]) //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: convoy.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         jID,
		Type:       job.Type(m["type"]),
		Status:     job.Status(m["status"]),
		Priority:   job.Priority(priority),
		Payload:    []byte(m["payload"]),
		Progress:   progress,
		LastError:  m["last_error"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		CreatedBy:  m["created_by"],
	}
	if m["result"] != "" {
		j.Result = []byte(m["result"])
	}
	if m["worker_id"] != "" {
		if wid, wErr := id.ParseWorkerID(m["worker_id"]); wErr == nil {
			j.WorkerID = wid
		}
	}
	if m["not_before"] != "" {
		j.NotBefore, _ = time.Parse(time.RFC3339Nano, m["not_before"]) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if m["started_at"] != "" {
		if t, tErr := time.Parse(time.RFC3339Nano, m["started_at"]); tErr == nil {
			j.StartedAt = &t
		}
	}
	if m["completed_at"] != "" {
		if t, tErr := time.Parse(time.RFC3339Nano, m["completed_at"]); tErr == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}
