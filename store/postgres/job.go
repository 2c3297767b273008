package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/id"
	"github.com/wayfound/convoy/job"
)

// jobColumns is the canonical select list; scanJob expects this order.
const jobColumns = `
	id, type, status, priority, payload, progress, result,
	last_error, retry_count, max_retries, worker_id, created_by,
	not_before, started_at, completed_at, created_at, updated_at`

// EnqueueJob persists a new job in queued state.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	var notBefore *time.Time
	if !j.NotBefore.IsZero() {
		notBefore = &j.NotBefore
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO convoy_jobs (
			id, type, status, priority, payload, progress, result,
			last_error, retry_count, max_retries, worker_id, created_by,
			not_before, started_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)`,
		j.ID.String(), string(j.Type), string(j.Status), int(j.Priority),
		j.Payload, j.Progress, j.Result,
		j.LastError, j.RetryCount, j.MaxRetries,
		j.WorkerID.String(), j.CreatedBy,
		notBefore, j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return convoy.ErrJobExists
		}
		return fmt.Errorf("convoy/postgres: enqueue job: %w", err)
	}

	s.notify(ctx, job.OpInsert, j.ID, j.CreatedBy)
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM convoy_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, convoy.ErrJobNotFound
		}
		return nil, fmt.Errorf("convoy/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, oldest first.
func (s *Store) ListJobs(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM convoy_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, string(f.Type))
		argIdx++
	}
	if f.CreatedBy != "" {
		query += fmt.Sprintf(" AND created_by = $%d", argIdx)
		args = append(args, f.CreatedBy)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("convoy/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, f job.Filter) (int64, error) {
	query := `SELECT COUNT(*) FROM convoy_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, string(f.Type))
		argIdx++
	}
	if f.CreatedBy != "" {
		query += fmt.Sprintf(" AND created_by = $%d", argIdx)
		args = append(args, f.CreatedBy)
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("convoy/postgres: count jobs: %w", err)
	}
	return count, nil
}

// NextQueued returns the best claim candidate. The read confers nothing;
// callers must still win ApplyIfStatus.
func (s *Store) NextQueued(ctx context.Context) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM convoy_jobs
		WHERE status = 'queued'
		  AND (not_before IS NULL OR not_before <= NOW())
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("convoy/postgres: next queued: %w", err)
	}
	return j, nil
}

// ApplyIfStatus applies the patch in a single guarded UPDATE. The status
// predicate in the WHERE clause is the entire concurrency story: losers
// of a race match zero rows and get convoy.ErrNotApplied.
func (s *Store) ApplyIfStatus(ctx context.Context, jobID id.JobID, expected job.Status, p job.Patch) (*job.Job, error) {
	set := []string{"status = $3", "updated_at = NOW()"}
	args := []any{jobID.String(), string(expected), string(p.Status)}
	idx := 4

	add := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if p.SetWorker {
		add("worker_id", p.WorkerID.String())
	}
	if p.SetProgress {
		add("progress", p.Progress)
	}
	if p.SetResult {
		add("result", p.Result)
	}
	if p.SetError {
		add("last_error", p.LastError)
	}
	if p.SetRetryCount {
		add("retry_count", p.RetryCount)
	}
	if p.SetNotBefore {
		var nb *time.Time
		if !p.NotBefore.IsZero() {
			nb = &p.NotBefore
		}
		add("not_before", nb)
	}
	if p.SetStartedAt {
		add("started_at", p.StartedAt)
	}
	if p.SetCompletedAt {
		add("completed_at", p.CompletedAt)
	}

	query := `
		UPDATE convoy_jobs SET ` + strings.Join(set, ", ") + `
		WHERE id = $1 AND status = $2
		RETURNING` + jobColumns

	row := s.pool.QueryRow(ctx, query, args...)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			// Zero rows means either the job is gone or the
			// precondition lost a race; tell them apart.
			var cur string
			checkErr := s.pool.QueryRow(ctx,
				`SELECT status FROM convoy_jobs WHERE id = $1`, jobID.String(),
			).Scan(&cur)
			if isNoRows(checkErr) {
				return nil, convoy.ErrJobNotFound
			}
			if checkErr != nil {
				return nil, fmt.Errorf("convoy/postgres: apply transition: %w", checkErr)
			}
			return nil, convoy.ErrNotApplied
		}
		return nil, fmt.Errorf("convoy/postgres: apply transition: %w", err)
	}

	s.notify(ctx, job.OpUpdate, j.ID, j.CreatedBy)
	return j, nil
}

// UpdateProgress writes a progress snapshot for a running job. The
// status guard makes a late report from a dispossessed worker a no-op.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, progress int, partial []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE convoy_jobs
		SET progress = $2, result = COALESCE($3, result), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), progress, partial,
	)
	if err != nil {
		return fmt.Errorf("convoy/postgres: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var owner string
		checkErr := s.pool.QueryRow(ctx,
			`SELECT created_by FROM convoy_jobs WHERE id = $1`, jobID.String(),
		).Scan(&owner)
		if isNoRows(checkErr) {
			return convoy.ErrJobNotFound
		}
		if checkErr != nil {
			return fmt.Errorf("convoy/postgres: update progress: %w", checkErr)
		}
		// Job exists but is not running; the write is ignored.
		return nil
	}

	var owner string
	if err := s.pool.QueryRow(ctx,
		`SELECT created_by FROM convoy_jobs WHERE id = $1`, jobID.String(),
	).Scan(&owner); err == nil {
		s.notify(ctx, job.OpUpdate, jobID, owner)
	}
	return nil
}

// collectJobs drains rows into jobs.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("convoy/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convoy/postgres: iterate jobs: %w", err)
	}
	return jobs, nil
}

// scanJob scans a single job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		typeStr     string
		statusStr   string
		priorityInt int
		workerStr   string
		notBefore   *time.Time
	)
	err := row.Scan(
		&idStr, &typeStr, &statusStr, &priorityInt, &j.Payload, &j.Progress, &j.Result,
		&j.LastError, &j.RetryCount, &j.MaxRetries, &workerStr, &j.CreatedBy,
		&notBefore, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(typeStr)
	j.Status = job.Status(statusStr)
	j.Priority = job.Priority(priorityInt)
	if notBefore != nil {
		j.NotBefore = *notBefore
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("convoy/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}
