package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.JobStore = (*JobRepo)(nil)

// JobRepo is the SQLite implementation of the JobStore port. The writer
// connection is limited to one open connection, so the claim statement's
// update-returning pattern serializes naturally: no job is ever handed to two
// workers.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new JobRepo backed by the given DB.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

// Enqueue inserts a queued job runnable immediately and returns its id.
func (r *JobRepo) Enqueue(ctx context.Context, jobType model.JobType, payload []byte, maxRetries int) (int64, error) {
	const query = `
		INSERT INTO jobs (type, payload, status, max_retries, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := formatTime(time.Now())
	res, err := r.db.Writer.ExecContext(ctx, query,
		string(jobType), string(payload), string(model.JobStatusQueued), maxRetries, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", jobType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job insert id: %w", err)
	}

	return id, nil
}

// Claim transitions the oldest runnable queued job to running and returns
// it. Returns nil, nil when nothing is runnable.
func (r *JobRepo) Claim(ctx context.Context) (*model.Job, error) {
	const query = `
		UPDATE jobs
		SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ?
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id, type, payload, status, attempts, max_retries, run_after, last_error, created_at, updated_at
	`

	now := formatTime(time.Now())
	job, err := scanJob(r.db.Writer.QueryRowContext(ctx, query,
		string(model.JobStatusRunning), now, string(model.JobStatusQueued), now,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	return job, nil
}

// MarkDone records successful completion.
func (r *JobRepo) MarkDone(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, model.JobStatusDone, "", false)
}

// MarkFailed records terminal failure, consuming an attempt.
func (r *JobRepo) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	return r.setStatus(ctx, id, model.JobStatusFailed, errMsg, true)
}

// Retry increments attempts and returns the job to queued with the given
// earliest run time.
func (r *JobRepo) Retry(ctx context.Context, id int64, errMsg string, runAfter time.Time) error {
	const query = `
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		string(model.JobStatusQueued), errMsg, formatTime(runAfter), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("retry job %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %d not found", id)
	}

	return nil
}

// Get retrieves a job by id. Returns nil, nil when absent.
func (r *JobRepo) Get(ctx context.Context, id int64) (*model.Job, error) {
	const query = `
		SELECT id, type, payload, status, attempts, max_retries, run_after, last_error, created_at, updated_at
		FROM jobs
		WHERE id = ?
	`

	job, err := scanJob(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}

	return job, nil
}

// RequeueStuck returns running jobs last touched before the threshold to
// queued without consuming an attempt. Called at worker-pool startup so jobs
// orphaned by a crashed process are not silently skipped.
func (r *JobRepo) RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	const query = `
		UPDATE jobs
		SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?
	`

	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := r.db.Writer.ExecContext(ctx, query,
		string(model.JobStatusQueued), formatTime(time.Now()), string(model.JobStatusRunning), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}

	return rows, nil
}

// CountByStatus returns the number of jobs in each status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := map[model.JobStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[model.JobStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}

	return counts, nil
}

func (r *JobRepo) setStatus(ctx context.Context, id int64, status model.JobStatus, errMsg string, countAttempt bool) error {
	query := `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`
	if countAttempt {
		query = `UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, attempts = attempts + 1 WHERE id = ?`
	}

	res, err := r.db.Writer.ExecContext(ctx, query, string(status), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set job %d status %s: %w", id, status, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("job %d not found", id)
	}

	return nil
}

func scanJob(s scanner) (*model.Job, error) {
	var job model.Job
	var jobType, payload, status, runAfter, createdAt, updatedAt string

	err := s.Scan(
		&job.ID, &jobType, &payload, &status, &job.Attempts, &job.MaxRetries,
		&runAfter, &job.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Type = model.JobType(jobType)
	job.Payload = []byte(payload)
	job.Status = model.JobStatus(status)

	job.RunAfter, err = parseTime(runAfter)
	if err != nil {
		return nil, fmt.Errorf("parse run_after: %w", err)
	}
	job.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &job, nil
}
