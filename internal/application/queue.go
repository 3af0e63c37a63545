// Package application contains use-case orchestration services: the durable
// job queue, the worker pool, the service resolver, and the scan pipeline.
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

const (
	defaultMaxRetries = 3

	retryBackoffBase   = 30 * time.Second
	retryBackoffFactor = 2
	retryBackoffJitter = 0.1
	retryBackoffCap    = 15 * time.Minute
)

// Queue is the durable at-least-once work queue layered on the job store.
// Delivery policy lives here; persistence and claim atomicity live in the
// store.
type Queue struct {
	jobs   driven.JobStore
	paused atomic.Bool
}

// NewQueue creates a queue over the given job store.
func NewQueue(jobs driven.JobStore) *Queue {
	return &Queue{jobs: jobs}
}

// Enqueue serializes the payload and inserts a queued job.
func (q *Queue) Enqueue(ctx context.Context, jobType model.JobType, payload any) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	id, err := q.jobs.Enqueue(ctx, jobType, body, defaultMaxRetries)
	if err != nil {
		return 0, err
	}

	slog.Debug("job enqueued", "job_id", id, "type", jobType)
	return id, nil
}

// Dequeue claims exactly one runnable job, or returns nil when the queue is
// empty or paused.
func (q *Queue) Dequeue(ctx context.Context) (*model.Job, error) {
	if q.paused.Load() {
		return nil, nil
	}
	return q.jobs.Claim(ctx)
}

// Complete records successful completion.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.jobs.MarkDone(ctx, id)
}

// Fail records a failed attempt. While attempts remain the job returns to
// queued with an exponential-backoff delay; otherwise it is marked failed.
// Returns true when the job will be retried.
func (q *Queue) Fail(ctx context.Context, job *model.Job, jobErr error) (bool, error) {
	attempt := job.Attempts + 1

	if attempt >= job.MaxRetries {
		if err := q.jobs.MarkFailed(ctx, job.ID, jobErr.Error()); err != nil {
			return false, err
		}
		slog.Warn("job failed permanently", "job_id", job.ID, "type", job.Type, "attempts", attempt, "error", jobErr)
		return false, nil
	}

	delay := retryDelay(attempt)
	if err := q.jobs.Retry(ctx, job.ID, jobErr.Error(), time.Now().Add(delay)); err != nil {
		return false, err
	}

	slog.Info("job scheduled for retry",
		"job_id", job.ID,
		"type", job.Type,
		"attempt", attempt,
		"delay", delay.Round(time.Second),
		"error", jobErr,
	)
	return true, nil
}

// Pause stops handing out jobs; in-flight jobs run to completion. Used for
// graceful shutdown.
func (q *Queue) Pause() {
	q.paused.Store(true)
}

// Resume re-enables dequeueing after a pause.
func (q *Queue) Resume() {
	q.paused.Store(false)
}

// GetStatus returns the job's current state.
func (q *Queue) GetStatus(ctx context.Context, id int64) (*model.Job, error) {
	return q.jobs.Get(ctx, id)
}

// retryDelay computes the backoff before the given attempt's retry.
// Jittered exponential growth from the base; distinct attempts never
// coalesce because the delay grows strictly with each attempt.
func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBackoffBase
	bo.Multiplier = retryBackoffFactor
	bo.RandomizationFactor = retryBackoffJitter
	bo.MaxInterval = retryBackoffCap
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
