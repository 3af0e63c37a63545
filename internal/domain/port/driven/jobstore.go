package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
)

// JobStore defines the driven port underneath the durable job queue.
type JobStore interface {
	Enqueue(ctx context.Context, jobType model.JobType, payload []byte, maxRetries int) (int64, error)
	// Claim atomically transitions the oldest runnable queued job to running
	// and returns it. Returns nil when no job is runnable. Concurrent claims
	// never return the same job.
	Claim(ctx context.Context) (*model.Job, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// Retry increments attempts and returns the job to queued with the given
	// earliest run time.
	Retry(ctx context.Context, id int64, errMsg string, runAfter time.Time) error
	Get(ctx context.Context, id int64) (*model.Job, error)
	// RequeueStuck returns running jobs older than the threshold to queued
	// without consuming an attempt. Crash-recovery sweep.
	RequeueStuck(ctx context.Context, olderThan time.Duration) (int64, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)
}
