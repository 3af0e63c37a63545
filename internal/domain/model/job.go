package model

import "time"

// Job is a unit of deferred work on the durable queue. Jobs are process-wide:
// any worker may claim any queued job whose RunAfter has elapsed.
type Job struct {
	ID         int64
	Type       JobType
	Payload    []byte
	Status     JobStatus
	Attempts   int
	MaxRetries int
	RunAfter   time.Time
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
