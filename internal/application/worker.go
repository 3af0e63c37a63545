package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/dupescan/internal/domain/model"
	"github.com/ericfisherdev/dupescan/internal/metrics"
)

// stuckJobThreshold is how long a running job may sit untouched before the
// startup sweep assumes its worker died and returns it to the queue.
const stuckJobThreshold = 30 * time.Minute

// JobHandler executes one claimed job. A returned error counts as a failed
// attempt and triggers the queue's retry policy.
type JobHandler func(ctx context.Context, job *model.Job) error

// WorkerPool polls the durable queue and dispatches claimed jobs to
// registered handlers. Failures are isolated per job: a panicking or failing
// handler never takes down the pool or affects other jobs.
type WorkerPool struct {
	queue    *Queue
	handlers map[model.JobType]JobHandler
	workers  int
	interval time.Duration

	wg sync.WaitGroup
}

// NewWorkerPool creates a pool with the given concurrency and poll interval.
func NewWorkerPool(queue *Queue, workers int, interval time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		queue:    queue,
		handlers: make(map[model.JobType]JobHandler),
		workers:  workers,
		interval: interval,
	}
}

// Register installs the handler for a job type. Must be called before Start.
func (p *WorkerPool) Register(jobType model.JobType, handler JobHandler) {
	p.handlers[jobType] = handler
}

// Start requeues jobs orphaned by a previous process, then launches the
// worker goroutines. It returns immediately; Stop blocks until the workers
// drain.
func (p *WorkerPool) Start(ctx context.Context) {
	if n, err := p.queue.jobs.RequeueStuck(ctx, stuckJobThreshold); err != nil {
		slog.Error("stuck job sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("requeued stuck jobs", "count", n)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	slog.Info("worker pool started", "workers", p.workers, "poll_interval", p.interval)
}

// Stop pauses the queue and waits for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.queue.Pause()
	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		// Drain runnable jobs before sleeping so a burst clears at full
		// concurrency rather than one job per tick.
		for {
			job, err := p.queue.Dequeue(ctx)
			if err != nil {
				slog.Error("dequeue failed", "worker", id, "error", err)
				break
			}
			if job == nil {
				break
			}
			p.execute(ctx, id, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) execute(ctx context.Context, workerID int, job *model.Job) {
	start := time.Now()
	slog.Info("job started", "worker", workerID, "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)

	err := p.runHandler(ctx, job)
	if err == nil {
		if completeErr := p.queue.Complete(ctx, job.ID); completeErr != nil {
			slog.Error("mark job done failed", "job_id", job.ID, "error", completeErr)
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "done").Inc()
		slog.Info("job finished", "worker", workerID, "job_id", job.ID, "type", job.Type,
			"duration", time.Since(start).Round(time.Millisecond))
		return
	}

	retrying, failErr := p.queue.Fail(ctx, job, err)
	if failErr != nil {
		slog.Error("record job failure failed", "job_id", job.ID, "error", failErr)
		return
	}
	if retrying {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "retried").Inc()
	} else {
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
	}
}

// runHandler dispatches to the registered handler, converting panics into
// ordinary job errors.
func (p *WorkerPool) runHandler(ctx context.Context, job *model.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, job)
}
