package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/queue"
)

// throttleDelay is how far a dequeued job is pushed back when its tenant is
// over the local drain limits.
const throttleDelay = 500 * time.Millisecond

// Pool manages a set of concurrent worker goroutines that poll the store
// for due jobs and run them through the Executor. All goroutines share one
// worker identity; the claim column is what keeps a job on exactly one
// pool.
type Pool struct {
	jobs         job.Store
	executor     *Executor
	queues       *queue.Manager
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for due jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithQueueManager sets the per-tenant drain throttle. A nil manager
// disables local throttling.
func WithQueueManager(m *queue.Manager) PoolOption {
	return func(p *Pool) { p.queues = m }
}

// NewPool creates a worker pool with a fresh worker identity.
func NewPool(jobs job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		jobs:         jobs,
		executor:     executor,
		concurrency:  4,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's claim identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately; workers run
// until Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.New("worker: pool already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.pollLoop(ctx)
	}

	p.logger.Info("worker pool started",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)
	return nil
}

// Stop signals all workers to finish their current job and waits for them,
// up to the context deadline.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID.String()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out",
			slog.String("worker_id", p.workerID.String()))
		return ctx.Err()
	}
}

// pollLoop is one worker goroutine: claim a due job, run it, repeat.
func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce claims and runs at most one job.
func (p *Pool) pollOnce(ctx context.Context) {
	claimed, err := p.jobs.DequeueDue(ctx, p.workerID, 1)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("dequeue failed", slog.String("error", err.Error()))
		}
		return
	}

	for _, j := range claimed {
		p.run(ctx, j)
	}
}

// run executes one claimed job, honoring the per-tenant drain throttle.
func (p *Pool) run(ctx context.Context, j *job.Job) {
	if p.queues != nil && !p.queues.Acquire(j.TenantID) {
		p.requeue(ctx, j)
		return
	}
	if p.queues != nil {
		defer p.queues.Release(j.TenantID)
	}

	if err := p.executor.Execute(ctx, j); err != nil && ctx.Err() == nil {
		p.logger.Error("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("tenant_id", j.TenantID),
			slog.String("error", err.Error()),
		)
	}
}

// requeue releases a throttled job's claim and pushes it slightly into the
// future so another poll picks it up once the tenant has headroom.
func (p *Pool) requeue(ctx context.Context, j *job.Job) {
	j.WorkerID = id.Nil
	j.RunAt = time.Now().UTC().Add(throttleDelay)
	j.UpdatedAt = time.Now().UTC()

	if err := p.jobs.UpdateJob(ctx, j); err != nil {
		p.logger.Error("failed to requeue throttled job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Debug("tenant throttled, job requeued",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
	)
}
