package job

import (
	"context"

	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/quota"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for jobs.
type Store interface {
	// CreateJob persists a new pending job. Returns
	// themedraft.ErrDuplicateIdempotencyKey if the (tenant, idempotency
	// key) pair already exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// JobByIdempotencyKey retrieves the tenant's job for the given
	// idempotency key, or themedraft.ErrJobNotFound.
	JobByIdempotencyKey(ctx context.Context, tenantID, key string) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DequeueDue atomically claims up to limit pending jobs whose RunAt
	// has passed, assigning them to workerID. A claimed job is invisible
	// to other callers until the claim is released by a status update;
	// this is what guarantees at most one active execution per job.
	DequeueDue(ctx context.Context, workerID id.WorkerID, limit int) ([]*Job, error)

	// CompleteJob atomically marks the job completed with its result,
	// appends the usage log entry, and increments the tenant's credits
	// used. All three writes commit together or not at all. A completion
	// landing after a racing cancellation is authoritative.
	CompleteJob(ctx context.Context, j *Job, usage *quota.UsageLog) error

	// CancelJob transitions a job to cancelled only if it is still
	// non-terminal. Returns true if the cancellation was applied, false
	// if the job had already reached a terminal state.
	CancelJob(ctx context.Context, jobID id.JobID) (bool, error)

	// ListJobsByTenant returns the tenant's jobs, newest first.
	ListJobsByTenant(ctx context.Context, tenantID string, opts ListOpts) ([]*Job, error)
}
