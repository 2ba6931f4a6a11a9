// Package memory implements store.Store entirely in process memory.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

var (
	_ job.Store    = (*Store)(nil)
	_ quota.Ledger = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store. A single mutex
// guards all maps, which trivially gives CompleteJob its all-or-nothing
// commit.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job          // job ID → job
	byKey  map[string]string            // tenantID + "\x00" + idempotencyKey → job ID
	quotas map[string]*quota.Quota      // tenant ID → quota
	usage  map[string][]*quota.UsageLog // tenant ID → usage logs
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		byKey:  make(map[string]string),
		quotas: make(map[string]*quota.Quota),
		usage:  make(map[string][]*quota.UsageLog),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func dedupKey(tenantID, key string) string { return tenantID + "\x00" + key }

// ──────────────────────────────────────────────────
// job.Store
// ──────────────────────────────────────────────────

// CreateJob persists a new pending job, enforcing the per-tenant
// idempotency-key uniqueness constraint.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dk := dedupKey(j.TenantID, j.IdempotencyKey)
	if _, exists := m.byKey[dk]; exists {
		return themedraft.ErrDuplicateIdempotencyKey
	}

	cp := *j
	m.jobs[j.ID.String()] = &cp
	m.byKey[dk] = j.ID.String()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, themedraft.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// JobByIdempotencyKey retrieves the tenant's job for the given key.
func (m *Store) JobByIdempotencyKey(_ context.Context, tenantID, key string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobID, ok := m.byKey[dedupKey(tenantID, key)]
	if !ok {
		return nil, themedraft.ErrJobNotFound
	}
	cp := *m.jobs[jobID]
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID.String()]; !ok {
		return themedraft.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = &cp
	return nil
}

// DequeueDue atomically claims up to limit due pending jobs for workerID.
func (m *Store) DequeueDue(_ context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var due []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusPending && j.WorkerID.IsNil() && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*job.Job, 0, len(due))
	for _, j := range due {
		j.WorkerID = workerID
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// CompleteJob commits the completed job, its usage log, and the credit
// charge under one lock acquisition: all or nothing. A completion landing
// after a racing cancellation overwrites it; the commit is authoritative.
func (m *Store) CompleteJob(_ context.Context, j *job.Job, usage *quota.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[j.ID.String()]; !ok {
		return themedraft.ErrJobNotFound
	}
	q, ok := m.quotas[j.TenantID]
	if !ok {
		return themedraft.ErrQuotaNotFound
	}

	now := time.Now().UTC()

	cp := *j
	cp.Status = job.StatusCompleted
	cp.WorkerID = id.Nil
	cp.ErrorMessage = ""
	cp.CompletedAt = &now
	cp.UpdatedAt = now
	m.jobs[j.ID.String()] = &cp
	*j = cp

	u := *usage
	u.CreatedAt = now
	m.usage[u.TenantID] = append(m.usage[u.TenantID], &u)

	q.CreditsUsed++
	q.UpdatedAt = now

	return nil
}

// CancelJob cancels the job only if it is still non-terminal.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, themedraft.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return true, nil
}

// ListJobsByTenant returns the tenant's jobs, newest first.
func (m *Store) ListJobsByTenant(_ context.Context, tenantID string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if j.TenantID == tenantID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// quota.Ledger
// ──────────────────────────────────────────────────

// EnsureQuota returns the tenant's quota, lazily creating it with defaults.
// An existing record is never overwritten.
func (m *Store) EnsureQuota(_ context.Context, tenantID string, defaults quota.Defaults) (*quota.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.quotas[tenantID]; ok {
		cp := *q
		return &cp, nil
	}

	now := time.Now().UTC()
	q := &quota.Quota{
		TenantID:         tenantID,
		CreditsLimit:     defaults.CreditsLimit,
		MaxDailySpendUSD: defaults.MaxDailySpendUSD,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.quotas[tenantID] = q
	cp := *q
	return &cp, nil
}

// IncrementUsage atomically adds one to the tenant's creditsUsed.
func (m *Store) IncrementUsage(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.quotas[tenantID]
	if !ok {
		return themedraft.ErrQuotaNotFound
	}
	q.CreditsUsed++
	q.UpdatedAt = time.Now().UTC()
	return nil
}

// DailySpend sums estimated cost over the tenant's usage logs for the
// calendar day containing asOf.
func (m *Store) DailySpend(_ context.Context, tenantID string, asOf time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := quota.StartOfDay(asOf)
	var sum float64
	for _, u := range m.usage[tenantID] {
		if !u.CreatedAt.Before(start) {
			sum += u.EstimatedCostUSD
		}
	}
	return sum, nil
}

// SetQuota replaces a tenant's quota record. Test helper.
func (m *Store) SetQuota(q *quota.Quota) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quotas[q.TenantID] = &cp
}

// AddUsage appends a usage log entry directly. Test helper.
func (m *Store) AddUsage(u *quota.UsageLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.usage[u.TenantID] = append(m.usage[u.TenantID], &cp)
}
