// Package bunstore implements store.Store on PostgreSQL via the Bun ORM.
// Dequeue uses SELECT FOR UPDATE SKIP LOCKED so concurrent worker pools
// never claim the same job, and CompleteJob runs its three writes inside a
// single database transaction.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

var (
	_ job.Store    = (*Store)(nil)
	_ quota.Ledger = (*Store)(nil)
)

// Store is a Bun implementation of store.Store using PostgreSQL dialect.
// The caller owns the *bun.DB lifecycle; Close closes it.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a new Bun store.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the schema if it does not exist. The partial index on
// pending jobs keeps the dequeue scan cheap under load.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generation_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			template_type TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			worker_id TEXT,
			result JSONB,
			error_message TEXT,
			run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			CONSTRAINT generation_jobs_tenant_idempotency_key UNIQUE (tenant_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS generation_jobs_due_idx
			ON generation_jobs (run_at) WHERE status = 'pending' AND worker_id IS NULL`,
		`CREATE INDEX IF NOT EXISTS generation_jobs_tenant_idx
			ON generation_jobs (tenant_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS quotas (
			tenant_id TEXT PRIMARY KEY,
			credits_limit INT NOT NULL,
			credits_used INT NOT NULL DEFAULT 0,
			max_daily_spend_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			template_type TEXT,
			model TEXT NOT NULL,
			input_tokens INT NOT NULL DEFAULT 0,
			output_tokens INT NOT NULL DEFAULT 0,
			estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS usage_logs_tenant_day_idx
			ON usage_logs (tenant_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("themedraft/bun: migrate: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}

// ──────────────────────────────────────────────────
// job.Store
// ──────────────────────────────────────────────────

// CreateJob persists a new pending job. The unique constraint on
// (tenant_id, idempotency_key) turns racing duplicate submissions into
// ErrDuplicateIdempotencyKey instead of duplicate rows.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return themedraft.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("themedraft/bun: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, themedraft.ErrJobNotFound
		}
		return nil, fmt.Errorf("themedraft/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// JobByIdempotencyKey retrieves the tenant's job for the given key.
func (s *Store) JobByIdempotencyKey(ctx context.Context, tenantID, key string) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("tenant_id = ?", tenantID).
		Where("idempotency_key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, themedraft.ErrJobNotFound
		}
		return nil, fmt.Errorf("themedraft/bun: job by idempotency key: %w", err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("themedraft/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return themedraft.ErrJobNotFound
	}
	return nil
}

// DequeueDue atomically claims up to limit due pending jobs for workerID.
// SELECT FOR UPDATE SKIP LOCKED keeps concurrent pools from claiming the
// same row; the worker_id assignment makes the claim visible.
func (s *Store) DequeueDue(ctx context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE generation_jobs
			SET worker_id = ?0, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM generation_jobs
				WHERE status = 'pending'
				  AND worker_id IS NULL
				  AND run_at <= NOW()
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?1
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY run_at ASC`,
		workerID.String(), limit,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("themedraft/bun: dequeue due: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("themedraft/bun: dequeue convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CompleteJob commits the completed job, its usage log entry, and the
// tenant's credit charge in one transaction. A crash between the writes can
// never leave a completed job without a usage record or charge a credit for
// a failed job. A completion landing after a racing cancellation is
// authoritative and overwrites it.
func (s *Store) CompleteJob(ctx context.Context, j *job.Job, usage *quota.UsageLog) error {
	now := time.Now().UTC()

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().Model((*jobModel)(nil)).
			Set("status = ?", string(job.StatusCompleted)).
			Set("result = ?", j.Result).
			Set("error_message = ''").
			Set("worker_id = NULL").
			Set("completed_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", j.ID.String()).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return themedraft.ErrJobNotFound
		}

		um := toUsageLogModel(usage)
		um.CreatedAt = now
		if _, err := tx.NewInsert().Model(um).Exec(ctx); err != nil {
			return fmt.Errorf("insert usage log: %w", err)
		}

		res, err = tx.NewUpdate().Model((*quotaModel)(nil)).
			Set("credits_used = credits_used + 1").
			Set("updated_at = ?", now).
			Where("tenant_id = ?", j.TenantID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("increment credits: %w", err)
		}
		rows, _ = res.RowsAffected() //nolint:errcheck // driver always returns nil
		if rows == 0 {
			return themedraft.ErrQuotaNotFound
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, themedraft.ErrJobNotFound) || errors.Is(err, themedraft.ErrQuotaNotFound) {
			return err
		}
		return fmt.Errorf("themedraft/bun: complete job tx: %w", err)
	}

	j.Status = job.StatusCompleted
	j.WorkerID = id.Nil
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
	usage.CreatedAt = now

	return nil
}

// CancelJob cancels the job only if it is still non-terminal. The guard
// lives in the WHERE clause, so a completion that already landed wins the
// race and the cancel reports false.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().Model((*jobModel)(nil)).
		Set("status = ?", string(job.StatusCancelled)).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("status NOT IN (?)", bun.In([]string{
			string(job.StatusCompleted),
			string(job.StatusFailed),
			string(job.StatusCancelled),
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("themedraft/bun: cancel job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// ListJobsByTenant returns the tenant's jobs, newest first.
func (s *Store) ListJobsByTenant(ctx context.Context, tenantID string, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("themedraft/bun: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ──────────────────────────────────────────────────
// quota.Ledger
// ──────────────────────────────────────────────────

// EnsureQuota returns the tenant's quota, lazily creating it with defaults.
// ON CONFLICT DO NOTHING keeps concurrent first admissions from racing; an
// existing record is never overwritten.
func (s *Store) EnsureQuota(ctx context.Context, tenantID string, defaults quota.Defaults) (*quota.Quota, error) {
	now := time.Now().UTC()
	m := &quotaModel{
		TenantID:         tenantID,
		CreditsLimit:     defaults.CreditsLimit,
		MaxDailySpendUSD: defaults.MaxDailySpendUSD,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if _, err := s.db.NewInsert().Model(m).
		On("CONFLICT (tenant_id) DO NOTHING").
		Exec(ctx); err != nil {
		return nil, fmt.Errorf("themedraft/bun: ensure quota insert: %w", err)
	}

	got := new(quotaModel)
	err := s.db.NewSelect().Model(got).
		Where("tenant_id = ?", tenantID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("themedraft/bun: ensure quota select: %w", err)
	}
	return fromQuotaModel(got), nil
}

// IncrementUsage atomically adds one to the tenant's creditsUsed.
func (s *Store) IncrementUsage(ctx context.Context, tenantID string) error {
	res, err := s.db.NewUpdate().Model((*quotaModel)(nil)).
		Set("credits_used = credits_used + 1").
		Set("updated_at = ?", time.Now().UTC()).
		Where("tenant_id = ?", tenantID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("themedraft/bun: increment usage: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return themedraft.ErrQuotaNotFound
	}
	return nil
}

// DailySpend sums estimated cost over the tenant's usage logs for the
// calendar day containing asOf.
func (s *Store) DailySpend(ctx context.Context, tenantID string, asOf time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.NewSelect().Model((*usageLogModel)(nil)).
		ColumnExpr("COALESCE(SUM(estimated_cost_usd), 0)").
		Where("tenant_id = ?", tenantID).
		Where("created_at >= ?", quota.StartOfDay(asOf)).
		Scan(ctx, &sum)
	if err != nil {
		return 0, fmt.Errorf("themedraft/bun: daily spend: %w", err)
	}
	return sum.Float64, nil
}
