// Package admission decides whether a tenant's submission is allowed to
// become a job: rate limit first, then duplicate detection, then credit and
// daily-spend checks. No job record exists until every check passes.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

// DenyReason is the machine-readable reason for a denied admission.
type DenyReason string

const (
	DenyRateLimited      DenyReason = "RATE_LIMITED"
	DenyCreditsExhausted DenyReason = "CREDITS_EXHAUSTED"
	DenyDailyCapReached  DenyReason = "DAILY_CAP_REACHED"
)

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed bool

	// IdempotencyKey is the resolved key for this submission. Set on allow.
	IdempotencyKey string

	// ExistingJobID is set when an identical submission was already
	// admitted; the caller should return it instead of creating a job.
	ExistingJobID id.JobID

	// Reason and RetryAfter are set on denial. RetryAfter is zero unless
	// the denial is time-bounded (rate limiting).
	Reason     DenyReason
	RetryAfter time.Duration
}

// Config carries the admission policy knobs.
type Config struct {
	// QuotaDefaults are applied when a tenant's quota is lazily created.
	QuotaDefaults quota.Defaults

	// DailySpendCapUSD is the global cap used when the tenant's quota has
	// no override.
	DailySpendCapUSD float64

	// BypassTenant, if non-empty, names a tenant exempt from credit and
	// spend checks. Rate limiting still applies.
	BypassTenant string
}

// Controller composes the rate limiter, idempotency resolver, and quota
// ledger into a single allow/deny decision.
type Controller struct {
	limiter *RateLimiter
	jobs    job.Store
	ledger  quota.Ledger
	cfg     Config
	logger  *slog.Logger

	// now is the reference clock for the daily spend boundary.
	now func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerClock overrides the reference clock.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController creates an admission controller.
func NewController(
	limiter *RateLimiter,
	jobs job.Store,
	ledger quota.Ledger,
	cfg Config,
	logger *slog.Logger,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		limiter: limiter,
		jobs:    jobs,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit runs the admission checks in fixed order, short-circuiting on the
// first failure. The rate-limit increment is the only side effect and is
// charged even when a later check denies: the tenant consumed an attempt.
//
// The duplicate lookup runs before the quota checks: work that is already
// admitted or in flight must not be charged or denied a second time.
func (c *Controller) Admit(ctx context.Context, tenantID string, in Input) (Decision, error) {
	rl, err := c.limiter.CheckAndIncrement(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	if !rl.Allowed {
		c.logger.Info("admission denied",
			slog.String("tenant_id", tenantID),
			slog.String("reason", string(DenyRateLimited)),
		)
		return Decision{Reason: DenyRateLimited, RetryAfter: rl.RetryAfter}, nil
	}

	key := ResolveKey(tenantID, in)

	existing, err := c.jobs.JobByIdempotencyKey(ctx, tenantID, key)
	switch {
	case err == nil:
		return Decision{Allowed: true, IdempotencyKey: key, ExistingJobID: existing.ID}, nil
	case errors.Is(err, themedraft.ErrJobNotFound):
		// First time we see this submission.
	default:
		return Decision{}, fmt.Errorf("admission: idempotency lookup: %w", err)
	}

	if c.cfg.BypassTenant != "" && tenantID == c.cfg.BypassTenant {
		return Decision{Allowed: true, IdempotencyKey: key}, nil
	}

	q, err := c.ledger.EnsureQuota(ctx, tenantID, c.cfg.QuotaDefaults)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: ensure quota: %w", err)
	}
	if q.Exhausted() {
		c.logger.Info("admission denied",
			slog.String("tenant_id", tenantID),
			slog.String("reason", string(DenyCreditsExhausted)),
			slog.Int("credits_used", q.CreditsUsed),
			slog.Int("credits_limit", q.CreditsLimit),
		)
		return Decision{Reason: DenyCreditsExhausted}, nil
	}

	spend, err := c.ledger.DailySpend(ctx, tenantID, c.now())
	if err != nil {
		return Decision{}, fmt.Errorf("admission: daily spend: %w", err)
	}
	capUSD := c.cfg.DailySpendCapUSD
	if q.MaxDailySpendUSD > 0 {
		capUSD = q.MaxDailySpendUSD
	}
	if spend >= capUSD {
		c.logger.Info("admission denied",
			slog.String("tenant_id", tenantID),
			slog.String("reason", string(DenyDailyCapReached)),
			slog.Float64("spend_usd", spend),
			slog.Float64("cap_usd", capUSD),
		)
		return Decision{Reason: DenyDailyCapReached}, nil
	}

	return Decision{Allowed: true, IdempotencyKey: key}, nil
}
