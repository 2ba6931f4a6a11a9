// Package quota holds per-tenant credit and spend accounting: the Quota
// ledger record, the append-only UsageLog, and the model pricing table used
// to estimate cost per completed attempt.
package quota

import (
	"context"
	"time"

	"github.com/ayip001/themedraft/id"
)

// Quota is the per-tenant credit ledger. Rows are created lazily on first
// admission check and never overwritten by EnsureQuota.
type Quota struct {
	TenantID     string    `json:"tenant_id"`
	CreditsLimit int       `json:"credits_limit"`
	CreditsUsed  int       `json:"credits_used"`
	// MaxDailySpendUSD overrides the global daily cap when > 0.
	MaxDailySpendUSD float64   `json:"max_daily_spend_usd"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Remaining returns the number of credits left before the ceiling.
func (q *Quota) Remaining() int {
	r := q.CreditsLimit - q.CreditsUsed
	if r < 0 {
		return 0
	}
	return r
}

// Exhausted reports whether the tenant has no credits left.
func (q *Quota) Exhausted() bool { return q.CreditsUsed >= q.CreditsLimit }

// UsageLog is an append-only accounting record for one completed attempt.
// Never mutated after insertion; daily spend is aggregated from it.
type UsageLog struct {
	JobID            id.JobID  `json:"job_id"`
	TenantID         string    `json:"tenant_id"`
	TemplateType     string    `json:"template_type"`
	Model            string    `json:"model"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

// Ledger is the persistence contract for quota and usage accounting.
type Ledger interface {
	// EnsureQuota returns the tenant's quota, lazily creating it with the
	// given defaults if absent. An existing record is never overwritten.
	EnsureQuota(ctx context.Context, tenantID string, defaults Defaults) (*Quota, error)

	// IncrementUsage atomically adds one to the tenant's creditsUsed.
	// Called only on successful job completion, inside the same atomic
	// unit as the completion write.
	IncrementUsage(ctx context.Context, tenantID string) error

	// DailySpend sums EstimatedCostUSD over the tenant's usage logs for
	// the calendar day containing asOf (reference clock, midnight
	// boundary).
	DailySpend(ctx context.Context, tenantID string, asOf time.Time) (float64, error)
}

// Defaults are the limits applied when a quota row is lazily created.
type Defaults struct {
	CreditsLimit     int
	MaxDailySpendUSD float64
}

// StartOfDay returns midnight of the calendar day containing t, in t's
// location. The spend cap uses a single reference clock, not per-tenant
// time zones.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
