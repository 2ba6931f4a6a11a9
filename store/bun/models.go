package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:generation_jobs"`

	ID             string     `bun:"id,pk"`
	TenantID       string     `bun:"tenant_id,notnull"`
	IdempotencyKey string     `bun:"idempotency_key,notnull"`
	TemplateType   string     `bun:"template_type,notnull"`
	Prompt         string     `bun:"prompt,notnull"`
	Status         string     `bun:"status,notnull,default:'pending'"`
	RetryCount     int        `bun:"retry_count,notnull,default:0"`
	// nullzero: an unclaimed job must store SQL NULL, not ''. The dequeue
	// predicate and the due-jobs partial index both filter worker_id IS NULL.
	WorkerID       string     `bun:"worker_id,nullzero"`
	Result         []byte     `bun:"result,type:jsonb"`
	ErrorMessage   string     `bun:"error_message"`
	RunAt          time.Time  `bun:"run_at,notnull,default:current_timestamp"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		TenantID:       j.TenantID,
		IdempotencyKey: j.IdempotencyKey,
		TemplateType:   j.TemplateType,
		Prompt:         j.Prompt,
		Status:         string(j.Status),
		RetryCount:     j.RetryCount,
		WorkerID:       j.WorkerID.String(),
		Result:         j.Result,
		ErrorMessage:   j.ErrorMessage,
		RunAt:          j.RunAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("themedraft/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:             parsedID,
		TenantID:       m.TenantID,
		IdempotencyKey: m.IdempotencyKey,
		TemplateType:   m.TemplateType,
		Prompt:         m.Prompt,
		Status:         job.Status(m.Status),
		RetryCount:     m.RetryCount,
		Result:         m.Result,
		ErrorMessage:   m.ErrorMessage,
		RunAt:          m.RunAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}

	if m.WorkerID != "" {
		workerID, parseErr := id.ParseWithPrefix(m.WorkerID, id.PrefixWorker)
		if parseErr != nil {
			return nil, fmt.Errorf("themedraft/bun: parse worker id %q: %w", m.WorkerID, parseErr)
		}
		j.WorkerID = workerID
	}

	return j, nil
}

// ── Quota model ───────────────────────────────────────────────────

type quotaModel struct {
	bun.BaseModel `bun:"table:quotas"`

	TenantID         string    `bun:"tenant_id,pk"`
	CreditsLimit     int       `bun:"credits_limit,notnull"`
	CreditsUsed      int       `bun:"credits_used,notnull,default:0"`
	MaxDailySpendUSD float64   `bun:"max_daily_spend_usd,notnull,default:0"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt        time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func fromQuotaModel(m *quotaModel) *quota.Quota {
	return &quota.Quota{
		TenantID:         m.TenantID,
		CreditsLimit:     m.CreditsLimit,
		CreditsUsed:      m.CreditsUsed,
		MaxDailySpendUSD: m.MaxDailySpendUSD,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// ── Usage log model ───────────────────────────────────────────────

type usageLogModel struct {
	bun.BaseModel `bun:"table:usage_logs"`

	ID               int64     `bun:"id,pk,autoincrement"`
	JobID            string    `bun:"job_id,notnull"`
	TenantID         string    `bun:"tenant_id,notnull"`
	TemplateType     string    `bun:"template_type"`
	Model            string    `bun:"model,notnull"`
	InputTokens      int       `bun:"input_tokens,notnull,default:0"`
	OutputTokens     int       `bun:"output_tokens,notnull,default:0"`
	EstimatedCostUSD float64   `bun:"estimated_cost_usd,notnull,default:0"`
	CreatedAt        time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

func toUsageLogModel(u *quota.UsageLog) *usageLogModel {
	return &usageLogModel{
		JobID:            u.JobID.String(),
		TenantID:         u.TenantID,
		TemplateType:     u.TemplateType,
		Model:            u.Model,
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		EstimatedCostUSD: u.EstimatedCostUSD,
		CreatedAt:        u.CreatedAt,
	}
}
