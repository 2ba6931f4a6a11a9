// Package job defines the generation job record, its status state machine,
// and the persistence contract the worker and admission controller consume.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
)

// Status is the lifecycle state of a generation job. The set is closed and
// transitions are restricted to the table in CanTransition.
type Status string

const (
	// StatusPending means the job is admitted and waiting for a worker,
	// either for its first attempt or for a scheduled retry.
	StatusPending Status = "pending"
	// StatusProcessing means a worker is calling the generation backend.
	StatusProcessing Status = "processing"
	// StatusValidating means the backend responded and the artifact is
	// being parsed and validated.
	StatusValidating Status = "validating"
	// StatusWriting means the atomic result commit is in progress.
	StatusWriting Status = "writing"
	// StatusCompleted means the job finished and the result is persisted.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its retry budget.
	StatusFailed Status = "failed"
	// StatusCancelled means an observer disconnected (or an operator
	// intervened) before the job reached a terminal state.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition may occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions is the total transition table. Cancellation is reachable from
// every non-terminal state; the retry path returns execution states to
// pending; everything else follows the forward pipeline.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusValidating, StatusPending, StatusFailed, StatusCancelled},
	StatusValidating: {StatusWriting, StatusPending, StatusFailed, StatusCancelled},
	StatusWriting:    {StatusCompleted, StatusPending, StatusFailed, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one generation request's lifecycle record.
type Job struct {
	ID             id.JobID `json:"id"`
	TenantID       string   `json:"tenant_id"`
	IdempotencyKey string   `json:"idempotency_key"`

	TemplateType string `json:"template_type"`
	Prompt       string `json:"prompt"`

	Status     Status      `json:"status"`
	RetryCount int         `json:"retry_count"`
	WorkerID   id.WorkerID `json:"worker_id,omitempty"`

	// Result holds the structured artifact, present only after completion.
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// RunAt is when the job becomes due for (re)execution.
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a pending job for the given tenant and input, due immediately.
func New(tenantID, templateType, prompt, idempotencyKey string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             id.NewJobID(),
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
		TemplateType:   templateType,
		Prompt:         prompt,
		Status:         StatusPending,
		RunAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the job to the given status, enforcing the transition
// table. Returns ErrInvalidTransition for any move not in the table.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", themedraft.ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}
