// Package worker drives admitted jobs through the generation pipeline: a
// Pool of goroutines claims due jobs from the store, and an Executor walks
// each one through processing, validating, and writing, publishing a
// progress event at every stage.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/backend"
	"github.com/ayip001/themedraft/backoff"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
	"github.com/ayip001/themedraft/stream"
)

// artifact is the structured payload the generation backend is instructed
// to return.
type artifact struct {
	Code     string `json:"code"`
	Filename string `json:"filename"`
}

// Executor runs a single claimed job through the pipeline stages and
// handles the retry envelope on failure.
type Executor struct {
	jobs    job.Store
	ledger  quota.Ledger
	gen     backend.Generator
	bus     stream.Publisher
	backoff backoff.Strategy
	logger  *slog.Logger

	model         string
	maxRetries    int
	quotaDefaults quota.Defaults
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithModel sets the generation model requested for every job.
func WithModel(model string) ExecutorOption {
	return func(e *Executor) { e.model = model }
}

// WithMaxRetries sets the total attempt budget per job.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

// WithQuotaDefaults sets the limits applied when a tenant's quota row is
// lazily created at completion time.
func WithQuotaDefaults(d quota.Defaults) ExecutorOption {
	return func(e *Executor) { e.quotaDefaults = d }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	jobs job.Store,
	ledger quota.Ledger,
	gen backend.Generator,
	bus stream.Publisher,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		jobs:          jobs,
		ledger:        ledger,
		gen:           gen,
		bus:           bus,
		backoff:       backoff.DefaultStrategy(),
		logger:        logger,
		model:         "google/gemini-2.0-flash-exp:free",
		maxRetries:    3,
		quotaDefaults: quota.Defaults{CreditsLimit: 10},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a claimed job to its next resting state: completed, failed,
// back to pending for a retry, or abandoned because it was cancelled.
// Cancellation is checked at every stage boundary; a completion that lands
// after a racing cancellation is still committed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	if cancelled, err := e.cancelled(ctx, j); err != nil || cancelled {
		return err
	}

	start := time.Now().UTC()
	j.StartedAt = &start
	if err := e.advance(ctx, j, job.StatusProcessing); err != nil {
		return err
	}
	e.publish(ctx, j, stream.NewEvent(stream.StatusProcessing, "Generating template with AI"))

	res, err := e.gen.Generate(ctx, j.Prompt, e.model)
	if err != nil {
		return e.handleFailure(ctx, j, err)
	}

	if cancelled, err := e.cancelled(ctx, j); err != nil || cancelled {
		return err
	}
	if err := e.advance(ctx, j, job.StatusValidating); err != nil {
		return err
	}
	e.publish(ctx, j, stream.NewEvent(stream.StatusValidating, "Validating generated template"))

	result, err := parseArtifact(res.Content)
	if err != nil {
		return e.handleFailure(ctx, j, err)
	}

	if cancelled, err := e.cancelled(ctx, j); err != nil || cancelled {
		return err
	}
	if err := e.advance(ctx, j, job.StatusWriting); err != nil {
		return err
	}
	e.publish(ctx, j, stream.NewEvent(stream.StatusWriting, "Writing template files"))

	return e.handleSuccess(ctx, j, res, result)
}

// handleSuccess commits the completion tri-write and publishes the terminal
// event with the artifact attached.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, res *backend.Result, result json.RawMessage) error {
	if _, err := e.ledger.EnsureQuota(ctx, j.TenantID, e.quotaDefaults); err != nil {
		return e.handleFailure(ctx, j, fmt.Errorf("ensure quota: %w", err))
	}

	now := time.Now().UTC()
	if err := j.Transition(job.StatusCompleted); err != nil {
		return err
	}
	j.Result = result
	j.ErrorMessage = ""
	j.CompletedAt = &now

	usage := &quota.UsageLog{
		JobID:            j.ID,
		TenantID:         j.TenantID,
		TemplateType:     j.TemplateType,
		Model:            res.Model,
		InputTokens:      res.InputTokens,
		OutputTokens:     res.OutputTokens,
		EstimatedCostUSD: quota.Cost(res.Model, res.InputTokens, res.OutputTokens),
		CreatedAt:        now,
	}

	if err := e.jobs.CompleteJob(ctx, j, usage); err != nil {
		e.logger.Error("failed to commit job completion",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	evt := stream.NewEvent(stream.StatusCompleted, "Template generated successfully")
	evt.Result = result
	e.publish(ctx, j, evt)

	e.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.String("model", usage.Model),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
	)
	return nil
}

// handleFailure increments the attempt counter and either returns the job
// to pending with a backoff delay or marks it failed for good.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, cause error) error {
	j.RetryCount++
	j.ErrorMessage = cause.Error()

	if j.RetryCount < e.maxRetries {
		return e.scheduleRetry(ctx, j, cause)
	}
	return e.markFailed(ctx, j, cause)
}

// scheduleRetry returns the job to pending with a future RunAt and releases
// the worker claim so any poller can pick it up.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, cause error) error {
	delay := e.backoff.Delay(j.RetryCount)
	if err := j.Transition(job.StatusPending); err != nil {
		return err
	}
	j.RunAt = time.Now().UTC().Add(delay)
	j.WorkerID = id.Nil

	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to requeue job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	evt := stream.NewEvent(stream.StatusWarning,
		fmt.Sprintf("Generation failed, retrying (attempt %d of %d)", j.RetryCount+1, e.maxRetries))
	evt.Error = cause.Error()
	evt.RetryCount = j.RetryCount
	e.publish(ctx, j, evt)

	e.logger.Warn("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_attempts", e.maxRetries),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	return nil
}

// markFailed transitions the job to its terminal failed state.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, cause error) error {
	now := time.Now().UTC()
	if err := j.Transition(job.StatusFailed); err != nil {
		return err
	}
	j.CompletedAt = &now

	if err := e.jobs.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to mark job failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	evt := stream.NewEvent(stream.StatusFailed, "Template generation failed")
	evt.Error = cause.Error()
	evt.RetryCount = j.RetryCount
	e.publish(ctx, j, evt)

	e.logger.Error("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.Int("attempts", j.RetryCount),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("%w: %w", themedraft.ErrMaxRetriesExceeded, cause)
}

// advance applies a status transition and persists it.
func (e *Executor) advance(ctx context.Context, j *job.Job, to job.Status) error {
	if err := j.Transition(to); err != nil {
		return err
	}
	return e.jobs.UpdateJob(ctx, j)
}

// cancelled re-reads the job and reports whether an observer cancelled it
// since the last stage boundary. The abandoning worker re-broadcasts the
// terminal event; subscribers that already detached on the canceller's
// publish never see the duplicate.
func (e *Executor) cancelled(ctx context.Context, j *job.Job) (bool, error) {
	fresh, err := e.jobs.GetJob(ctx, j.ID)
	if err != nil {
		return false, err
	}
	if fresh.Status == job.StatusCancelled {
		e.logger.Info("skipping cancelled job", slog.String("job_id", j.ID.String()))
		e.publish(ctx, j, stream.NewEvent(stream.StatusCancelled, "Generation cancelled"))
		return true, nil
	}
	return false, nil
}

// publish sends a progress event, logging delivery failures without
// affecting the job. Event delivery is observation, never a dependency.
func (e *Executor) publish(ctx context.Context, j *job.Job, evt stream.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, j.ID, evt); err != nil {
		e.logger.Warn("failed to publish progress event",
			slog.String("job_id", j.ID.String()),
			slog.String("status", string(evt.Status)),
			slog.String("error", err.Error()),
		)
	}
}

// parseArtifact validates the backend's raw content as the expected JSON
// artifact, tolerating markdown code fences around the object.
func parseArtifact(content string) (json.RawMessage, error) {
	trimmed := stripFences(content)

	var a artifact
	if err := json.Unmarshal([]byte(trimmed), &a); err != nil {
		return nil, fmt.Errorf("worker: response is not a valid JSON object: %w", err)
	}
	if a.Code == "" {
		return nil, errors.New("worker: response is missing the code property")
	}
	if a.Filename == "" {
		return nil, errors.New("worker: response is missing the filename property")
	}
	return json.RawMessage(trimmed), nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, from model output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.HasPrefix(s, "{") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
