package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/backend"
	"github.com/ayip001/themedraft/backoff"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
	"github.com/ayip001/themedraft/store/memory"
	"github.com/ayip001/themedraft/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const goodContent = `{"code": "<section>hero</section>", "filename": "hero.liquid"}`

func okGenerator() backend.Generator {
	return backend.GeneratorFunc(func(ctx context.Context, prompt, model string) (*backend.Result, error) {
		return &backend.Result{
			Content:      goodContent,
			InputTokens:  10,
			OutputTokens: 20,
			Model:        model,
		}, nil
	})
}

func failingGenerator(err error) backend.Generator {
	return backend.GeneratorFunc(func(ctx context.Context, prompt, model string) (*backend.Result, error) {
		return nil, err
	})
}

// newClaimedJob creates a pending job already claimed by a worker, the
// state Execute expects to receive.
func newClaimedJob(t *testing.T, st *memory.Store, tenantID string) *job.Job {
	t.Helper()

	j := job.New(tenantID, "product", "a hero banner", "gen_abc")
	if err := st.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	j.WorkerID = id.NewWorkerID()
	if err := st.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	return j
}

func collectEvents(t *testing.T, sub stream.Subscription, n int) []stream.Event {
	t.Helper()

	events := make([]stream.Event, 0, n)
	for len(events) < n {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d events, want %d", len(events), n)
			}
			events = append(events, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestExecutorSuccess(t *testing.T) {
	t.Parallel()

	st := memory.New()
	bus := stream.NewBroker(testLogger())
	ctx := context.Background()

	j := newClaimedJob(t, st, "shop-1")
	sub, err := bus.Subscribe(ctx, j.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	exec := NewExecutor(st, st, okGenerator(), bus, testLogger())
	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute error: %v", err)
	}

	stored, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != job.StatusCompleted {
		t.Errorf("Status = %q, want completed", stored.Status)
	}
	if stored.CompletedAt == nil || stored.StartedAt == nil {
		t.Error("StartedAt/CompletedAt not set")
	}

	var a artifact
	if err := json.Unmarshal(stored.Result, &a); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if a.Filename != "hero.liquid" {
		t.Errorf("Filename = %q", a.Filename)
	}

	// Credits incremented through the tri-write.
	q, err := st.EnsureQuota(ctx, "shop-1", quota.Defaults{CreditsLimit: 10})
	if err != nil {
		t.Fatalf("EnsureQuota: %v", err)
	}
	if q.CreditsUsed != 1 {
		t.Errorf("CreditsUsed = %d, want 1", q.CreditsUsed)
	}

	events := collectEvents(t, sub, 4)
	wantOrder := []stream.EventStatus{
		stream.StatusProcessing,
		stream.StatusValidating,
		stream.StatusWriting,
		stream.StatusCompleted,
	}
	for i, want := range wantOrder {
		if events[i].Status != want {
			t.Errorf("events[%d].Status = %q, want %q", i, events[i].Status, want)
		}
	}
	if len(events[3].Result) == 0 {
		t.Error("completed event carries no result")
	}
}

func TestExecutorRetryThenFail(t *testing.T) {
	t.Parallel()

	st := memory.New()
	bus := stream.NewBroker(testLogger())
	ctx := context.Background()

	j := newClaimedJob(t, st, "shop-1")
	sub, err := bus.Subscribe(ctx, j.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	cause := errors.New("upstream unavailable")
	exec := NewExecutor(st, st, failingGenerator(cause), bus, testLogger(),
		WithMaxRetries(2),
		WithBackoff(backoff.NewConstant(time.Minute)),
	)

	// First attempt: failure with budget remaining returns the job to
	// pending with a future RunAt and a released claim.
	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute (attempt 1) error: %v", err)
	}

	stored, _ := st.GetJob(ctx, j.ID)
	if stored.Status != job.StatusPending {
		t.Fatalf("Status = %q, want pending", stored.Status)
	}
	if stored.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", stored.RetryCount)
	}
	if !stored.WorkerID.IsNil() {
		t.Error("claim not released for retry")
	}
	if !stored.RunAt.After(time.Now().UTC().Add(30 * time.Second)) {
		t.Errorf("RunAt = %v, want ~1m in the future", stored.RunAt)
	}
	if stored.ErrorMessage == "" {
		t.Error("ErrorMessage not recorded")
	}

	events := collectEvents(t, sub, 2)
	if events[1].Status != stream.StatusWarning {
		t.Fatalf("events[1].Status = %q, want warning", events[1].Status)
	}
	if events[1].RetryCount != 1 {
		t.Errorf("warning RetryCount = %d, want 1", events[1].RetryCount)
	}

	// Second attempt exhausts the budget.
	stored.WorkerID = id.NewWorkerID()
	if err := st.UpdateJob(ctx, stored); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	err = exec.Execute(ctx, stored)
	if !errors.Is(err, cause) || !errors.Is(err, themedraft.ErrMaxRetriesExceeded) {
		t.Fatalf("Execute (attempt 2) error = %v, want wrapped cause and ErrMaxRetriesExceeded", err)
	}

	final, _ := st.GetJob(ctx, j.ID)
	if final.Status != job.StatusFailed {
		t.Errorf("Status = %q, want failed", final.Status)
	}
	if final.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want the full attempt budget", final.RetryCount)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}

	events = collectEvents(t, sub, 2)
	if events[1].Status != stream.StatusFailed {
		t.Errorf("terminal event status = %q, want failed", events[1].Status)
	}
	if events[1].Error == "" {
		t.Error("failed event carries no error")
	}
}

func TestExecutorInvalidArtifactRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "here is your template!"},
		{"missing code", `{"filename": "hero.liquid"}`},
		{"missing filename", `{"code": "<div></div>"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := memory.New()
			gen := backend.GeneratorFunc(func(ctx context.Context, prompt, model string) (*backend.Result, error) {
				return &backend.Result{Content: tt.content, Model: model}, nil
			})

			j := newClaimedJob(t, st, "shop-1")
			exec := NewExecutor(st, st, gen, stream.NewBroker(testLogger()), testLogger())
			if err := exec.Execute(context.Background(), j); err != nil {
				t.Fatalf("Execute error: %v", err)
			}

			stored, _ := st.GetJob(context.Background(), j.ID)
			if stored.Status != job.StatusPending {
				t.Errorf("Status = %q, want pending (retry)", stored.Status)
			}
			if stored.RetryCount != 1 {
				t.Errorf("RetryCount = %d, want 1", stored.RetryCount)
			}
		})
	}
}

func TestExecutorSkipsCancelledJob(t *testing.T) {
	t.Parallel()

	st := memory.New()
	bus := stream.NewBroker(testLogger())
	ctx := context.Background()

	j := newClaimedJob(t, st, "shop-1")
	if _, err := st.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	sub, err := bus.Subscribe(ctx, j.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	called := false
	gen := backend.GeneratorFunc(func(ctx context.Context, prompt, model string) (*backend.Result, error) {
		called = true
		return &backend.Result{Content: goodContent}, nil
	})

	exec := NewExecutor(st, st, gen, bus, testLogger())
	if err := exec.Execute(ctx, j); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if called {
		t.Error("generator invoked for a cancelled job")
	}

	// The abandoning worker re-broadcasts the terminal event so late
	// subscribers still observe the cancellation.
	events := collectEvents(t, sub, 1)
	if events[0].Status != stream.StatusCancelled {
		t.Errorf("event status = %q, want cancelled", events[0].Status)
	}

	stored, _ := st.GetJob(ctx, j.ID)
	if stored.Status != job.StatusCancelled {
		t.Errorf("Status = %q, want cancelled", stored.Status)
	}
}

func TestExecutorCompletionWinsOverLateCancel(t *testing.T) {
	t.Parallel()

	st := memory.New()
	ctx := context.Background()

	j := newClaimedJob(t, st, "shop-1")

	// Cancellation lands while the backend call is in flight, after the
	// last stage-boundary check would pass.
	gen := backend.GeneratorFunc(func(ctx context.Context, prompt, model string) (*backend.Result, error) {
		return &backend.Result{Content: goodContent, Model: model}, nil
	})
	exec := NewExecutor(st, st, gen, stream.NewBroker(testLogger()), testLogger())

	// Drive the stages manually up to writing, cancel, then commit.
	if err := exec.advance(ctx, j, job.StatusProcessing); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := exec.advance(ctx, j, job.StatusValidating); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := exec.advance(ctx, j, job.StatusWriting); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if applied, _ := st.CancelJob(ctx, j.ID); !applied {
		t.Fatal("cancel not applied")
	}

	res := &backend.Result{Content: goodContent, InputTokens: 1, OutputTokens: 1, Model: "m"}
	if err := exec.handleSuccess(ctx, j, res, json.RawMessage(goodContent)); err != nil {
		t.Fatalf("handleSuccess: %v", err)
	}

	stored, _ := st.GetJob(ctx, j.ID)
	if stored.Status != job.StatusCompleted {
		t.Errorf("Status = %q, want completed (completion is authoritative)", stored.Status)
	}
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"fenced with language", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"surrounding whitespace", "  {\"a\": 1}\n", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
