package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ayip001/themedraft"
	"github.com/ayip001/themedraft/id"
	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

func TestCreateJobEnforcesIdempotencyKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first := job.New("shop-a", "product", "hero section", "gen_samekey")
	if err := s.CreateJob(ctx, first); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	dup := job.New("shop-a", "product", "hero section", "gen_samekey")
	if err := s.CreateJob(ctx, dup); !errors.Is(err, themedraft.ErrDuplicateIdempotencyKey) {
		t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}

	// Same key for a different tenant is a distinct job.
	other := job.New("shop-b", "product", "hero section", "gen_samekey")
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob for other tenant error: %v", err)
	}

	got, err := s.JobByIdempotencyKey(ctx, "shop-a", "gen_samekey")
	if err != nil {
		t.Fatalf("JobByIdempotencyKey error: %v", err)
	}
	if got.ID.String() != first.ID.String() {
		t.Errorf("lookup = %s, want %s", got.ID, first.ID)
	}
}

func TestDequeueDueClaimsOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	j := job.New("shop-a", "product", "prompt", "gen_1")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	w1, w2 := id.NewWorkerID(), id.NewWorkerID()

	claimed, err := s.DequeueDue(ctx, w1, 10)
	if err != nil {
		t.Fatalf("DequeueDue error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(claimed))
	}
	if claimed[0].WorkerID.String() != w1.String() {
		t.Errorf("claimed worker = %s, want %s", claimed[0].WorkerID, w1)
	}

	// Second worker sees nothing: the claim is exclusive.
	again, err := s.DequeueDue(ctx, w2, 10)
	if err != nil {
		t.Fatalf("DequeueDue error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second dequeue claimed %d jobs, want 0", len(again))
	}
}

func TestDequeueDueSkipsFutureRunAt(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	j := job.New("shop-a", "product", "prompt", "gen_future")
	j.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	claimed, err := s.DequeueDue(ctx, id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("DequeueDue error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d jobs, want 0 (not yet due)", len(claimed))
	}
}

func TestCompleteJobCommitsAllThreeWrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenant := "shop-a"

	if _, err := s.EnsureQuota(ctx, tenant, quota.Defaults{CreditsLimit: 10}); err != nil {
		t.Fatalf("EnsureQuota error: %v", err)
	}

	j := job.New(tenant, "product", "prompt", "gen_done")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	j.Status = job.StatusWriting
	j.Result = []byte(`{"code":"<section/>","filename":"product.liquid"}`)

	usage := &quota.UsageLog{
		JobID:            j.ID,
		TenantID:         tenant,
		TemplateType:     "product",
		Model:            "google/gemini-2.0-flash",
		InputTokens:      1200,
		OutputTokens:     800,
		EstimatedCostUSD: 0.00044,
	}
	if err := s.CompleteJob(ctx, j, usage); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}

	stored, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if stored.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	q, err := s.EnsureQuota(ctx, tenant, quota.Defaults{})
	if err != nil {
		t.Fatalf("EnsureQuota error: %v", err)
	}
	if q.CreditsUsed != 1 {
		t.Errorf("CreditsUsed = %d, want 1", q.CreditsUsed)
	}

	spend, err := s.DailySpend(ctx, tenant, time.Now())
	if err != nil {
		t.Fatalf("DailySpend error: %v", err)
	}
	if spend != 0.00044 {
		t.Errorf("DailySpend = %v, want 0.00044", spend)
	}
}

func TestCompleteJobWithoutQuotaFailsWhole(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	j := job.New("shop-a", "product", "prompt", "gen_noquota")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	err := s.CompleteJob(ctx, j, &quota.UsageLog{JobID: j.ID, TenantID: "shop-a"})
	if !errors.Is(err, themedraft.ErrQuotaNotFound) {
		t.Fatalf("expected ErrQuotaNotFound, got %v", err)
	}

	// Nothing committed: job unchanged, no spend recorded.
	stored, getErr := s.GetJob(ctx, j.ID)
	if getErr != nil {
		t.Fatalf("GetJob error: %v", getErr)
	}
	if stored.Status != job.StatusPending {
		t.Errorf("status = %s, want pending (commit must be atomic)", stored.Status)
	}
	spend, spendErr := s.DailySpend(ctx, "shop-a", time.Now())
	if spendErr != nil {
		t.Fatalf("DailySpend error: %v", spendErr)
	}
	if spend != 0 {
		t.Errorf("DailySpend = %v, want 0", spend)
	}
}

func TestCancelJobGuardsTerminalStates(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	j := job.New("shop-a", "product", "prompt", "gen_cancel")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	applied, err := s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if !applied {
		t.Fatal("cancellation of a pending job should apply")
	}

	// Second cancel is a no-op: already terminal.
	applied, err = s.CancelJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}
	if applied {
		t.Error("cancellation of a terminal job should not apply")
	}
}

func TestLateCompletionWinsOverCancellation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	tenant := "shop-a"

	if _, err := s.EnsureQuota(ctx, tenant, quota.Defaults{CreditsLimit: 10}); err != nil {
		t.Fatalf("EnsureQuota error: %v", err)
	}

	j := job.New(tenant, "product", "prompt", "gen_race")
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	// Observer disconnects and cancels while the worker is mid-commit.
	if _, err := s.CancelJob(ctx, j.ID); err != nil {
		t.Fatalf("CancelJob error: %v", err)
	}

	// The worker's commit still lands and is authoritative.
	j.Status = job.StatusWriting
	if err := s.CompleteJob(ctx, j, &quota.UsageLog{JobID: j.ID, TenantID: tenant}); err != nil {
		t.Fatalf("CompleteJob error: %v", err)
	}

	stored, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if stored.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed (late commit wins)", stored.Status)
	}
}

func TestEnsureQuotaNeverOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	q1, err := s.EnsureQuota(ctx, "shop-a", quota.Defaults{CreditsLimit: 10, MaxDailySpendUSD: 5})
	if err != nil {
		t.Fatalf("EnsureQuota error: %v", err)
	}
	if q1.CreditsLimit != 10 {
		t.Fatalf("CreditsLimit = %d, want 10", q1.CreditsLimit)
	}

	if err := s.IncrementUsage(ctx, "shop-a"); err != nil {
		t.Fatalf("IncrementUsage error: %v", err)
	}

	// Different defaults on a later call must not reset the record.
	q2, err := s.EnsureQuota(ctx, "shop-a", quota.Defaults{CreditsLimit: 99})
	if err != nil {
		t.Fatalf("EnsureQuota error: %v", err)
	}
	if q2.CreditsLimit != 10 || q2.CreditsUsed != 1 {
		t.Errorf("quota = limit %d used %d, want limit 10 used 1", q2.CreditsLimit, q2.CreditsUsed)
	}
}

func TestDailySpendIgnoresYesterday(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	s.AddUsage(&quota.UsageLog{
		TenantID:         "shop-a",
		EstimatedCostUSD: 3.0,
		CreatedAt:        time.Now().Add(-48 * time.Hour),
	})
	s.AddUsage(&quota.UsageLog{
		TenantID:         "shop-a",
		EstimatedCostUSD: 1.25,
		CreatedAt:        time.Now(),
	})

	spend, err := s.DailySpend(ctx, "shop-a", time.Now())
	if err != nil {
		t.Fatalf("DailySpend error: %v", err)
	}
	if spend != 1.25 {
		t.Errorf("DailySpend = %v, want 1.25", spend)
	}
}

func TestListJobsByTenant(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i, prompt := range []string{"one", "two", "three"} {
		j := job.New("shop-a", "product", prompt, prompt)
		j.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob error: %v", err)
		}
	}
	other := job.New("shop-b", "page", "other", "other")
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}

	jobs, err := s.ListJobsByTenant(ctx, "shop-a", job.ListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobsByTenant error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if jobs[0].Prompt != "three" {
		t.Errorf("newest first: got %q, want %q", jobs[0].Prompt, "three")
	}
}
