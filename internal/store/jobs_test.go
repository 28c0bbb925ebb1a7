// ABOUTME: Integration tests for the job lifecycle: enqueue, claim, complete,
// ABOUTME: fail/retry, duplicates, and the audited force-pending override.
package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Laderis97/content-pipeline/internal/dedupe"
	"github.com/Laderis97/content-pipeline/internal/pipeline"
	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/testutil"
)

const testMaxRetries = 3

func mustCreateJob(t *testing.T, s *store.Store, ctx context.Context, topic string) *store.Job {
	t.Helper()
	job, err := s.CreateJob(ctx, store.CreateJobParams{Topic: topic})
	if err != nil {
		t.Fatalf("CreateJob(%q): %v", topic, err)
	}
	return job
}

func mustClaim(t *testing.T, s *store.Store, ctx context.Context) *store.Job {
	t.Helper()
	job, err := s.ClaimNextJob(ctx, testMaxRetries)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextJob: no job available")
	}
	return job
}

func TestCreateJob_DefaultsAndValidation(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, ctx, "intro to pgx pools")
	if job.Status != store.JobPending {
		t.Errorf("new job status = %s, want pending", job.Status)
	}
	if job.Model != store.DefaultModel {
		t.Errorf("new job model = %s, want default", job.Model)
	}
	if job.RetryCount != 0 {
		t.Errorf("new job retry_count = %d, want 0", job.RetryCount)
	}
	if job.ClaimedAt != nil {
		t.Error("new job has claimed_at set")
	}
	if job.TopicFingerprint == nil || *job.TopicFingerprint == "" {
		t.Error("new job missing topic fingerprint")
	}

	// Validation failures are typed and reject before insert.
	cases := []store.CreateJobParams{
		{Topic: ""},
		{Topic: string(make([]byte, 501))},
		{Topic: "ok", Model: "gpt-9000"},
		{Topic: "ok", Tags: make([]string, 11)},
		{Topic: "ok", Categories: make([]string, 6)},
	}
	for i, p := range cases {
		_, err := s.CreateJob(ctx, p)
		var f *pipeline.Failure
		if !errors.As(err, &f) || f.Kind != pipeline.KindValidation {
			t.Errorf("case %d: expected validation failure, got %v", i, err)
		}
	}
}

func TestClaimNextJob_FIFOAndExhaustion(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first := mustCreateJob(t, s, ctx, "first topic")
	mustCreateJob(t, s, ctx, "second topic")

	claimed := mustClaim(t, s, ctx)
	if claimed.ID != first.ID {
		t.Errorf("claimed job %s, want oldest %s", claimed.ID, first.ID)
	}
	if claimed.Status != store.JobProcessing {
		t.Errorf("claimed status = %s, want processing", claimed.Status)
	}
	if claimed.ClaimedAt == nil {
		t.Error("claimed job missing claimed_at")
	}

	mustClaim(t, s, ctx)
	empty, err := s.ClaimNextJob(ctx, testMaxRetries)
	if err != nil {
		t.Fatalf("ClaimNextJob (empty): %v", err)
	}
	if empty != nil {
		t.Errorf("expected nil on empty queue, got %s", empty.ID)
	}
}

func TestClaimNextJob_NoDoubleClaim(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobs = 8
	for i := 0; i < jobs; i++ {
		mustCreateJob(t, s, ctx, "topic "+string(rune('a'+i)))
	}

	// Twice as many claimers as jobs: every job must be claimed exactly once
	// and the surplus claimers must come back empty.
	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var empties int

	var wg sync.WaitGroup
	for i := 0; i < jobs*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.ClaimNextJob(ctx, testMaxRetries)
			if err != nil {
				t.Errorf("concurrent claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				empties++
			} else {
				seen[job.ID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
	if empties != jobs {
		t.Errorf("%d empty claims, want %d", empties, jobs)
	}
}

func TestCompleteJob_LifecycleAndInvalidTransition(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, ctx, "completing a job")

	// Completing a pending job is an invalid transition.
	err := s.CompleteJob(ctx, store.CompleteJobParams{
		JobID: job.ID, Title: "T", Content: "C", PublishedRef: "ref-1", ContentFingerprint: "fp",
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("complete pending job: got %v, want ErrInvalidTransition", err)
	}

	mustClaim(t, s, ctx)
	if err := s.CompleteJob(ctx, store.CompleteJobParams{
		JobID: job.ID, Title: "T", Content: "C", PublishedRef: "ref-1", ContentFingerprint: "fp",
	}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ClaimedAt != nil {
		t.Error("completed job still has claimed_at")
	}
	if got.PublishedRef == nil || *got.PublishedRef != "ref-1" {
		t.Errorf("published_ref = %v, want ref-1", got.PublishedRef)
	}
}

func TestCompleteJob_PublishedRefUniqueness(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	a := mustCreateJob(t, s, ctx, "unique ref first")
	b := mustCreateJob(t, s, ctx, "unique ref second")
	mustClaim(t, s, ctx)
	mustClaim(t, s, ctx)

	if err := s.CompleteJob(ctx, store.CompleteJobParams{
		JobID: a.ID, Title: "A", Content: "CA", PublishedRef: "shared-ref", ContentFingerprint: "fa",
	}); err != nil {
		t.Fatalf("CompleteJob a: %v", err)
	}

	err := s.CompleteJob(ctx, store.CompleteJobParams{
		JobID: b.ID, Title: "B", Content: "CB", PublishedRef: "shared-ref", ContentFingerprint: "fb",
	})
	var f *pipeline.Failure
	if !errors.As(err, &f) || f.Kind != pipeline.KindConsistency {
		t.Errorf("duplicate published_ref: got %v, want consistency failure", err)
	}

	// A duplicate completion may share the ref because duplicate_of excludes
	// it from the uniqueness scope.
	if err := s.CompleteDuplicate(ctx, store.CompleteDuplicateParams{
		JobID: b.ID, Title: "B", Content: "CB",
		DuplicateOf: a.ID, PriorPublishedRef: "shared-ref", ContentFingerprint: "fb",
	}); err != nil {
		t.Fatalf("CompleteDuplicate: %v", err)
	}

	got, _ := s.GetJob(ctx, b.ID)
	if got.DuplicateOf == nil || *got.DuplicateOf != a.ID {
		t.Errorf("duplicate_of = %v, want %s", got.DuplicateOf, a.ID)
	}
}

func TestFailJob_RetryBudget(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, ctx, "a flaky downstream")

	// Two retryable failures return the job to pending with the count advanced.
	for want := 1; want <= 2; want++ {
		mustClaim(t, s, ctx)
		res, err := s.FailJob(ctx, job.ID, "generate: timeout", false, testMaxRetries)
		if err != nil {
			t.Fatalf("FailJob #%d: %v", want, err)
		}
		if res.Status != store.JobPending || res.RetryCount != want {
			t.Errorf("failure #%d: got %s/%d, want pending/%d", want, res.Status, res.RetryCount, want)
		}
	}

	// The third retryable failure exhausts the budget.
	mustClaim(t, s, ctx)
	res, err := s.FailJob(ctx, job.ID, "generate: timeout", false, testMaxRetries)
	if err != nil {
		t.Fatalf("FailJob #3: %v", err)
	}
	if res.Status != store.JobError || res.RetryCount != 3 {
		t.Errorf("final failure: got %s/%d, want error/3", res.Status, res.RetryCount)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.LastError == nil || *got.LastError == "" {
		t.Error("error job missing last_error")
	}
	// Exhausted jobs are not eligible for claiming.
	if next, _ := s.ClaimNextJob(ctx, testMaxRetries); next != nil {
		t.Errorf("claimed exhausted job %s", next.ID)
	}
}

func TestFailJob_FatalSkipsRetries(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, ctx, "bad credentials")
	mustClaim(t, s, ctx)

	res, err := s.FailJob(ctx, job.ID, "publish: status 401", true, testMaxRetries)
	if err != nil {
		t.Fatalf("FailJob fatal: %v", err)
	}
	if res.Status != store.JobError {
		t.Errorf("fatal failure status = %s, want error", res.Status)
	}
	if res.RetryCount != 0 {
		t.Errorf("fatal failure retry_count = %d, want 0 (budget untouched)", res.RetryCount)
	}
}

func TestForcePending_AuditedReset(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, ctx, "job needing rescue")
	mustClaim(t, s, ctx)
	if _, err := s.FailJob(ctx, job.ID, "publish: status 401", true, testMaxRetries); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Reason and actor are mandatory.
	err := s.ForcePending(ctx, job.ID, "", "admin@example.com")
	var f *pipeline.Failure
	if !errors.As(err, &f) || f.Kind != pipeline.KindValidation {
		t.Errorf("missing reason: got %v, want validation failure", err)
	}

	if err := s.ForcePending(ctx, job.ID, "credentials rotated", "admin@example.com"); err != nil {
		t.Fatalf("ForcePending: %v", err)
	}

	got, _ := s.GetJob(ctx, job.ID)
	if got.Status != store.JobPending || got.RetryCount != 0 || got.LastError != nil {
		t.Errorf("reset job = %s/%d/%v, want pending/0/nil", got.Status, got.RetryCount, got.LastError)
	}

	runs, err := s.ListJobRuns(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListJobRuns: %v", err)
	}
	var audited bool
	for _, r := range runs {
		if r.Outcome != nil && *r.Outcome == store.RunAdminReset {
			audited = true
		}
	}
	if !audited {
		t.Error("force-pending left no admin_reset audit entry")
	}

	// Only error jobs are eligible.
	if err := s.ForcePending(ctx, job.ID, "again", "admin@example.com"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("force-pending a pending job: got %v, want ErrInvalidTransition", err)
	}
}

func TestRecentCompletedFingerprints_ScopesToOriginals(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	orig := mustCreateJob(t, s, ctx, "how to write go generics")
	dup := mustCreateJob(t, s, ctx, "writing generics in go")
	mustClaim(t, s, ctx)
	mustClaim(t, s, ctx)

	if err := s.CompleteJob(ctx, store.CompleteJobParams{
		JobID: orig.ID, Title: "T", Content: "body",
		PublishedRef: "ref-orig", ContentFingerprint: dedupe.HashContent("body"),
	}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := s.CompleteDuplicate(ctx, store.CompleteDuplicateParams{
		JobID: dup.ID, Title: "T2", Content: "body2",
		DuplicateOf: orig.ID, PriorPublishedRef: "ref-orig",
		ContentFingerprint: dedupe.HashContent("body2"),
	}); err != nil {
		t.Fatalf("CompleteDuplicate: %v", err)
	}

	candidates, err := s.RecentCompletedFingerprints(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("RecentCompletedFingerprints: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("got %d candidates, want 1 (duplicates excluded)", len(candidates))
	}
	c := candidates[0]
	if c.JobID != orig.ID || c.PublishedRef != "ref-orig" {
		t.Errorf("candidate = %s/%s, want %s/ref-orig", c.JobID, c.PublishedRef, orig.ID)
	}
	if c.TopicTokens != dedupe.NormalizeTopic("how to write go generics") {
		t.Errorf("candidate topic tokens = %q", c.TopicTokens)
	}
}
