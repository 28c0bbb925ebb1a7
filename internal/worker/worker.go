// ABOUTME: Worker pool: claims pending jobs, runs generate -> guard -> publish,
// ABOUTME: and applies the retry policy on failure. sync.WaitGroup for graceful drain.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Laderis97/content-pipeline/internal/dedupe"
	"github.com/Laderis97/content-pipeline/internal/pipeline"
	"github.com/Laderis97/content-pipeline/internal/provider"
	"github.com/Laderis97/content-pipeline/internal/store"
	"github.com/Laderis97/content-pipeline/internal/telemetry"
)

// defaultPromptTemplate is used when a job supplies no template. {topic} is
// the only substitution variable.
const defaultPromptTemplate = "Write a well-structured blog post about the following topic. " +
	"Start with a single-line title on the first line. Topic: {topic}"

// Store is the slice of the persistence layer the worker needs. *store.Store
// satisfies it; tests substitute fakes.
type Store interface {
	ClaimNextJob(ctx context.Context, maxRetries int) (*store.Job, error)
	StartJobRun(ctx context.Context, jobID uuid.UUID, attempt int) (uuid.UUID, error)
	FinishJobRun(ctx context.Context, p store.FinishJobRunParams) error
	EnsureIdempotencyKey(ctx context.Context, key string, jobID uuid.UUID, topicHash string, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string) (*store.IdempotencyKey, error)
	SetIdempotencyContentHash(ctx context.Context, key, contentHash string) error
	SetIdempotencyPublishedRef(ctx context.Context, key, publishedRef string) error
	CompleteJob(ctx context.Context, p store.CompleteJobParams) error
	CompleteDuplicate(ctx context.Context, p store.CompleteDuplicateParams) error
	FailJob(ctx context.Context, jobID uuid.UUID, summary string, fatal bool, maxRetries int) (store.TransitionResult, error)
}

// DuplicateGuard decides whether a generation result duplicates a recently
// completed job. *dedupe.Guard satisfies it.
type DuplicateGuard interface {
	Check(ctx context.Context, topic, content string) (*dedupe.Match, error)
}

// Config holds worker pool tuning parameters (sourced from config.Config).
type Config struct {
	Count          int
	PollInterval   time.Duration
	MaxRetries     int
	IdempotencyTTL time.Duration
	Backoff        pipeline.BackoffPolicy
}

// Pool runs Config.Count claim loops against the job store.
type Pool struct {
	store Store
	guard DuplicateGuard
	gen   provider.Generator
	pub   provider.Publisher
	cfg   Config
	log   *slog.Logger
	wg    sync.WaitGroup
}

func NewPool(st Store, guard DuplicateGuard, gen provider.Generator, pub provider.Publisher, cfg Config, log *slog.Logger) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{store: st, guard: guard, gen: gen, pub: pub, cfg: cfg, log: log}
}

// Start launches the claim loops and blocks until ctx is cancelled and all
// in-flight jobs have drained. A job claimed before cancellation finishes its
// attempt; the claim loop itself stops immediately.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runLoop(ctx, id)
		}(i)
	}
	p.wg.Wait()
}

func (p *Pool) runLoop(ctx context.Context, id int) {
	log := p.log.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.store.ClaimNextJob(ctx, p.cfg.MaxRetries)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim next job", "err", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		telemetry.JobsClaimed.Inc()
		// The attempt runs on a detached context so cancellation mid-flight
		// cannot abandon a claimed job in processing with no recorded outcome.
		// External calls stay bounded by the providers' client timeouts.
		p.Process(context.WithoutCancel(ctx), job)
	}
}

// Process runs one full attempt for a claimed job. Exported for tests and for
// single-shot invocation.
func (p *Pool) Process(ctx context.Context, job *store.Job) {
	telemetry.JobsInFlight.Inc()
	defer telemetry.JobsInFlight.Dec()

	start := time.Now()
	log := p.log.With("job_id", job.ID, "topic", job.Topic)

	// Attempt numbering follows retry_count at claim time: the first attempt
	// of a fresh job is 1, the attempt after the second retry is 3.
	attempt := job.RetryCount + 1
	runID, err := p.store.StartJobRun(ctx, job.ID, attempt)
	if err != nil {
		log.Error("start job run", "err", err)
		p.fail(ctx, job, uuid.Nil, start, nil, nil, err)
		return
	}

	// The idempotency key survives re-claims of the same job: progress a
	// crashed worker recorded (most importantly a published ref) is read back
	// here so the artifact is never published twice.
	key := "job:" + job.ID.String()
	if err := p.store.EnsureIdempotencyKey(ctx, key, job.ID, dedupe.HashTopic(job.Topic), p.cfg.IdempotencyTTL); err != nil {
		log.Error("ensure idempotency key", "err", err)
		p.fail(ctx, job, runID, start, nil, nil, err)
		return
	}
	rec, err := p.store.GetIdempotencyKey(ctx, key)
	if err != nil {
		log.Error("get idempotency key", "err", err)
		p.fail(ctx, job, runID, start, nil, nil, err)
		return
	}

	gen, err := p.gen.Generate(ctx, renderPrompt(job), job.Model)
	if err != nil {
		p.fail(ctx, job, runID, start, nil, nil, err)
		return
	}
	genMS := gen.Duration.Milliseconds()
	title, content := splitTitle(gen.Text, job.Topic)

	// Crash barrier replay: a recorded published ref means a previous attempt
	// published but died before completing the job. Reuse the artifact.
	if rec != nil && rec.PublishedRef != nil {
		log.Info("reusing published artifact from interrupted attempt", "published_ref", *rec.PublishedRef)
		if err := p.store.CompleteJob(ctx, store.CompleteJobParams{
			JobID:              job.ID,
			Title:              title,
			Content:            content,
			PublishedRef:       *rec.PublishedRef,
			ContentFingerprint: dedupe.HashContent(content),
		}); err != nil {
			p.fail(ctx, job, runID, start, &genMS, nil, err)
			return
		}
		p.finishRun(ctx, runID, store.RunSucceeded, nil, &genMS, nil, start)
		telemetry.JobsCompleted.Inc()
		return
	}

	match, err := p.guard.Check(ctx, job.Topic, content)
	if err != nil {
		p.fail(ctx, job, runID, start, &genMS, nil, err)
		return
	}
	if match != nil {
		log.Info("duplicate suppressed", "prior_job_id", match.JobID, "score", match.Score)
		if err := p.store.CompleteDuplicate(ctx, store.CompleteDuplicateParams{
			JobID:              job.ID,
			Title:              title,
			Content:            content,
			DuplicateOf:        match.JobID,
			PriorPublishedRef:  match.PublishedRef,
			ContentFingerprint: dedupe.HashContent(content),
		}); err != nil {
			p.fail(ctx, job, runID, start, &genMS, nil, err)
			return
		}
		p.finishRun(ctx, runID, store.RunDuplicate, nil, &genMS, nil, start)
		telemetry.DuplicatesSuppressed.Inc()
		return
	}

	if err := p.store.SetIdempotencyContentHash(ctx, key,
		dedupe.ContentFingerprint(job.Topic, job.Model, content)); err != nil {
		p.fail(ctx, job, runID, start, &genMS, nil, err)
		return
	}

	pub, err := p.pub.Publish(ctx, provider.Draft{Title: title, Content: content, Tags: job.Tags, Categories: job.Categories})
	if err != nil {
		p.fail(ctx, job, runID, start, &genMS, nil, err)
		return
	}
	pubMS := pub.Duration.Milliseconds()

	// Record the ref before the completed transition so a crash between the
	// two leaves evidence that the artifact exists.
	if err := p.store.SetIdempotencyPublishedRef(ctx, key, pub.Ref); err != nil {
		p.fail(ctx, job, runID, start, &genMS, &pubMS, err)
		return
	}

	if err := p.store.CompleteJob(ctx, store.CompleteJobParams{
		JobID:              job.ID,
		Title:              title,
		Content:            content,
		PublishedRef:       pub.Ref,
		ContentFingerprint: dedupe.HashContent(content),
	}); err != nil {
		p.fail(ctx, job, runID, start, &genMS, &pubMS, err)
		return
	}
	p.finishRun(ctx, runID, store.RunSucceeded, nil, &genMS, &pubMS, start)
	telemetry.JobsCompleted.Inc()
	log.Info("job completed", "published_ref", pub.Ref, "attempt", attempt)
}

// reportTimeout bounds the store writes that record an attempt's outcome once
// the attempt itself is over.
const reportTimeout = 10 * time.Second

// fail applies the retry policy and closes the attempt ledger row. It runs on
// a detached context: an attempt that died because its own context was
// cancelled must still get its outcome recorded.
func (p *Pool) fail(ctx context.Context, job *store.Job, runID uuid.UUID, start time.Time, genMS, pubMS *int64, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	kind := pipeline.Classify(cause)
	summary := pipeline.Summary(cause)
	log := p.log.With("job_id", job.ID, "kind", kind)

	res, err := p.store.FailJob(ctx, job.ID, summary, !kind.Retryable(), p.cfg.MaxRetries)
	if err != nil {
		// A sweeper reset or concurrent transition already moved the job.
		if errors.Is(err, store.ErrInvalidTransition) {
			log.Warn("job no longer processing, skipping failure transition", "err", cause)
		} else {
			log.Error("fail job", "err", err, "cause", cause)
		}
		return
	}

	outcome := store.RunFailed
	if res.Status == store.JobPending {
		outcome = store.RunRetried
		delay := p.cfg.Backoff.Delay(res.RetryCount, kind)
		log.Warn("attempt failed, job returned to pending",
			"err", cause, "retry_count", res.RetryCount, "advisory_backoff", delay)
		telemetry.JobsRetried.Inc()
	} else {
		log.Error("job moved to terminal error", "err", cause, "retry_count", res.RetryCount)
		telemetry.JobsErrored.Inc()
	}

	if runID != uuid.Nil {
		detail, _ := json.Marshal(map[string]string{
			"kind":    string(kind),
			"message": summary,
		})
		p.finishRun(ctx, runID, outcome, detail, genMS, pubMS, start)
	}
}

func (p *Pool) finishRun(ctx context.Context, runID uuid.UUID, outcome store.RunOutcome, detail json.RawMessage, genMS, pubMS *int64, start time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	totalMS := time.Since(start).Milliseconds()
	if err := p.store.FinishJobRun(ctx, store.FinishJobRunParams{
		RunID:        runID,
		Outcome:      outcome,
		Error:        detail,
		GenerationMS: genMS,
		PublishMS:    pubMS,
		TotalMS:      &totalMS,
	}); err != nil {
		p.log.Error("finish job run", "run_id", runID, "err", err)
	}
}

// renderPrompt substitutes {topic} into the job's template, falling back to
// the default template when none is set.
func renderPrompt(job *store.Job) string {
	tmpl := defaultPromptTemplate
	if job.PromptTemplate != nil && *job.PromptTemplate != "" {
		tmpl = *job.PromptTemplate
	}
	return strings.ReplaceAll(tmpl, "{topic}", job.Topic)
}

// splitTitle extracts the first non-empty line as the title, stripping
// markdown heading markers, and returns the full text as content. Falls back
// to the topic when the generation opens with no usable line.
func splitTitle(text, topic string) (title, content string) {
	content = strings.TrimSpace(text)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return truncateTitle(line), content
		}
	}
	return truncateTitle(topic), content
}

func truncateTitle(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	// Back up to a rune boundary so the cut never leaves invalid UTF-8.
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s...", s[:cut])
}
