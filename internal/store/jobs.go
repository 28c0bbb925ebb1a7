// ABOUTME: Job table operations: create, fetch, list, claim, and the
// ABOUTME: status-transition operations (complete, fail, force-pending).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/Laderis97/content-pipeline/internal/dedupe"
	"github.com/Laderis97/content-pipeline/internal/pipeline"
)

const jobColumns = `id, topic, prompt_template, model, tags, categories,
	status, retry_count, claimed_at, last_error,
	generated_title, generated_content, published_ref, duplicate_of,
	topic_fingerprint, content_fingerprint, created_at, updated_at`

// CreateJobParams collects enqueue input. Validation failures are returned
// as pipeline.KindValidation before any row is written.
type CreateJobParams struct {
	Topic          string
	PromptTemplate *string
	Model          string
	Tags           []string
	Categories     []string
}

func (p *CreateJobParams) validate() error {
	switch {
	case p.Topic == "":
		return errors.New("topic must not be empty")
	case len(p.Topic) > 500:
		return fmt.Errorf("topic exceeds 500 characters (%d)", len(p.Topic))
	case p.PromptTemplate != nil && len(*p.PromptTemplate) > 10000:
		return fmt.Errorf("prompt template exceeds 10000 characters (%d)", len(*p.PromptTemplate))
	case len(p.Tags) > 10:
		return fmt.Errorf("at most 10 tags allowed (%d)", len(p.Tags))
	case len(p.Categories) > 5:
		return fmt.Errorf("at most 5 categories allowed (%d)", len(p.Categories))
	}
	if p.Model == "" {
		p.Model = DefaultModel
	}
	if !slices.Contains(AllowedModels, p.Model) {
		return fmt.Errorf("unknown model %q", p.Model)
	}
	return nil
}

// CreateJob validates p and inserts a pending job. The topic fingerprint is
// computed up front so duplicate detection never re-normalizes stored rows.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if err := p.validate(); err != nil {
		return nil, pipeline.NewFailure(pipeline.KindValidation, "store", err)
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	if p.Categories == nil {
		p.Categories = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (topic, prompt_template, model, tags, categories, topic_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+jobColumns,
		p.Topic, p.PromptTemplate, p.Model, p.Tags, p.Categories, dedupe.NormalizeTopic(p.Topic))

	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id, returning (nil, nil) when it does not exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobsParams holds optional filters for listing jobs.
type ListJobsParams struct {
	Status *JobStatus
	Limit  int
	Offset int
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}

	qb := sq.Select("id", "topic", "prompt_template", "model", "tags", "categories",
		"status", "retry_count", "claimed_at", "last_error",
		"generated_title", "generated_content", "published_ref", "duplicate_of",
		"topic_fingerprint", "content_fingerprint", "created_at", "updated_at").
		From("jobs").
		OrderBy("created_at DESC").
		Limit(uint64(p.Limit)).
		Offset(uint64(p.Offset)).
		PlaceholderFormat(sq.Dollar)
	if p.Status != nil {
		qb = qb.Where(sq.Eq{"status": string(*p.Status)})
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Topic, &j.PromptTemplate, &j.Model,
			pq.Array(&j.Tags), pq.Array(&j.Categories),
			&j.Status, &j.RetryCount, &j.ClaimedAt, &j.LastError,
			&j.GeneratedTitle, &j.GeneratedContent, &j.PublishedRef, &j.DuplicateOf,
			&j.TopicFingerprint, &j.ContentFingerprint, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextJob atomically claims the oldest eligible pending job, marking it
// processing. FOR UPDATE SKIP LOCKED excludes rows already locked by another
// in-flight claim, so N concurrent callers each receive a distinct job in one
// round trip with no caller blocking behind another's lock. Returns (nil, nil)
// when no eligible job exists.
func (s *Store) ClaimNextJob(ctx context.Context, maxRetries int) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'processing', claimed_at = now(), updated_at = now()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND retry_count < $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, maxRetries)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// CompleteJobParams carries the result fields a completion must supply.
// The write-time CHECK constraint rejects completion without all of them.
type CompleteJobParams struct {
	JobID              uuid.UUID
	Title              string
	Content            string
	PublishedRef       string
	ContentFingerprint string
}

// CompleteJob transitions a processing job to completed. A published_ref
// already present on another job violates the hard uniqueness invariant and
// surfaces as a consistency failure, never a retry.
func (s *Store) CompleteJob(ctx context.Context, p CompleteJobParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', generated_title = $2, generated_content = $3,
		    published_ref = $4, content_fingerprint = $5,
		    claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		p.JobID, p.Title, p.Content, p.PublishedRef, p.ContentFingerprint)
	if err != nil {
		if isUniqueViolation(err) {
			return pipeline.NewFailure(pipeline.KindConsistency, "store",
				fmt.Errorf("published_ref %q already exists on another job: %w", p.PublishedRef, err))
		}
		return fmt.Errorf("complete job %s: %w", p.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", p.JobID, ErrInvalidTransition)
	}
	return nil
}

// CompleteDuplicateParams completes a job as a duplicate of a prior one.
type CompleteDuplicateParams struct {
	JobID              uuid.UUID
	Title              string
	Content            string
	DuplicateOf        uuid.UUID
	PriorPublishedRef  string
	ContentFingerprint string
}

// CompleteDuplicate transitions a processing job to completed without a new
// published artifact: published_ref references the prior job's artifact and
// duplicate_of names the prior job, which excludes the row from the
// published_ref uniqueness scope.
func (s *Store) CompleteDuplicate(ctx context.Context, p CompleteDuplicateParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', generated_title = $2, generated_content = $3,
		    published_ref = $4, duplicate_of = $5, content_fingerprint = $6,
		    claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		p.JobID, p.Title, p.Content, p.PriorPublishedRef, p.DuplicateOf, p.ContentFingerprint)
	if err != nil {
		return fmt.Errorf("complete duplicate job %s: %w", p.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete duplicate job %s: %w", p.JobID, ErrInvalidTransition)
	}
	return nil
}

// TransitionResult reports where a failure transition landed.
type TransitionResult struct {
	Status     JobStatus
	RetryCount int
}

// FailJob applies the retry policy to a processing job in one statement:
// fatal failures go straight to error; retryable failures return to pending
// with retry_count incremented, or to error once the budget is exhausted.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, summary string, fatal bool, maxRetries int) (TransitionResult, error) {
	var res TransitionResult
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = CASE WHEN $3::boolean OR retry_count + 1 >= $4 THEN 'error' ELSE 'pending' END,
		    retry_count = CASE WHEN $3::boolean THEN retry_count ELSE LEAST(retry_count + 1, $4) END,
		    last_error = $2,
		    claimed_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING status, retry_count`,
		jobID, summary, fatal, maxRetries).Scan(&res.Status, &res.RetryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("fail job %s: %w", jobID, ErrInvalidTransition)
	}
	if err != nil {
		return res, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return res, nil
}

// ForcePending is the audited administrative override resetting an error job
// to pending. It bypasses normal transition rules only for error -> pending;
// the reset and its audit entry commit atomically.
func (s *Store) ForcePending(ctx context.Context, jobID uuid.UUID, reason, actorID string) error {
	if reason == "" || actorID == "" {
		return pipeline.NewFailure(pipeline.KindValidation, "store",
			errors.New("force-pending requires reason and actor_id"))
	}
	audit, err := json.Marshal(map[string]string{
		"kind":     "admin_reset",
		"reason":   reason,
		"actor_id": actorID,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', retry_count = 0, last_error = NULL,
			    claimed_at = NULL, updated_at = now()
			WHERE id = $1 AND status = 'error'`, jobID)
		if err != nil {
			return fmt.Errorf("force pending %s: %w", jobID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("force pending %s: %w", jobID, ErrInvalidTransition)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_runs (job_id, attempt, completed_at, outcome, error)
			VALUES ($1, (SELECT count(*) + 1 FROM job_runs WHERE job_id = $1), now(), 'admin_reset', $2)`,
			jobID, audit)
		if err != nil {
			return fmt.Errorf("audit force pending %s: %w", jobID, err)
		}
		return nil
	})
}

// RecentCompletedFingerprints returns fingerprints of originally published
// jobs completed within the trailing window, for the duplicate guard.
func (s *Store) RecentCompletedFingerprints(ctx context.Context, window time.Duration) ([]dedupe.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, published_ref, topic_fingerprint, coalesce(content_fingerprint, '')
		FROM jobs
		WHERE status = 'completed'
		  AND duplicate_of IS NULL
		  AND topic_fingerprint IS NOT NULL
		  AND updated_at > now() - $1::interval`, window)
	if err != nil {
		return nil, fmt.Errorf("recent fingerprints: %w", err)
	}
	defer rows.Close()

	var out []dedupe.Candidate
	for rows.Next() {
		var c dedupe.Candidate
		if err := rows.Scan(&c.JobID, &c.PublishedRef, &c.TopicTokens, &c.ContentHash); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Topic, &j.PromptTemplate, &j.Model, &j.Tags, &j.Categories,
		&j.Status, &j.RetryCount, &j.ClaimedAt, &j.LastError,
		&j.GeneratedTitle, &j.GeneratedContent, &j.PublishedRef, &j.DuplicateOf,
		&j.TopicFingerprint, &j.ContentFingerprint, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
