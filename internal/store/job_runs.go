// ABOUTME: Append-only job_runs ledger: attempt start/finish and the
// ABOUTME: failure-rate aggregation consumed by the monitor.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartJobRun opens the ledger row for a processing attempt.
func (s *Store) StartJobRun(ctx context.Context, jobID uuid.UUID, attempt int) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_runs (job_id, attempt) VALUES ($1, $2) RETURNING id`,
		jobID, attempt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start job run: %w", err)
	}
	return id, nil
}

// FinishJobRunParams closes an attempt ledger row. Written once; rows are
// never mutated afterwards.
type FinishJobRunParams struct {
	RunID        uuid.UUID
	Outcome      RunOutcome
	Error        json.RawMessage // nil on success
	GenerationMS *int64
	PublishMS    *int64
	TotalMS      *int64
}

// FinishJobRun records the attempt outcome and per-phase timings.
func (s *Store) FinishJobRun(ctx context.Context, p FinishJobRunParams) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET completed_at = now(), outcome = $2, error = $3,
		    generation_ms = $4, publish_ms = $5, total_ms = $6
		WHERE id = $1 AND completed_at IS NULL`,
		p.RunID, p.Outcome, p.Error, p.GenerationMS, p.PublishMS, p.TotalMS)
	if err != nil {
		return fmt.Errorf("finish job run %s: %w", p.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job run %s: %w", p.RunID, ErrInvalidTransition)
	}
	return nil
}

// ListJobRuns returns all attempts for a job, oldest first.
func (s *Store) ListJobRuns(ctx context.Context, jobID uuid.UUID) ([]JobRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, attempt, started_at, completed_at, outcome, error,
		       generation_ms, publish_ms, total_ms
		FROM job_runs WHERE job_id = $1 ORDER BY started_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var r JobRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.Attempt, &r.StartedAt, &r.CompletedAt,
			&r.Outcome, &r.Error, &r.GenerationMS, &r.PublishMS, &r.TotalMS); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FailureRateSummary computes failed/total over completed attempts within the
// trailing window. Administrative resets are excluded: they are audit entries,
// not processing outcomes.
func (s *Store) FailureRateSummary(ctx context.Context, window time.Duration) (RateSummary, error) {
	now := time.Now().UTC()
	sum := RateSummary{WindowStart: now.Add(-window), WindowEnd: now}

	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE outcome IN ('retried', 'failed', 'stale_reset'))
		FROM job_runs
		WHERE completed_at IS NOT NULL
		  AND outcome <> 'admin_reset'
		  AND started_at > now() - $1::interval`, window).
		Scan(&sum.Total, &sum.Failed)
	if err != nil {
		return sum, fmt.Errorf("failure rate summary: %w", err)
	}
	if sum.Total > 0 {
		sum.Rate = float64(sum.Failed) / float64(sum.Total)
	}
	return sum, nil
}
