// ABOUTME: Stale-claim recovery: the conditional reset of abandoned
// ABOUTME: processing jobs and the per-run sweep_records bookkeeping.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SweepResult holds the counters of one sweeper pass.
type SweepResult struct {
	Inspected  int
	StaleFound int
	Reset      int
	Errored    int
}

// SweepStaleJobs reclaims processing jobs whose claim outlived the staleness
// threshold, applying the same transition rule as a retryable failure. The
// staleness check lives in the UPDATE's filter, so a still-alive worker that
// completes its job first (clearing claimed_at) makes this a zero-row no-op
// for that job — the sweep never races a live completion.
//
// A synthetic job_run row records each reset; the resets and their ledger
// entries commit in one transaction.
func (s *Store) SweepStaleJobs(ctx context.Context, threshold time.Duration, maxRetries int) (SweepResult, error) {
	var res SweepResult
	staleErr, err := json.Marshal(map[string]string{"kind": "stale_claim", "detail": "stale claim reset by sweeper"})
	if err != nil {
		return res, fmt.Errorf("marshal sweep error payload: %w", err)
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM jobs WHERE status = 'processing'`).Scan(&res.Inspected); err != nil {
			return fmt.Errorf("count processing jobs: %w", err)
		}

		rows, err := tx.Query(ctx, `
			UPDATE jobs
			SET status = CASE WHEN retry_count + 1 >= $2 THEN 'error' ELSE 'pending' END,
			    retry_count = LEAST(retry_count + 1, $2),
			    last_error = 'stale claim: worker presumed dead',
			    claimed_at = NULL,
			    updated_at = now()
			WHERE status = 'processing' AND claimed_at < now() - $1::interval
			RETURNING id, status, retry_count`, threshold, maxRetries)
		if err != nil {
			return fmt.Errorf("reset stale jobs: %w", err)
		}

		type resetRow struct {
			id      string
			status  JobStatus
			attempt int
		}
		var resets []resetRow
		for rows.Next() {
			var r resetRow
			if err := rows.Scan(&r.id, &r.status, &r.attempt); err != nil {
				rows.Close()
				return fmt.Errorf("scan reset job: %w", err)
			}
			resets = append(resets, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("reset stale jobs: %w", err)
		}

		res.StaleFound = len(resets)
		for _, r := range resets {
			if r.status == JobError {
				res.Errored++
			} else {
				res.Reset++
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO job_runs (job_id, attempt, completed_at, outcome, error)
				VALUES ($1, $2, now(), 'stale_reset', $3)`,
				r.id, r.attempt, staleErr)
			if err != nil {
				return fmt.Errorf("record stale reset for job %s: %w", r.id, err)
			}
		}
		return nil
	})
	return res, err
}

// InsertSweepRecord appends the health-reporting row for one sweeper run.
func (s *Store) InsertSweepRecord(ctx context.Context, startedAt time.Time, duration time.Duration, r SweepResult) (*SweepRecord, error) {
	var rec SweepRecord
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sweep_records (started_at, duration_ms, inspected, stale_found, reset, errored)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, started_at, duration_ms, inspected, stale_found, reset, errored`,
		startedAt, duration.Milliseconds(), r.Inspected, r.StaleFound, r.Reset, r.Errored).
		Scan(&rec.ID, &rec.StartedAt, &rec.DurationMS, &rec.Inspected, &rec.StaleFound, &rec.Reset, &rec.Errored)
	if err != nil {
		return nil, fmt.Errorf("insert sweep record: %w", err)
	}
	return &rec, nil
}

// ListSweepRecords returns the most recent sweeper runs, newest first.
func (s *Store) ListSweepRecords(ctx context.Context, limit int) ([]SweepRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, duration_ms, inspected, stale_found, reset, errored
		FROM sweep_records ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep records: %w", err)
	}
	defer rows.Close()

	var recs []SweepRecord
	for rows.Next() {
		var r SweepRecord
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS, &r.Inspected,
			&r.StaleFound, &r.Reset, &r.Errored); err != nil {
			return nil, fmt.Errorf("scan sweep record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
