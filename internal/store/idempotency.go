// ABOUTME: TTL'd idempotency keys recording per-attempt progress so a
// ABOUTME: re-claimed job never re-publishes an artifact that already exists.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnsureIdempotencyKey creates the key on first claim; a live key left behind
// by a previous attempt is kept so its recorded progress survives re-claims.
// An expired key is reset in place: its TTL is refreshed and its stale
// progress discarded, so the attempt always runs against a live row.
func (s *Store) EnsureIdempotencyKey(ctx context.Context, key string, jobID uuid.UUID, topicHash string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, job_id, topic_hash, expires_at)
		VALUES ($1, $2, $3, now() + $4::interval)
		ON CONFLICT (key) DO UPDATE
		SET topic_hash    = EXCLUDED.topic_hash,
		    content_hash  = NULL,
		    published_ref = NULL,
		    expires_at    = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= now()`,
		key, jobID, topicHash, ttl)
	if err != nil {
		return fmt.Errorf("ensure idempotency key: %w", err)
	}
	return nil
}

// GetIdempotencyKey returns the key if present and unexpired. Expired keys
// are deleted lazily here rather than by a dedicated cleanup task.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyKey, error) {
	var k IdempotencyKey
	err := s.pool.QueryRow(ctx, `
		SELECT key, job_id, topic_hash, content_hash, published_ref, expires_at
		FROM idempotency_keys WHERE key = $1`, key).
		Scan(&k.Key, &k.JobID, &k.TopicHash, &k.ContentHash, &k.PublishedRef, &k.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	if time.Now().After(k.ExpiresAt) {
		if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
			return nil, fmt.Errorf("delete expired idempotency key: %w", err)
		}
		return nil, nil
	}
	return &k, nil
}

// SetIdempotencyContentHash records the generation result's identity on the
// key. A missing key row is an error: progress recorded nowhere is progress a
// re-claim cannot see.
func (s *Store) SetIdempotencyContentHash(ctx context.Context, key, contentHash string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET content_hash = $2 WHERE key = $1`, key, contentHash)
	if err != nil {
		return fmt.Errorf("set idempotency content hash: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set idempotency content hash: key %q not found", key)
	}
	return nil
}

// SetIdempotencyPublishedRef records a successful publish on the key. This is
// the crash barrier: it commits before the job's completed transition, so a
// worker that dies in between leaves evidence that the artifact exists. As
// with the content hash, a missing key row is an error.
func (s *Store) SetIdempotencyPublishedRef(ctx context.Context, key, publishedRef string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE idempotency_keys SET published_ref = $2 WHERE key = $1`, key, publishedRef)
	if err != nil {
		return fmt.Errorf("set idempotency published ref: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("set idempotency published ref: key %q not found", key)
	}
	return nil
}
