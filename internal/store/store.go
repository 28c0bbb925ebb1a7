// Package store is the data access layer for the content pipeline job queue.
// All coordination between workers happens through this package: every
// mutation is a single transaction, and the claim operation uses
// FOR UPDATE SKIP LOCKED so concurrent claimers never block on or receive
// each other's rows.
//
// Simple dynamic list queries use squirrel over a stdlib-wrapped *sql.DB;
// transactional operations use *pgxpool.Pool directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// ErrInvalidTransition is returned when a conditional status update matches
// zero rows: the job was not in the state the transition requires. The prior
// state is left untouched.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The same pool serves both pgx-native
// transactions and the stdlib adapter used by squirrel list queries.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (healthchecks, test fixtures).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// withTx runs fn inside a pgx transaction, committing on nil and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // safe no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
