// Package store persists finished call transcripts in PostgreSQL.
//
// One row per call plus one row per transcript entry. Persistence is
// optional: the coordinator runs fine without a store configured.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yeyulab/screentalk/internal/transcript"
)

// Store is a PostgreSQL-backed transcript archive. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open establishes a connection pool to the database at dsn and ensures
// the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// migrate creates the transcript tables when missing.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS calls (
			id         BIGSERIAL PRIMARY KEY,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at   TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS call_entries (
			id      BIGSERIAL PRIMARY KEY,
			call_id BIGINT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			speaker TEXT NOT NULL,
			text    TEXT NOT NULL,
			at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_entries_call_id_idx ON call_entries (call_id);`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	return nil
}

// SaveCall writes one finished call and its entries in a single
// transaction, returning the new call id.
func (s *Store) SaveCall(ctx context.Context, startedAt, endedAt time.Time, entries []transcript.Entry) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("transcript store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var callID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO calls (started_at, ended_at) VALUES ($1, $2) RETURNING id`,
		startedAt, endedAt,
	).Scan(&callID)
	if err != nil {
		return 0, fmt.Errorf("transcript store: insert call: %w", err)
	}

	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO call_entries (call_id, speaker, text, at) VALUES ($1, $2, $3, $4)`,
			callID, string(e.Speaker), e.Text, e.At,
		)
		if err != nil {
			return 0, fmt.Errorf("transcript store: insert entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("transcript store: commit: %w", err)
	}
	return callID, nil
}

// CallEntries returns one call's entries in chronological order.
func (s *Store) CallEntries(ctx context.Context, callID int64) ([]transcript.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT speaker, text, at FROM call_entries WHERE call_id = $1 ORDER BY id`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("transcript store: query entries: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.At); err != nil {
			return e, err
		}
		e.Speaker = transcript.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan entries: %w", err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
