// Package postgres provides a PostgreSQL-backed [incident.Store] over a
// pgx connection pool. The schema is created on first use.
package postgres

import (
	"context"
	"fmt"

	"github.com/cavernlabs/cavern/pkg/incident"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ incident.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
    id          TEXT PRIMARY KEY,
    description TEXT NOT NULL,
    location    TEXT NOT NULL,
    reported_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS incidents_reported_at_idx ON incidents (reported_at DESC);
`

// Store is a PostgreSQL-backed incident store.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the incidents table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("incident store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("incident store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("incident store: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [incident.Store].
func (s *Store) Append(ctx context.Context, rec incident.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO incidents (id, description, location, reported_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.Description, rec.Location, rec.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("incident store: append: %w", err)
	}
	return nil
}

// Recent implements [incident.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]incident.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, description, location, reported_at FROM incidents ORDER BY reported_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("incident store: recent: %w", err)
	}
	defer rows.Close()

	var out []incident.Record
	for rows.Next() {
		var rec incident.Record
		if err := rows.Scan(&rec.ID, &rec.Description, &rec.Location, &rec.ReportedAt); err != nil {
			return nil, fmt.Errorf("incident store: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("incident store: rows: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
