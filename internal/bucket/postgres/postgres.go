package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// register pgx stdlib driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements bucket.Store backed by PostgreSQL. The insert-or-increment
// with a guard is one round trip; zero affected rows signals rejection.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed bucket store.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle, sharing the caller's pool.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	subject TEXT NOT NULL,
	feature TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (subject, feature, window_start)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Consume atomically increments the bucket, guarded by count < limit.
func (s *Store) Consume(ctx context.Context, subject, feature string, windowStart time.Time, limit int64) (int64, bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO rate_limit_buckets(subject, feature, window_start, count, created_at, updated_at)
VALUES($1, $2, $3, 1, NOW(), NOW())
ON CONFLICT (subject, feature, window_start)
DO UPDATE SET count = rate_limit_buckets.count + 1, updated_at = NOW()
WHERE rate_limit_buckets.count < $4
RETURNING count`,
		subject, feature, windowStart.UTC(), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume bucket: %w", err)
	}
	return count, true, nil
}

// Peek returns the current count without consuming.
func (s *Store) Peek(ctx context.Context, subject, feature string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
SELECT count FROM rate_limit_buckets
WHERE subject = $1 AND feature = $2 AND window_start = $3`,
		subject, feature, windowStart.UTC(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek bucket: %w", err)
	}
	return count, nil
}

// Prune deletes buckets from windows that started before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM rate_limit_buckets WHERE window_start < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune buckets: %w", err)
	}
	return res.RowsAffected()
}
