package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"
)

// Store implements bucket.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite bucket store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	subject TEXT NOT NULL,
	feature TEXT NOT NULL,
	window_start TIMESTAMP NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
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
	now := time.Now().UTC()
	var count int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO rate_limit_buckets(subject, feature, window_start, count, created_at, updated_at)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT (subject, feature, window_start)
DO UPDATE SET count = count + 1, updated_at = excluded.updated_at
WHERE count < ?
RETURNING count`,
		subject, feature, windowStart.UTC(), now, now, limit,
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
WHERE subject = ? AND feature = ? AND window_start = ?`,
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
DELETE FROM rate_limit_buckets WHERE window_start < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune buckets: %w", err)
	}
	return res.RowsAffected()
}
