// Package bucket provides the guarded windowed counter shared by the quota
// engine and the IP rate limiter. A bucket is keyed by (subject, feature,
// window start); the increment itself is the admission check, so there is no
// read-then-write race to close elsewhere.
package bucket

import (
	"context"
	"time"
)

// Store defines the atomic counter backends.
// Consume increments the bucket by one unless that would push the count past
// limit. ok=false with a nil error means the limit blocked the increment; an
// error means the backend itself failed, which callers treat according to
// their own policy (quota: propagate, rate limit: fail open).
type Store interface {
	Consume(ctx context.Context, subject, feature string, windowStart time.Time, limit int64) (count int64, ok bool, err error)

	// Peek returns the current count without consuming.
	Peek(ctx context.Context, subject, feature string, windowStart time.Time) (int64, error)

	// Prune deletes buckets whose window started before the cutoff. Windows
	// are self-expiring by key, so pruning is housekeeping, not correctness.
	Prune(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
