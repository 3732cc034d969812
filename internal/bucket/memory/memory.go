// Package memory provides an in-process bucket.Store. State lives in a map
// guarded by a mutex, so it is only correct when the service runs as a single
// instance; counts are lost on restart. Intended for development and tests.
package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count       int64
	windowStart time.Time
}

// Store implements bucket.Store in process memory.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
}

// New creates an in-memory bucket store with a five-minute cleanup cycle.
func New() *Store {
	return NewWithCleanup(5 * time.Minute)
}

// NewWithCleanup creates an in-memory store with a custom cleanup interval.
// An interval of zero disables the background janitor.
func NewWithCleanup(cleanupInterval time.Duration) *Store {
	s := &Store{
		buckets:         make(map[string]*entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

func key(subject, feature string, windowStart time.Time) string {
	return subject + "|" + feature + "|" + windowStart.UTC().Format(time.RFC3339Nano)
}

// Consume increments the bucket unless that would exceed the limit.
func (s *Store) Consume(ctx context.Context, subject, feature string, windowStart time.Time, limit int64) (int64, bool, error) {
	k := key(subject, feature, windowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[k]
	if !exists {
		s.buckets[k] = &entry{count: 1, windowStart: windowStart.UTC()}
		return 1, true, nil
	}
	if b.count >= limit {
		return 0, false, nil
	}
	b.count++
	return b.count, true, nil
}

// Peek returns the current count without consuming.
func (s *Store) Peek(ctx context.Context, subject, feature string, windowStart time.Time) (int64, error) {
	k := key(subject, feature, windowStart)

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, exists := s.buckets[k]; exists {
		return b.count, nil
	}
	return 0, nil
}

// Prune removes buckets whose window started before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, b := range s.buckets {
		if b.windowStart.Before(before) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed, nil
}

// Close stops the background janitor.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len reports the number of live buckets. Used by tests and stats endpoints.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Anything older than a day is past every configured window.
			_, _ = s.Prune(context.Background(), time.Now().Add(-24*time.Hour))
		case <-s.stopCleanup:
			return
		}
	}
}
