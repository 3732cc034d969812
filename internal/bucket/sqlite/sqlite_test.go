package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "buckets.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConsumeGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 2; i++ {
		count, ok, err := store.Consume(ctx, "system:ip", "ip:global:1.2.3.4", window, 2)
		if err != nil || !ok || count != i {
			t.Fatalf("consume %d: count=%d ok=%v err=%v", i, count, ok, err)
		}
	}
	_, ok, err := store.Consume(ctx, "system:ip", "ip:global:1.2.3.4", window, 2)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if ok {
		t.Fatalf("guard must reject past the limit")
	}

	// The rejected call left the count untouched.
	count, err := store.Peek(ctx, "system:ip", "ip:global:1.2.3.4", window)
	if err != nil || count != 2 {
		t.Fatalf("peek: count=%d err=%v", count, err)
	}
}

func TestNextWindowResets(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w2 := w1.Add(time.Hour)

	if _, ok, _ := store.Consume(ctx, "u", "f", w1, 1); !ok {
		t.Fatalf("first window blocked")
	}
	if _, ok, _ := store.Consume(ctx, "u", "f", w1, 1); ok {
		t.Fatalf("limit ignored")
	}
	if _, ok, _ := store.Consume(ctx, "u", "f", w2, 1); !ok {
		t.Fatalf("next window should start clean")
	}
}

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	window := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const workers = 25
	const limit = 10
	var wg sync.WaitGroup
	allowed := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Consume(ctx, "u", "f", window, limit)
			if err == nil && ok {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	var granted int
	for range allowed {
		granted++
	}
	if granted != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, granted)
	}
	count, _ := store.Peek(ctx, "u", "f", window)
	if count != limit {
		t.Fatalf("count overshot the limit: %d", count)
	}
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _, _ = store.Consume(ctx, "u", "f", old, 5)
	_, _, _ = store.Consume(ctx, "u", "f", recent, 5)

	removed, err := store.Prune(ctx, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	count, _ := store.Peek(ctx, "u", "f", recent)
	if count != 1 {
		t.Fatalf("recent bucket lost: %d", count)
	}
}
