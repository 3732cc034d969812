package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ventureforge/energy-gateway/internal/bucket/memory"
)

// brokenStore fails every operation, for exercising the fail-open path.
type brokenStore struct{}

func (brokenStore) Consume(ctx context.Context, subject, feature string, windowStart time.Time, limit int64) (int64, bool, error) {
	return 0, false, errors.New("backend down")
}
func (brokenStore) Peek(ctx context.Context, subject, feature string, windowStart time.Time) (int64, error) {
	return 0, errors.New("backend down")
}
func (brokenStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("backend down")
}
func (brokenStore) Close() error { return nil }

func TestExtractIPAddressPriority(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("CF-Connecting-IP", "1.1.1.1")
	r.Header.Set("X-Real-IP", "2.2.2.2")
	r.Header.Set("X-Forwarded-For", "3.3.3.3, 4.4.4.4")
	if got := ExtractIPAddress(r); got != "1.1.1.1" {
		t.Fatalf("CF header should win, got %s", got)
	}

	r.Header.Del("CF-Connecting-IP")
	if got := ExtractIPAddress(r); got != "2.2.2.2" {
		t.Fatalf("X-Real-IP should win next, got %s", got)
	}

	r.Header.Del("X-Real-IP")
	if got := ExtractIPAddress(r); got != "3.3.3.3" {
		t.Fatalf("first forwarded hop should win, got %s", got)
	}

	r.Header.Del("X-Forwarded-For")
	if got := ExtractIPAddress(r); got != "0.0.0.0" {
		t.Fatalf("expected sentinel, got %s", got)
	}
}

func TestSanitizeIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"192.168.1.1", "192.168.1.1"},
		{"2001:db8::1", "2001:db8::1"},
		{"1.2.3.4; DROP TABLE", "1.2.3.4DABE"},
		{"<script>", "c"},
	}
	for _, c := range cases {
		if got := SanitizeIP(c.in); got != c.want {
			t.Fatalf("SanitizeIP(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	long := ""
	for i := 0; i < 60; i++ {
		long += "f"
	}
	if got := SanitizeIP(long); len(got) != maxIPLength {
		t.Fatalf("expected cap at %d, got %d", maxIPLength, len(got))
	}
}

func TestCheckConsumesTier(t *testing.T) {
	store := memory.NewWithCleanup(0)
	t.Cleanup(func() { _ = store.Close() })
	l := NewLimiter(store, true, zerolog.Nop())

	tier := Tier{Key: "ip:test", Limit: 2, Window: time.Hour}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := l.Check(ctx, "1.2.3.4", tier)
		if !res.Allowed {
			t.Fatalf("check %d denied", i)
		}
	}
	res := l.Check(ctx, "1.2.3.4", tier)
	if res.Allowed {
		t.Fatalf("third check should be blocked")
	}
	if res.RetryAfter < 1 {
		t.Fatalf("blocked result needs RetryAfter, got %d", res.RetryAfter)
	}

	// A different IP has its own bucket.
	if res := l.Check(ctx, "5.6.7.8", tier); !res.Allowed {
		t.Fatalf("other IP should be unaffected")
	}
}

func TestCheckFailsOpenOnBackendError(t *testing.T) {
	l := NewLimiter(brokenStore{}, true, zerolog.Nop())
	res := l.Check(context.Background(), "1.2.3.4", Tier{Key: "ip:test", Limit: 1, Window: time.Hour})
	if !res.Allowed {
		t.Fatalf("backend failure must fail open")
	}
}

func TestDisabledLimiterAlwaysAllows(t *testing.T) {
	store := memory.NewWithCleanup(0)
	t.Cleanup(func() { _ = store.Close() })
	l := NewLimiter(store, false, zerolog.Nop())

	tier := Tier{Key: "ip:test", Limit: 1, Window: time.Hour}
	for i := 0; i < 5; i++ {
		if res := l.Check(context.Background(), "1.2.3.4", tier); !res.Allowed {
			t.Fatalf("disabled limiter denied request %d", i)
		}
	}
	if store.Len() != 0 {
		t.Fatalf("disabled limiter must not touch the store")
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	store := memory.NewWithCleanup(0)
	t.Cleanup(func() { _ = store.Close() })
	l := NewLimiter(store, true, zerolog.Nop())

	tier := Tier{Key: "ip:test", Limit: 5, Window: time.Hour}
	ctx := context.Background()
	l.Check(ctx, "1.2.3.4", tier)

	for i := 0; i < 3; i++ {
		current, _, err := l.Status(ctx, "1.2.3.4", tier)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if current != 1 {
			t.Fatalf("status consumed: count %d", current)
		}
	}
}
