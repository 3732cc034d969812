package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ventureforge/energy-gateway/internal/bucket/memory"
	"github.com/ventureforge/energy-gateway/internal/energy"
)

type fakeAccounts map[string]*energy.Account

func (f fakeAccounts) GetAccount(ctx context.Context, userID string) (*energy.Account, error) {
	if acct, ok := f[userID]; ok {
		return acct, nil
	}
	return nil, energy.ErrAccountNotFound
}

func newTestEngine(t *testing.T, accounts fakeAccounts, limits Limits) *Engine {
	t.Helper()
	buckets := memory.NewWithCleanup(0)
	t.Cleanup(func() { _ = buckets.Close() })
	return NewEngine(buckets, accounts, limits)
}

func TestConsumeWindowAlignsToBoundary(t *testing.T) {
	e := newTestEngine(t, fakeAccounts{}, Limits{})
	e.now = func() time.Time { return time.Date(2026, 3, 1, 10, 42, 13, 0, time.UTC) }

	res, err := e.ConsumeHourly(context.Background(), "u1", "f", 5)
	if err != nil {
		t.Fatalf("ConsumeHourly: %v", err)
	}
	wantReset := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !res.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset %v, got %v", wantReset, res.ResetAt)
	}
	if !res.Allowed || res.Remaining != 4 || res.Limit != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestConsumeDeniedAtLimit(t *testing.T) {
	e := newTestEngine(t, fakeAccounts{}, Limits{})
	e.now = func() time.Time { return time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC) }

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := e.ConsumeDaily(ctx, "u1", "f", 2)
		if err != nil || !res.Allowed {
			t.Fatalf("consume %d: %+v err=%v", i, res, err)
		}
	}
	res, err := e.ConsumeDaily(ctx, "u1", "f", 2)
	if err != nil {
		t.Fatalf("ConsumeDaily: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected denial, got %+v", res)
	}
}

// Adjacent fixed windows each grant the full limit; the burst across the
// boundary is accepted behavior.
func TestBoundaryBurst(t *testing.T) {
	e := newTestEngine(t, fakeAccounts{}, Limits{})
	ctx := context.Background()

	e.now = func() time.Time { return time.Date(2026, 3, 1, 10, 59, 59, 0, time.UTC) }
	if res, _ := e.ConsumeHourly(ctx, "u1", "f", 1); !res.Allowed {
		t.Fatalf("first window denied")
	}
	e.now = func() time.Time { return time.Date(2026, 3, 1, 11, 0, 1, 0, time.UTC) }
	if res, _ := e.ConsumeHourly(ctx, "u1", "f", 1); !res.Allowed {
		t.Fatalf("fresh window denied")
	}
}

func TestConsumeMonthlyCalendarWindow(t *testing.T) {
	e := newTestEngine(t, fakeAccounts{}, Limits{})
	ctx := context.Background()

	e.now = func() time.Time { return time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC) }
	res, err := e.ConsumeMonthly(ctx, "u1", "f", 1)
	if err != nil || !res.Allowed {
		t.Fatalf("january consume: %+v err=%v", res, err)
	}
	wantReset := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	if !res.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset %v, got %v", wantReset, res.ResetAt)
	}

	// Still January: blocked.
	if res, _ := e.ConsumeMonthly(ctx, "u1", "f", 1); res.Allowed {
		t.Fatalf("second january consume should be denied")
	}

	// February: clean slate.
	e.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC) }
	if res, _ := e.ConsumeMonthly(ctx, "u1", "f", 1); !res.Allowed {
		t.Fatalf("february consume should be allowed")
	}
}

func TestUnlimitedSkipsBucket(t *testing.T) {
	buckets := memory.NewWithCleanup(0)
	t.Cleanup(func() { _ = buckets.Close() })
	e := NewEngine(buckets, fakeAccounts{}, Limits{})

	res, err := e.ConsumeHourly(context.Background(), "u1", "f", 0)
	if err != nil {
		t.Fatalf("ConsumeHourly: %v", err)
	}
	if !res.Allowed || res.Limit != 0 {
		t.Fatalf("expected unlimited allow, got %+v", res)
	}
	if buckets.Len() != 0 {
		t.Fatalf("unlimited check must not write a bucket")
	}
}

func TestUserTier(t *testing.T) {
	accounts := fakeAccounts{
		"admin":   {ID: "admin", Role: energy.RoleAdmin},
		"paid":    {ID: "paid", Role: energy.RoleUser, SubscriptionStatus: "active", SubscriptionTier: "pro"},
		"trial":   {ID: "trial", Role: energy.RoleUser, SubscriptionStatus: "trialing", SubscriptionTier: "starter"},
		"lapsed":  {ID: "lapsed", Role: energy.RoleUser, SubscriptionStatus: "canceled", SubscriptionTier: "pro"},
		"freebie": {ID: "freebie", Role: energy.RoleUser, SubscriptionStatus: "active", SubscriptionTier: "free"},
		"nobody":  {ID: "nobody", Role: energy.RoleUser},
	}
	e := newTestEngine(t, accounts, Limits{})
	ctx := context.Background()

	cases := []struct {
		user string
		want Tier
	}{
		{"admin", TierPaid},
		{"paid", TierPaid},
		{"trial", TierPaid},
		{"lapsed", TierFree},
		{"freebie", TierFree},
		{"nobody", TierFree},
	}
	for _, c := range cases {
		got, err := e.UserTier(ctx, c.user)
		if err != nil {
			t.Fatalf("UserTier(%s): %v", c.user, err)
		}
		if got != c.want {
			t.Fatalf("UserTier(%s) = %s, want %s", c.user, got, c.want)
		}
	}

	if _, err := e.UserTier(ctx, "ghost"); !errors.Is(err, energy.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestFeatureChecksPickTierLimit(t *testing.T) {
	accounts := fakeAccounts{
		"free": {ID: "free", Role: energy.RoleUser},
		"paid": {ID: "paid", Role: energy.RoleUser, SubscriptionStatus: "active", SubscriptionTier: "pro"},
	}
	e := newTestEngine(t, accounts, Limits{
		VoiceDailyFree: 1,
		VoiceDailyPaid: 3,
	})
	ctx := context.Background()

	res, err := e.CheckDailyVoiceQuota(ctx, "free")
	if err != nil {
		t.Fatalf("CheckDailyVoiceQuota: %v", err)
	}
	if res.Limit != 1 {
		t.Fatalf("free tier limit = %d, want 1", res.Limit)
	}

	res, err = e.CheckDailyVoiceQuota(ctx, "paid")
	if err != nil {
		t.Fatalf("CheckDailyVoiceQuota: %v", err)
	}
	if res.Limit != 3 {
		t.Fatalf("paid tier limit = %d, want 3", res.Limit)
	}
}
