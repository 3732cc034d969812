// Package quota enforces per-user windowed usage ceilings, independent of
// credit balance. Windows are boundary-aligned fixed slices (hour/day) or
// calendar months; all admission goes through the shared bucket primitive.
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ventureforge/energy-gateway/internal/bucket"
	"github.com/ventureforge/energy-gateway/internal/energy"
)

// Tier is a subscription level used to pick quota limits.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Result is the outcome of a quota check. A denied check is data, not an
// error: callers usually continue with compensating logic (refund a
// reservation already taken) rather than unwind.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limits holds the per-feature, per-tier ceilings. Populated from Config once
// at startup; zero or negative values mean unlimited.
type Limits struct {
	VoiceDailyFree    int64
	VoiceDailyPaid    int64
	VideoDailyFree    int64
	VideoDailyPaid    int64
	AvatarMonthlyFree int64
	AvatarMonthlyPaid int64
}

// AccountSource resolves user accounts for tier lookups.
type AccountSource interface {
	GetAccount(ctx context.Context, userID string) (*energy.Account, error)
}

// Engine checks and consumes quota windows.
type Engine struct {
	buckets  bucket.Store
	accounts AccountSource
	limits   Limits

	now func() time.Time
}

// NewEngine creates a quota engine over the given bucket store.
func NewEngine(buckets bucket.Store, accounts AccountSource, limits Limits) *Engine {
	return &Engine{
		buckets:  buckets,
		accounts: accounts,
		limits:   limits,
		now:      time.Now,
	}
}

// ConsumeWindow consumes one unit from the fixed window containing now.
// Windows are aligned to boundaries (floor(now/window)*window), so all
// requests in the same slice share a bucket. This is deliberately not a
// sliding window: a caller can see up to 2x the limit across a boundary edge.
func (e *Engine) ConsumeWindow(ctx context.Context, userID, feature string, limit int64, window time.Duration) (Result, error) {
	now := e.now().UTC()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	return e.consume(ctx, userID, feature, limit, windowStart, resetAt)
}

// ConsumeHourly consumes one unit from the current hour-aligned window.
func (e *Engine) ConsumeHourly(ctx context.Context, userID, feature string, limit int64) (Result, error) {
	return e.ConsumeWindow(ctx, userID, feature, limit, time.Hour)
}

// ConsumeDaily consumes one unit from the current day-aligned window.
func (e *Engine) ConsumeDaily(ctx context.Context, userID, feature string, limit int64) (Result, error) {
	return e.ConsumeWindow(ctx, userID, feature, limit, 24*time.Hour)
}

// ConsumeMonthly consumes one unit from the current calendar month. Months
// have variable length, so the window runs from the first of the current UTC
// month to the first of the next.
func (e *Engine) ConsumeMonthly(ctx context.Context, userID, feature string, limit int64) (Result, error) {
	now := e.now().UTC()
	windowStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	resetAt := windowStart.AddDate(0, 1, 0)
	return e.consume(ctx, userID, feature, limit, windowStart, resetAt)
}

func (e *Engine) consume(ctx context.Context, userID, feature string, limit int64, windowStart, resetAt time.Time) (Result, error) {
	if limit <= 0 {
		return Result{Allowed: true, Remaining: math.MaxInt64, Limit: 0, ResetAt: resetAt}, nil
	}
	count, ok, err := e.buckets.Consume(ctx, userID, feature, windowStart, limit)
	if err != nil {
		return Result{}, fmt.Errorf("consume quota %q: %w", feature, err)
	}
	if !ok {
		return Result{Allowed: false, Remaining: 0, Limit: limit, ResetAt: resetAt}, nil
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, Limit: limit, ResetAt: resetAt}, nil
}

// UserTier resolves the subscription tier for limit selection. Administrators
// are always paid; otherwise an active or trialing subscription on a non-free
// tier counts as paid.
func (e *Engine) UserTier(ctx context.Context, userID string) (Tier, error) {
	acct, err := e.accounts.GetAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	if acct.Role == energy.RoleAdmin {
		return TierPaid, nil
	}
	switch acct.SubscriptionStatus {
	case "active", "trialing":
		if acct.SubscriptionTier != "" && acct.SubscriptionTier != "free" {
			return TierPaid, nil
		}
	}
	return TierFree, nil
}

// CheckDailyVoiceQuota consumes the voice-generation daily quota at the
// user's tier limit.
func (e *Engine) CheckDailyVoiceQuota(ctx context.Context, userID string) (Result, error) {
	limit, err := e.tierLimit(ctx, userID, e.limits.VoiceDailyFree, e.limits.VoiceDailyPaid)
	if err != nil {
		return Result{}, err
	}
	return e.ConsumeDaily(ctx, userID, "quota:voice-daily", limit)
}

// CheckDailyVideoQuota consumes the video-generation daily quota at the
// user's tier limit.
func (e *Engine) CheckDailyVideoQuota(ctx context.Context, userID string) (Result, error) {
	limit, err := e.tierLimit(ctx, userID, e.limits.VideoDailyFree, e.limits.VideoDailyPaid)
	if err != nil {
		return Result{}, err
	}
	return e.ConsumeDaily(ctx, userID, "quota:video-daily", limit)
}

// CheckMonthlyAvatarQuota consumes the avatar-generation monthly quota at the
// user's tier limit.
func (e *Engine) CheckMonthlyAvatarQuota(ctx context.Context, userID string) (Result, error) {
	limit, err := e.tierLimit(ctx, userID, e.limits.AvatarMonthlyFree, e.limits.AvatarMonthlyPaid)
	if err != nil {
		return Result{}, err
	}
	return e.ConsumeMonthly(ctx, userID, "quota:avatar-monthly", limit)
}

func (e *Engine) tierLimit(ctx context.Context, userID string, free, paid int64) (int64, error) {
	tier, err := e.UserTier(ctx, userID)
	if err != nil {
		return 0, err
	}
	if tier == TierPaid {
		return paid, nil
	}
	return free, nil
}
