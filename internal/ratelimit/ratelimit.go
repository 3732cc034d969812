// Package ratelimit bounds request volume per client IP, independent of
// authentication, to blunt multi-account abuse and brute force. The whole
// subsystem fails open: a broken limiter must never become a full outage.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ventureforge/energy-gateway/internal/bucket"
)

// maxIPLength caps sanitized IPs at the longest textual IPv6 form.
const maxIPLength = 45

// ipSubject namespaces IP buckets away from user-id quota buckets in the
// shared bucket table.
const ipSubject = "system:ip"

// Tier is a named rate-limit configuration.
type Tier struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// Result is the outcome of a rate-limit check. RetryAfter is the whole
// seconds until the window resets, set only when blocked.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int64     `json:"remaining"`
	Limit      int64     `json:"limit"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
}

// ExtractIPAddress resolves the client IP with provider-header priority.
// Edge-injected headers come first; the spoofable forwarded-for chain is the
// last resort before the sentinel.
func ExtractIPAddress(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	return "0.0.0.0"
}

// SanitizeIP strips everything that is not a hex digit, dot, or colon and
// caps the length, so header-controlled values cannot inject into storage
// keys.
func SanitizeIP(ip string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
			return r
		case r == '.', r == ':':
			return r
		}
		return -1
	}, ip)
	if len(clean) > maxIPLength {
		clean = clean[:maxIPLength]
	}
	return clean
}

// Limiter checks IP tiers against a pluggable bucket backend.
type Limiter struct {
	store   bucket.Store
	enabled bool
	logger  zerolog.Logger

	now func() time.Time
}

// NewLimiter creates a limiter. When enabled is false every check allows.
func NewLimiter(store bucket.Store, enabled bool, logger zerolog.Logger) *Limiter {
	return &Limiter{store: store, enabled: enabled, logger: logger, now: time.Now}
}

// Enabled reports whether IP limiting is active.
func (l *Limiter) Enabled() bool { return l.enabled }

// Check consumes one request from the tier's window for the given IP.
// Backend errors are swallowed and the request allowed (fail-open), logged at
// warn so operators still see a broken backend.
func (l *Limiter) Check(ctx context.Context, ip string, tier Tier) Result {
	now := l.now().UTC()

	if !l.enabled || tier.Limit <= 0 {
		return Result{Allowed: true, Remaining: tier.Limit, Limit: tier.Limit, ResetAt: now.Add(tier.Window)}
	}

	windowStart := now.Truncate(tier.Window)
	resetAt := windowStart.Add(tier.Window)
	feature := tier.Key + ":" + SanitizeIP(ip)

	count, ok, err := l.store.Consume(ctx, ipSubject, feature, windowStart, tier.Limit)
	if err != nil {
		l.logger.Warn().Err(err).Str("tier", tier.Key).Msg("rate limit backend error, allowing request")
		return Result{Allowed: true, Remaining: tier.Limit, Limit: tier.Limit, ResetAt: resetAt}
	}
	if !ok {
		retryAfter := int64(resetAt.Sub(now).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Result{Allowed: false, Remaining: 0, Limit: tier.Limit, ResetAt: resetAt, RetryAfter: retryAfter}
	}
	remaining := tier.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Remaining: remaining, Limit: tier.Limit, ResetAt: resetAt}
}

// Status returns the current count for an IP without consuming. Useful for
// dashboards and user-facing quota displays.
func (l *Limiter) Status(ctx context.Context, ip string, tier Tier) (current int64, resetAt time.Time, err error) {
	now := l.now().UTC()
	windowStart := now.Truncate(tier.Window)
	resetAt = windowStart.Add(tier.Window)
	feature := tier.Key + ":" + SanitizeIP(ip)

	current, err = l.store.Peek(ctx, ipSubject, feature, windowStart)
	return current, resetAt, err
}
