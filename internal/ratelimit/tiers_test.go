package ratelimit

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestForEndpointMatchingOrder(t *testing.T) {
	c := DefaultCatalog()
	cases := []struct {
		path string
		want string
	}{
		{"/api/ventures/v1/marketing/voice", TierVoice},
		{"/api/ventures/v1/marketing/media", TierVideo},
		{"/api/forge/media", TierVideo},
		{"/api/auth/signup", TierSignup},
		{"/api/auth/signin", TierSignup},
		{"/api/forum/posts", TierForumPost},
		{"/api/messages/42", TierDirectMessage},
	}
	for _, tc := range cases {
		tier := c.ForEndpoint(tc.path)
		if tier == nil {
			t.Fatalf("ForEndpoint(%s) = nil, want %s", tc.path, tc.want)
		}
		if tier.Key != tc.want {
			t.Fatalf("ForEndpoint(%s) = %s, want %s", tc.path, tier.Key, tc.want)
		}
	}

	// Trending reads are exempt from the forum posting tier.
	if tier := c.ForEndpoint("/api/forum/trending"); tier != nil {
		t.Fatalf("trending must not match a tier, got %s", tier.Key)
	}
	if tier := c.ForEndpoint("/api/ventures"); tier != nil {
		t.Fatalf("unmatched path should fall to global only, got %s", tier.Key)
	}
}

func TestDefaultCatalogLimits(t *testing.T) {
	c := DefaultCatalog()
	if c.Global.Limit != 200 || c.Global.Window != time.Hour {
		t.Fatalf("bad global tier %+v", c.Global)
	}
	if c.Signup.Limit != 5 || c.Signup.Window != 24*time.Hour {
		t.Fatalf("bad signup tier %+v", c.Signup)
	}
}

func TestApplyFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	content := `
tiers:
  ip:voice-generation:
    limit: 7
    window: 30m
  ip:global:
    limit: 500
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	c := DefaultCatalog()
	if err := c.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if c.Voice.Limit != 7 || c.Voice.Window != 30*time.Minute {
		t.Fatalf("voice override not applied: %+v", c.Voice)
	}
	if c.Global.Limit != 500 || c.Global.Window != time.Hour {
		t.Fatalf("global override wrong: %+v", c.Global)
	}
	// Untouched tiers keep their defaults.
	if c.Video.Limit != 10 {
		t.Fatalf("video tier changed unexpectedly: %+v", c.Video)
	}
}

func TestApplyFileRejectsUnknownTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte("tiers:\n  ip:typo:\n    limit: 1\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	c := DefaultCatalog()
	if err := c.ApplyFile(path); err == nil {
		t.Fatalf("expected error for unknown tier key")
	}
}

func TestSetHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	reset := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	SetHeaders(rec.Header(), Result{Allowed: false, Remaining: 0, Limit: 20, ResetAt: reset, RetryAfter: 42})

	h := rec.Header()
	if h.Get("X-RateLimit-Limit") != "20" || h.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("bad limit headers: %v", h)
	}
	// Reset is epoch seconds, not a formatted timestamp.
	if h.Get("X-RateLimit-Reset") != "1772362800" {
		t.Fatalf("bad reset header: %s", h.Get("X-RateLimit-Reset"))
	}
	if h.Get("Retry-After") != "42" {
		t.Fatalf("bad retry header: %s", h.Get("Retry-After"))
	}

	rec = httptest.NewRecorder()
	SetHeaders(rec.Header(), Result{Allowed: true, Remaining: 5, Limit: 20, ResetAt: reset})
	if rec.Header().Get("Retry-After") != "" {
		t.Fatalf("allowed result must not set Retry-After")
	}
}
