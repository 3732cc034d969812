package ratelimit

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier keys. These end up in bucket features, so changing one orphans its
// live counters until they expire.
const (
	TierGlobal        = "ip:global"
	TierVoice         = "ip:voice-generation"
	TierVideo         = "ip:video-generation"
	TierImage         = "ip:image-generation"
	TierSignup        = "ip:signup"
	TierForumPost     = "ip:forum-post"
	TierDirectMessage = "ip:direct-message"
	TierAPIKeyAccess  = "ip:api-key-access"
)

// Catalog holds the named tiers. Global applies to every request; the rest
// are matched per endpoint or attached explicitly by handlers.
type Catalog struct {
	Global        Tier
	Voice         Tier
	Video         Tier
	Image         Tier
	Signup        Tier
	ForumPost     Tier
	DirectMessage Tier
	APIKeyAccess  Tier
}

// DefaultCatalog returns the built-in tier limits.
func DefaultCatalog() Catalog {
	return Catalog{
		Global:        Tier{Key: TierGlobal, Limit: 200, Window: time.Hour},
		Voice:         Tier{Key: TierVoice, Limit: 20, Window: time.Hour},
		Video:         Tier{Key: TierVideo, Limit: 10, Window: time.Hour},
		Image:         Tier{Key: TierImage, Limit: 30, Window: time.Hour},
		Signup:        Tier{Key: TierSignup, Limit: 5, Window: 24 * time.Hour},
		ForumPost:     Tier{Key: TierForumPost, Limit: 50, Window: time.Hour},
		DirectMessage: Tier{Key: TierDirectMessage, Limit: 30, Window: time.Hour},
		APIKeyAccess:  Tier{Key: TierAPIKeyAccess, Limit: 10, Window: time.Hour},
	}
}

// ForEndpoint maps a request path to its endpoint tier, most specific match
// first. Returns nil when only the global tier applies. Image and api-key
// tiers are never path-matched; handlers attach them explicitly.
func (c *Catalog) ForEndpoint(path string) *Tier {
	switch {
	case strings.Contains(path, "/marketing/voice"):
		return &c.Voice
	case strings.Contains(path, "/marketing/media"), strings.Contains(path, "/forge/media"):
		return &c.Video
	case strings.Contains(path, "/auth/signin"), strings.Contains(path, "/auth/signup"):
		return &c.Signup
	case strings.Contains(path, "/forum") && !strings.Contains(path, "/trending"):
		return &c.ForumPost
	case strings.Contains(path, "/messages"):
		return &c.DirectMessage
	}
	return nil
}

// tierOverride is one entry of a tier override file.
type tierOverride struct {
	Limit  *int64 `yaml:"limit"`
	Window string `yaml:"window"`
}

type overrideFile struct {
	Tiers map[string]tierOverride `yaml:"tiers"`
}

// ApplyFile overlays tier limits from a YAML file keyed by tier key, e.g.
//
//	tiers:
//	  ip:voice-generation:
//	    limit: 10
//	    window: 30m
//
// Unknown keys are rejected so typos do not silently leave defaults active.
func (c *Catalog) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tier overrides: %w", err)
	}
	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse tier overrides: %w", err)
	}

	byKey := map[string]*Tier{
		TierGlobal:        &c.Global,
		TierVoice:         &c.Voice,
		TierVideo:         &c.Video,
		TierImage:         &c.Image,
		TierSignup:        &c.Signup,
		TierForumPost:     &c.ForumPost,
		TierDirectMessage: &c.DirectMessage,
		TierAPIKeyAccess:  &c.APIKeyAccess,
	}
	for key, ov := range file.Tiers {
		tier, known := byKey[key]
		if !known {
			return fmt.Errorf("unknown tier %q in %s", key, path)
		}
		if ov.Limit != nil {
			tier.Limit = *ov.Limit
		}
		if ov.Window != "" {
			window, err := time.ParseDuration(ov.Window)
			if err != nil {
				return fmt.Errorf("tier %q window: %w", key, err)
			}
			if window <= 0 {
				return fmt.Errorf("tier %q window must be positive", key)
			}
			tier.Window = window
		}
	}
	return nil
}

// SetHeaders writes the standard rate-limit response headers, plus Retry-After
// when the request was blocked. Reset is epoch seconds per convention.
func SetHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed && res.RetryAfter > 0 {
		h.Set("Retry-After", strconv.FormatInt(res.RetryAfter, 10))
	}
}
