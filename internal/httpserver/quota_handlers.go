package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ventureforge/energy-gateway/internal/quota"
	"github.com/ventureforge/energy-gateway/internal/ratelimit"
)

type quotaCheckRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// handleQuotaCheck consumes one unit of the named feature quota. A check is a
// consumption; callers must refund compensating state themselves if the work
// fails afterwards.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	var req quotaCheckRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	var (
		res quota.Result
		err error
	)
	switch feature := chi.URLParam(r, "feature"); feature {
	case "voice":
		res, err = s.quota.CheckDailyVoiceQuota(r.Context(), req.UserID)
	case "video":
		res, err = s.quota.CheckDailyVideoQuota(r.Context(), req.UserID)
	case "avatar":
		res, err = s.quota.CheckMonthlyAvatarQuota(r.Context(), req.UserID)
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown quota feature"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !res.Allowed {
		s.writeQuotaDenied(w, res)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleRateLimitStatus reports the caller's current standing against a tier
// without consuming a request.
func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	tierKey := r.URL.Query().Get("tier")
	tier, ok := s.tierByKey(tierKey)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown tier"})
		return
	}

	ip := ratelimit.ExtractIPAddress(r)
	current, resetAt, err := s.limiter.Status(r.Context(), ip, tier)
	if err != nil {
		// Peek shares the limiter's fail-open stance: report a clean slate.
		s.logger.Warn().Err(err).Str("tier", tier.Key).Msg("rate limit status lookup failed")
		current = 0
		resetAt = time.Now().UTC().Add(tier.Window)
	}
	remaining := tier.Limit - current
	if remaining < 0 {
		remaining = 0
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tier":      tier.Key,
		"current":   current,
		"limit":     tier.Limit,
		"remaining": remaining,
		"resetAt":   resetAt.UTC(),
	})
}
