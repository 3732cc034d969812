package ratelimit

import (
	"encoding/json"
	"net/http"
)

// Middleware enforces the global tier on every request, then the endpoint
// tier when the path maps to one. Allowed responses carry the endpoint tier's
// headers (or the global tier's, when no endpoint tier matched) so clients
// can pace themselves.
func (l *Limiter) Middleware(catalog Catalog) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.enabled {
				next.ServeHTTP(w, r)
				return
			}
			ip := ExtractIPAddress(r)

			global := l.Check(r.Context(), ip, catalog.Global)
			if !global.Allowed {
				l.reject(w, ip, catalog.Global, global)
				return
			}

			if tier := catalog.ForEndpoint(r.URL.Path); tier != nil {
				res := l.Check(r.Context(), ip, *tier)
				if !res.Allowed {
					l.reject(w, ip, *tier, res)
					return
				}
				SetHeaders(w.Header(), res)
			} else {
				SetHeaders(w.Header(), global)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Wrap guards a single handler with an explicit tier, for endpoints the path
// catalog does not cover (image generation, API key access). The global tier
// is assumed to have run in the middleware chain already.
func (l *Limiter) Wrap(tier Tier, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.enabled {
			next(w, r)
			return
		}
		ip := ExtractIPAddress(r)
		res := l.Check(r.Context(), ip, tier)
		if !res.Allowed {
			l.reject(w, ip, tier, res)
			return
		}
		SetHeaders(w.Header(), res)
		next(w, r)
	}
}

func (l *Limiter) reject(w http.ResponseWriter, ip string, tier Tier, res Result) {
	l.logger.Warn().
		Str("tier", tier.Key).
		Str("ip", SanitizeIP(ip)).
		Int64("limit", res.Limit).
		Msg("rate limit exceeded")

	SetHeaders(w.Header(), res)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "Too many requests. Please try again later.",
		"retryAfter": res.RetryAfter,
	})
}
