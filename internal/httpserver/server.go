// Package httpserver exposes the REST surface: accounts, the energy ledger
// lifecycle, quota checks, and the metered generation pipeline.
package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ventureforge/energy-gateway/internal/energy"
	"github.com/ventureforge/energy-gateway/internal/health"
	"github.com/ventureforge/energy-gateway/internal/provider"
	"github.com/ventureforge/energy-gateway/internal/quota"
	"github.com/ventureforge/energy-gateway/internal/ratelimit"
	"github.com/ventureforge/energy-gateway/internal/version"
)

// Server wires the engines into HTTP handlers.
type Server struct {
	store     energy.Store
	quota     *quota.Engine
	limiter   *ratelimit.Limiter
	catalog   ratelimit.Catalog
	generator provider.Generator
	validate  *validator.Validate
	logger    zerolog.Logger
	health    *health.Checker
}

// NewServer creates the HTTP server façade.
func NewServer(
	store energy.Store,
	quotaEngine *quota.Engine,
	limiter *ratelimit.Limiter,
	catalog ratelimit.Catalog,
	generator provider.Generator,
	logger zerolog.Logger,
) *Server {
	return &Server{
		store:     store,
		quota:     quotaEngine,
		limiter:   limiter,
		catalog:   catalog,
		generator: generator,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Router builds the chi handler tree. The global IP tier runs on everything
// under /v1; endpoint tiers come from the catalog or explicit wraps.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware(s.catalog))

		r.Post("/accounts", s.handleCreateAccount)
		r.Get("/accounts/{id}", s.handleGetAccount)
		r.Get("/accounts/{id}/transactions", s.handleListTransactions)

		r.Post("/energy/reserve", s.handleReserve)
		r.Post("/energy/settle", s.handleSettle)
		r.Post("/energy/refund", s.handleRefund)
		r.Post("/energy/grant", s.handleGrant)

		r.Post("/quota/{feature}", s.handleQuotaCheck)
		r.Get("/ratelimit/status", s.handleRateLimitStatus)

		r.Post("/generate/voice", s.limiter.Wrap(s.catalog.Voice, s.handleGenerateVoice))
	})

	return r
}

// SetHealthChecker attaches backend probes to /healthz. Without one the
// endpoint only reports that the process is serving.
func (s *Server) SetHealthChecker(c *health.Checker) { s.health = c }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": health.StatusHealthy,
		"build":  version.Current(),
	}
	status := http.StatusOK
	if s.health != nil {
		overall, checks := s.health.Run(r.Context())
		body["status"] = overall
		body["checks"] = checks
		if overall != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, body)
}

// tierByKey resolves a catalog tier from its key. An empty key means the
// global tier.
func (s *Server) tierByKey(key string) (ratelimit.Tier, bool) {
	switch key {
	case "", ratelimit.TierGlobal:
		return s.catalog.Global, true
	case ratelimit.TierVoice:
		return s.catalog.Voice, true
	case ratelimit.TierVideo:
		return s.catalog.Video, true
	case ratelimit.TierImage:
		return s.catalog.Image, true
	case ratelimit.TierSignup:
		return s.catalog.Signup, true
	case ratelimit.TierForumPost:
		return s.catalog.ForumPost, true
	case ratelimit.TierDirectMessage:
		return s.catalog.DirectMessage, true
	case ratelimit.TierAPIKeyAccess:
		return s.catalog.APIKeyAccess, true
	}
	return ratelimit.Tier{}, false
}
