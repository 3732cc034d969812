package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ventureforge/energy-gateway/internal/energy"
)

type createAccountRequest struct {
	ID                 string `json:"id" validate:"required"`
	Credits            int64  `json:"credits" validate:"gte=0"`
	Role               string `json:"role" validate:"omitempty,oneof=USER ADMIN"`
	SubscriptionStatus string `json:"subscriptionStatus"`
	SubscriptionTier   string `json:"subscriptionTier"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	role := energy.Role(req.Role)
	if role == "" {
		role = energy.RoleUser
	}

	acct, err := s.store.CreateAccount(r.Context(), energy.Account{
		ID:                 req.ID,
		Credits:            req.Credits,
		Role:               role,
		SubscriptionStatus: req.SubscriptionStatus,
		SubscriptionTier:   req.SubscriptionTier,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := s.store.ListEntries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}
