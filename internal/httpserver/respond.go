package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ventureforge/energy-gateway/internal/energy"
	"github.com/ventureforge/energy-gateway/internal/quota"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encode response")
	}
}

// writeError maps domain errors onto HTTP statuses. Insufficient balance is a
// business outcome (402), missing entities are 404, duplicates 409; anything
// unrecognized is a 500 and gets logged with full detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var insufficient *energy.InsufficientEnergyError
	switch {
	case errors.As(err, &insufficient):
		s.writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "Insufficient energy",
			"required":  insufficient.RequiredCredits,
			"available": insufficient.CreditsAvailable,
		})
	case errors.Is(err, energy.ErrAccountNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Account not found"})
	case errors.Is(err, energy.ErrReservationNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "Reservation not found"})
	case errors.Is(err, energy.ErrAccountExists):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "Account already exists"})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
}

func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeQuotaDenied renders a quota rejection with the standard limit headers.
// Reset is epoch seconds, matching the IP limiter's headers.
func (s *Server) writeQuotaDenied(w http.ResponseWriter, res quota.Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":   "Quota exceeded",
		"limit":   res.Limit,
		"resetAt": res.ResetAt.UTC(),
	})
}

func (s *Server) decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}
