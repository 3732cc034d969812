package httpserver

import (
	"net/http"

	"github.com/ventureforge/energy-gateway/internal/energy"
)

type reserveRequest struct {
	UserID    string         `json:"userId" validate:"required"`
	Amount    int64          `json:"amount"`
	Feature   string         `json:"feature" validate:"required"`
	RequestID string         `json:"requestId"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	res, err := s.store.Reserve(r.Context(), energy.ReserveInput{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Feature:   req.Feature,
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Model:     req.Model,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type settleRequest struct {
	ReservationID string             `json:"reservationId" validate:"required"`
	FinalCost     int64              `json:"finalCost"`
	Provider      string             `json:"provider"`
	Model         string             `json:"model"`
	Usage         *energy.TokenUsage `json:"usage"`
	Metadata      map[string]any     `json:"metadata"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	res, err := s.store.Settle(r.Context(), energy.SettleInput{
		ReservationID: req.ReservationID,
		FinalCost:     req.FinalCost,
		Provider:      req.Provider,
		Model:         req.Model,
		Usage:         req.Usage,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type refundRequest struct {
	ReservationID string `json:"reservationId" validate:"required"`
	Reason        string `json:"reason"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	res, err := s.store.Refund(r.Context(), req.ReservationID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res == nil {
		// Second refund of the same reservation: acknowledged, nothing moved.
		s.writeJSON(w, http.StatusOK, map[string]any{"alreadyRefunded": true})
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type grantRequest struct {
	UserID string `json:"userId" validate:"required"`
	Amount int64  `json:"amount" validate:"gte=1"`
	Reason string `json:"reason"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	res, err := s.store.Grant(r.Context(), req.UserID, req.Amount, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
