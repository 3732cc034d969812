package httpserver

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ventureforge/energy-gateway/internal/energy"
	"github.com/ventureforge/energy-gateway/internal/provider"
)

// Voice generation pricing.
const (
	voiceCreditsPer1k    = 10
	voiceMinimumCredits  = 1
	voiceFeature         = "voice-generation"
	voiceReserveHeadroom = 2
)

type generateVoiceRequest struct {
	UserID    string `json:"userId" validate:"required"`
	Prompt    string `json:"prompt" validate:"required"`
	Model     string `json:"model"`
	RequestID string `json:"requestId"`
}

type generateVoiceResponse struct {
	Output           string            `json:"output"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	Usage            energy.TokenUsage `json:"usage"`
	ReservationID    string            `json:"reservationId"`
	CreditsCharged   int64             `json:"creditsCharged"`
	CreditsRemaining int64             `json:"creditsRemaining"`
}

// handleGenerateVoice runs the full metered pipeline: reserve an estimate,
// take the quota slot, call the provider, settle at actual cost. Any failure
// after the reservation refunds it so the user is never charged for work that
// did not happen.
func (s *Server) handleGenerateVoice(w http.ResponseWriter, r *http.Request) {
	var req generateVoiceRequest
	if err := s.decode(r, &req); err != nil {
		s.writeValidationError(w, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	// Reserve against the prompt estimate with headroom for the completion;
	// settlement trues this up against real usage.
	estimate := energy.CalculateTokenCredits(
		energy.EstimateTokens(req.Prompt)*voiceReserveHeadroom,
		voiceCreditsPer1k, voiceMinimumCredits)

	reservation, err := s.store.Reserve(r.Context(), energy.ReserveInput{
		UserID:    req.UserID,
		Amount:    estimate,
		Feature:   voiceFeature,
		RequestID: req.RequestID,
		Model:     req.Model,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	quotaRes, err := s.quota.CheckDailyVoiceQuota(r.Context(), req.UserID)
	if err != nil {
		s.refundReservation(r, reservation.ReservationID, "quota-check-failed")
		s.writeError(w, err)
		return
	}
	if !quotaRes.Allowed {
		s.refundReservation(r, reservation.ReservationID, "quota-exceeded")
		s.writeQuotaDenied(w, quotaRes)
		return
	}

	generated, err := s.generator.Generate(r.Context(), provider.Request{
		UserID:  req.UserID,
		Feature: voiceFeature,
		Model:   req.Model,
		Prompt:  req.Prompt,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("feature", voiceFeature).Msg("generation failed")
		s.refundReservation(r, reservation.ReservationID, "provider-failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "Generation failed"})
		return
	}

	finalCost := energy.CalculateTokenCredits(
		generated.Usage.TotalTokens, voiceCreditsPer1k, voiceMinimumCredits)

	// Settlement never charges beyond the reservation; report the same cap.
	charged := finalCost
	if charged > reservation.ReservedCredits {
		charged = reservation.ReservedCredits
	}

	settled, err := s.store.Settle(r.Context(), energy.SettleInput{
		ReservationID: reservation.ReservationID,
		FinalCost:     finalCost,
		Provider:      generated.Provider,
		Model:         generated.Model,
		Usage:         &generated.Usage,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, generateVoiceResponse{
		Output:           generated.Output,
		Provider:         generated.Provider,
		Model:            generated.Model,
		Usage:            generated.Usage,
		ReservationID:    reservation.ReservationID,
		CreditsCharged:   charged,
		CreditsRemaining: settled.CreditsRemaining,
	})
}

// refundReservation is the compensation step; its own failure is logged and
// otherwise swallowed because the caller is already on an error path.
func (s *Server) refundReservation(r *http.Request, reservationID, reason string) {
	if _, err := s.store.Refund(r.Context(), reservationID, reason); err != nil {
		s.logger.Error().Err(err).
			Str("reservation_id", reservationID).
			Str("reason", reason).
			Msg("refund after failed pipeline step")
	}
}
