/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-playground/validator/v10: Request payload validation.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mercii/settlement-service/internal/app"
	"github.com/mercii/settlement-service/internal/domain"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service  *app.Service
	validate *validator.Validate
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{
		service:  service,
		validate: validator.New(),
	}
}

// redeemResponse is sent back to the mobile client after a redemption.
// UsedAt is null while the bonus is only reserved against a pending transfer.
type redeemResponse struct {
	BonusID        string  `json:"bonus_id"`
	MilestoneIndex int     `json:"milestone_index"`
	Amount         int64   `json:"amount"`
	Status         string  `json:"status"`
	UsedAt         *string `json:"used_at,omitempty"`
}

// GatewayWebhookHandler absorbs payment gateway settlement events. A 2xx
// acknowledges the delivery; a 5xx asks the gateway to redeliver.
func (h *SettlementHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var event domain.GatewayEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(event); err != nil {
		log.Printf("level=warn component=api endpoint=gateway_webhook outcome=reject reason=validation err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Missing or invalid webhook fields")
		return
	}

	if err := h.service.HandleGatewayEvent(r.Context(), event); err != nil {
		if errors.Is(err, app.ErrPayerMismatch) {
			// Parked for manual review; the gateway must not redeliver.
			h.writeJSON(w, http.StatusOK, map[string]string{"status": "parked"})
			return
		}
		log.Printf("level=error component=api endpoint=gateway_webhook correlation_id=%s msg=\"reconciliation failed\" err=%v", event.CorrelationID, err)
		h.writeError(w, http.StatusInternalServerError, "Settlement processing failed")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// RedeemBonusHandler handles user-initiated bonus redemption.
func (h *SettlementHandlers) RedeemBonusHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	var req domain.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Missing or invalid redemption fields")
		return
	}

	result, err := h.service.RedeemBonus(r.Context(), userID, req)
	if err != nil {
		h.writeRedeemError(w, userID, err)
		return
	}

	resp := redeemResponse{
		BonusID:        result.BonusID.String(),
		MilestoneIndex: result.MilestoneIndex,
		Amount:         result.Amount,
		Status:         "used",
	}
	if result.UsedAt != nil {
		usedAt := result.UsedAt.Format(time.RFC3339)
		resp.UsedAt = &usedAt
	} else {
		resp.Status = "reserved"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RewardSummaryHandler returns the caller's milestone progress for the
// current window.
func (h *SettlementHandlers) RewardSummaryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUserID(w, r)
	if !ok {
		return
	}

	summary, err := h.service.RewardSummary(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=reward_summary user_id=%s msg=\"summary failed\" err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load reward summary")
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// authenticatedUserID extracts and parses the authenticated subject.
func (h *SettlementHandlers) authenticatedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetClerkUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "Invalid user identity")
		return uuid.Nil, false
	}
	return userID, true
}

// writeRedeemError maps redemption failures onto HTTP statuses. The machine
// reason code rides along so the app can branch without string matching.
func (h *SettlementHandlers) writeRedeemError(w http.ResponseWriter, userID uuid.UUID, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Too many redemption attempts. Please slow down."})
		return
	}

	var redeemErr *domain.RedeemError
	if errors.As(err, &redeemErr) {
		status := http.StatusUnprocessableEntity
		switch redeemErr.Kind {
		case domain.FailureNotFound:
			status = http.StatusNotFound
		case domain.FailureConflict:
			status = http.StatusConflict
		}
		h.writeJSON(w, status, map[string]string{
			"error":  redeemErr.Detail,
			"reason": redeemErr.Reason,
		})
		return
	}

	log.Printf("level=error component=api endpoint=redeem user_id=%s msg=\"redemption failed\" err=%v", userID, err)
	h.writeError(w, http.StatusInternalServerError, "Unable to redeem bonus")
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
