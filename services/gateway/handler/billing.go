package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/alfred/services/gateway/audit"
	"github.com/AlfredDev/alfred/services/gateway/billing"
	"github.com/AlfredDev/alfred/services/gateway/streaming"
)

// BillingHandler exposes the billing subsystem's read and webhook-effect
// surfaces: final-cost retrieval for the desktop client, audit chain
// verification, and the parsed-webhook effect entry point.
type BillingHandler struct {
	costs    *streaming.FinalCostCache
	effects  *billing.WebhookEffects
	chain    *audit.Chain
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewBillingHandler(costs *streaming.FinalCostCache, effects *billing.WebhookEffects, chain *audit.Chain, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		costs:    costs,
		effects:  effects,
		chain:    chain,
		validate: validator.New(),
		logger:   logger.With().Str("handler", "billing").Logger(),
	}
}

// FinalCost handles GET /v1/billing/costs/{requestId}.
func (h *BillingHandler) FinalCost(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	snap, ok := h.costs.Get(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no final cost recorded for request"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// WebhookEffectRequest is the already-parsed webhook effect body posted
// by the (out-of-scope) webhook receiver.
type WebhookEffectRequest struct {
	EventID    string                 `json:"event_id" validate:"required"`
	Kind       string                 `json:"kind" validate:"required"`
	EffectType string                 `json:"effect_type" validate:"required"`
	UserID     string                 `json:"user_id" validate:"required"`
	Gross      float64                `json:"gross" validate:"gt=0"`
	Fee        float64                `json:"fee" validate:"gte=0"`
	Currency   string                 `json:"currency" validate:"required"`
	ExternalID string                 `json:"external_id" validate:"required"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// WebhookEffect handles POST /v1/billing/webhook-effects. Duplicate
// event ids return 200 without reprocessing.
func (h *BillingHandler) WebhookEffect(w http.ResponseWriter, r *http.Request) {
	if h.effects == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "billing effects unavailable"})
		return
	}
	var req WebhookEffectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request JSON"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	err := h.effects.Apply(r.Context(), billing.WebhookEvent{
		EventID:    req.EventID,
		Kind:       req.Kind,
		EffectType: req.EffectType,
		UserID:     req.UserID,
		Gross:      req.Gross,
		Fee:        req.Fee,
		Currency:   req.Currency,
		ExternalID: req.ExternalID,
		Metadata:   req.Metadata,
	})
	switch {
	case errors.Is(err, billing.ErrWebhookDuplicate):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "event_id": req.EventID})
	case errors.Is(err, billing.ErrWebhookUnknownEffect):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		h.logger.Error().Err(err).Str("event_id", req.EventID).Msg("webhook effect failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook effect failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "event_id": req.EventID})
	}
}

// VerifyAuditEntry handles GET /v1/billing/audit/{id}/verify.
func (h *BillingHandler) VerifyAuditEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.chain.VerifyEntry(r.Context(), id); err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit entry not found"})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "id": id})
}

// VerifyAuditChain handles GET /v1/billing/audit/verify?limit=N.
func (h *BillingHandler) VerifyAuditChain(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	if err := h.chain.VerifyFullChain(r.Context(), limit); err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}
