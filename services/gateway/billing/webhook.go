package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	webhookStateProcessing = "processing"
	webhookStateCompleted  = "completed"
	webhookStateFailed     = "failed"
)

type webhookError string

func (e webhookError) Error() string { return string(e) }

const (
	// ErrWebhookDuplicate means the event was already processed (or is
	// mid-flight elsewhere); callers return 200 without reprocessing.
	ErrWebhookDuplicate     = webhookError("webhook event already processed")
	ErrWebhookUnknownEffect = webhookError("webhook event carries no recognized effect")
)

// WebhookIdempotency enforces exactly-once webhook processing keyed by
// the upstream event id: acquire-lock → process → mark terminal.
type WebhookIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewWebhookIdempotency(rdb *redis.Client, ttl time.Duration) *WebhookIdempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookIdempotency{rdb: rdb, ttl: ttl}
}

func webhookKey(eventID string) string { return "billing:webhook:" + eventID }

// Acquire claims the event for processing. Returns ErrWebhookDuplicate
// if another worker already claimed or finished it.
func (w *WebhookIdempotency) Acquire(ctx context.Context, eventID string) error {
	ok, err := w.rdb.SetNX(ctx, webhookKey(eventID), webhookStateProcessing, w.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire webhook lock: %w", err)
	}
	if !ok {
		return ErrWebhookDuplicate
	}
	return nil
}

// MarkCompleted records terminal success for the event id.
func (w *WebhookIdempotency) MarkCompleted(ctx context.Context, eventID string) error {
	return w.rdb.Set(ctx, webhookKey(eventID), webhookStateCompleted, w.ttl).Err()
}

// MarkFailed releases the claim so a retried delivery can reprocess.
func (w *WebhookIdempotency) MarkFailed(ctx context.Context, eventID string) error {
	return w.rdb.Del(ctx, webhookKey(eventID)).Err()
}

// WebhookEvent is the minimal, already-parsed surface of a payment
// webhook. Payload parsing happens upstream; this
// package only applies ledger effects.
type WebhookEvent struct {
	EventID    string
	Kind       string // "payment_intent.succeeded" | "invoice.paid"
	EffectType string // metadata "type": "credit_purchase" | "auto_topoff"
	UserID     string
	Gross      float64
	Fee        float64
	Currency   string
	ExternalID string // charge id or invoice id
	Metadata   map[string]interface{}
}

// WebhookEffects applies webhook-driven ledger mutations with
// exactly-once semantics per event id.
type WebhookEffects struct {
	ledger      *Ledger
	reservation *ReservationCache
	idempotency *WebhookIdempotency
	auditor     Auditor
	log         zerolog.Logger
}

func NewWebhookEffects(ledger *Ledger, reservation *ReservationCache, idempotency *WebhookIdempotency, auditor Auditor, log zerolog.Logger) *WebhookEffects {
	return &WebhookEffects{
		ledger:      ledger,
		reservation: reservation,
		idempotency: idempotency,
		auditor:     auditor,
		log:         log.With().Str("component", "billing.WebhookEffects").Logger(),
	}
}

// Apply processes one webhook event. Duplicate events return
// ErrWebhookDuplicate, which callers map to a 200.
func (w *WebhookEffects) Apply(ctx context.Context, evt WebhookEvent) error {
	switch {
	case evt.Kind == "payment_intent.succeeded" && (evt.EffectType == "credit_purchase" || evt.EffectType == "auto_topoff"):
	case evt.Kind == "invoice.paid" && evt.EffectType == "auto_topoff":
	default:
		return fmt.Errorf("%w: kind=%s type=%s", ErrWebhookUnknownEffect, evt.Kind, evt.EffectType)
	}

	if err := w.idempotency.Acquire(ctx, evt.EventID); err != nil {
		return err
	}

	uc, err := w.ledger.RecordCreditPurchase(ctx, evt.UserID, evt.Gross, evt.Fee, evt.Currency, evt.ExternalID, evt.Metadata)
	if err != nil {
		if merr := w.idempotency.MarkFailed(ctx, evt.EventID); merr != nil {
			w.log.Error().Err(merr).Str("event_id", evt.EventID).Msg("release webhook claim after failure")
		}
		return fmt.Errorf("record credit purchase: %w", err)
	}

	// The cached admission balance is stale after any out-of-band
	// credit; drop it so the next Reserve reseeds from Postgres.
	if w.reservation != nil {
		if err := w.reservation.Invalidate(ctx, evt.UserID); err != nil {
			w.log.Warn().Err(err).Str("user_id", evt.UserID).Msg("invalidate cached balance after purchase")
		}
	}

	if w.auditor != nil {
		if err := w.auditor.RecordBillingMutation(ctx, "purchase", evt.UserID, map[string]interface{}{
			"event_id":    evt.EventID,
			"effect_type": evt.EffectType,
			"gross":       evt.Gross,
			"fee":         evt.Fee,
			"currency":    evt.Currency,
			"external_id": evt.ExternalID,
			"balance":     uc.Total(),
		}); err != nil {
			w.log.Warn().Err(err).Str("event_id", evt.EventID).Msg("audit webhook effect")
		}
	}

	if err := w.idempotency.MarkCompleted(ctx, evt.EventID); err != nil {
		w.log.Error().Err(err).Str("event_id", evt.EventID).Msg("mark webhook completed")
	}
	w.log.Info().
		Str("event_id", evt.EventID).
		Str("user_id", evt.UserID).
		Float64("gross", evt.Gross).
		Str("effect", evt.EffectType).
		Msg("webhook credit effect applied")
	return nil
}
