package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

type billingError string

func (e billingError) Error() string { return string(e) }

const (
	// ErrCreditInsufficient, ErrPaymentMethodRequired, and
	// ErrBillingAddressRequired are surfaced to the client verbatim and
	// never retried by the Dispatcher.
	ErrCreditInsufficient     = billingError("insufficient credit")
	ErrPaymentMethodRequired  = billingError("payment method required")
	ErrBillingAddressRequired = billingError("billing address required")
	ErrUnknownModel           = billingError("unknown model or service")

	// ErrReservationUnavailable means the reservation cache is not
	// reachable; initiation fails closed rather than admitting spend
	// without capacity control.
	ErrReservationUnavailable = billingError("reservation cache unavailable")
)

// Pricer resolves the cost of a usage estimate or final usage for a
// given service/model. Kept as a narrow interface so the engine does
// not need to know about provider catalogs directly.
type Pricer interface {
	EstimateCost(serviceName string, tokensInput, tokensOutput int64) (float64, error)
	FinalCost(serviceName string, tokensInput, tokensOutput, cacheRead, cacheWrite int64) (float64, error)
}

// AccessChecker answers whether a user must supply additional billing
// information before initiation proceeds.
type AccessChecker interface {
	RequiresPaymentMethod(ctx context.Context, userID string) (bool, error)
	RequiresBillingAddress(ctx context.Context, userID string) (bool, error)
}

// HighVarianceClassifier reports whether a task_type hint belongs to a
// configured high-variance family (web search, video analysis, ...)
// that should reserve a flat floor instead of a percentage margin.
type HighVarianceClassifier func(taskType string) bool

// Engine is the two-phase billing coordinator composing the ledger and
// reservation cache.
type Engine struct {
	ledger      *Ledger
	reservation *ReservationCache
	pricer      Pricer
	access      AccessChecker
	highVar     HighVarianceClassifier
	auditor     Auditor
	log         zerolog.Logger

	reservationTTL    time.Duration
	bufferMultiplier  float64
	adjustmentMaxUSD  float64
	adjustmentMaxPct  float64
	highVarianceFloor float64
}

// Auditor is the narrow append interface the billing engine needs from
// the audit chain — kept separate so billing does not depend on the
// whole audit package surface.
type Auditor interface {
	RecordBillingMutation(ctx context.Context, kind string, userID string, fields map[string]interface{}) error
}

type EngineConfig struct {
	ReservationTTL    time.Duration
	BufferMultiplier  float64
	AdjustmentMaxUSD  float64
	AdjustmentMaxPct  float64
	HighVarianceFloor float64
}

func NewEngine(
	ledger *Ledger,
	reservation *ReservationCache,
	pricer Pricer,
	access AccessChecker,
	highVar HighVarianceClassifier,
	auditor Auditor,
	cfg EngineConfig,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		ledger:            ledger,
		reservation:       reservation,
		pricer:            pricer,
		access:            access,
		highVar:           highVar,
		auditor:           auditor,
		log:               log.With().Str("component", "billing.Engine").Logger(),
		reservationTTL:    cfg.ReservationTTL,
		bufferMultiplier:  cfg.BufferMultiplier,
		adjustmentMaxUSD:  cfg.AdjustmentMaxUSD,
		adjustmentMaxPct:  cfg.AdjustmentMaxPct,
		highVarianceFloor: cfg.HighVarianceFloor,
	}
}

// InitiateParams carries the inputs to InitiateCharge.
type InitiateParams struct {
	RequestID    string
	UserID       string
	ServiceName  string
	TokensInput  int64
	TokensOutput int64
	TaskType     string
}

// InitiateResult is returned on a successful (or idempotent repeat) initiate.
type InitiateResult struct {
	RequestID     string
	NewBalance    float64
	EstimatedCost float64
	AlreadyExists bool
}

// InitiateCharge reserves margin and deducts an estimated cost for a
// new request. request_id re-use returns
// idempotently on the existing pending row.
func (e *Engine) InitiateCharge(ctx context.Context, p InitiateParams) (InitiateResult, error) {
	if e.reservation == nil {
		return InitiateResult{}, ErrReservationUnavailable
	}
	if err := e.checkAccess(ctx, p.UserID); err != nil {
		return InitiateResult{}, err
	}

	estimatedCost, err := e.pricer.EstimateCost(p.ServiceName, p.TokensInput, p.TokensOutput)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrUnknownModel, err)
	}

	var result InitiateResult
	txErr := e.ledger.WithTx(ctx, p.UserID, func(tx *sqlx.Tx) error {
		if existing, err := e.ledger.GetUsageByRequestID(ctx, tx, p.RequestID); err == nil {
			uc, lockErr := e.ledger.LockUserCredit(ctx, tx, p.UserID)
			if lockErr != nil {
				return lockErr
			}
			result = InitiateResult{RequestID: p.RequestID, NewBalance: uc.Total(), EstimatedCost: existing.Cost, AlreadyExists: true}
			return nil
		}

		uc, err := e.ledger.LockUserCredit(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		totalAvailable := uc.Total()
		if totalAvailable <= 0 {
			return fmt.Errorf("%w: available=%.4f required=%.4f", ErrCreditInsufficient, totalAvailable, estimatedCost)
		}

		margin := e.reserveMargin(p.TaskType, estimatedCost)

		if err := e.reservation.Reserve(ctx, p.UserID, p.RequestID, margin, totalAvailable); err != nil {
			if errors.Is(err, ErrReservationInsufficientBalance) {
				return fmt.Errorf("%w: available=%.4f required=%.4f", ErrCreditInsufficient, totalAvailable, margin)
			}
			return fmt.Errorf("reserve margin: %w", err)
		}

		newBalance, shortfall, err := e.ledger.ApplyDelta(ctx, tx, uc, estimatedCost, TransactionConsumption, p.RequestID, map[string]interface{}{
			"phase": "initiate", "task_type": p.TaskType,
		})
		if err != nil {
			_ = e.reservation.Release(ctx, p.UserID, p.RequestID)
			return err
		}
		if shortfall > 0 {
			_ = e.reservation.Release(ctx, p.UserID, p.RequestID)
			return fmt.Errorf("%w: available=%.4f required=%.4f", ErrCreditInsufficient, totalAvailable, estimatedCost)
		}

		now := time.Now().UTC()
		rec := ApiUsageRecord{
			RequestID:        p.RequestID,
			UserID:           p.UserID,
			ServiceName:      p.ServiceName,
			TokensInput:      p.TokensInput,
			TokensOutput:     p.TokensOutput,
			Cost:             estimatedCost,
			PendingTimeoutAt: nullTime(now.Add(e.reservationTTL)),
			CreatedAt:        now,
		}
		if err := e.ledger.InsertPendingUsage(ctx, tx, rec); err != nil {
			_ = e.reservation.Release(ctx, p.UserID, p.RequestID)
			return err
		}

		result = InitiateResult{RequestID: p.RequestID, NewBalance: newBalance.Total(), EstimatedCost: estimatedCost}
		return nil
	})
	if txErr != nil {
		return InitiateResult{}, txErr
	}

	if !result.AlreadyExists {
		e.auditAsync(ctx, "consumption", p.UserID, map[string]interface{}{
			"request_id": p.RequestID, "phase": "initiate", "amount": estimatedCost,
		})
	}
	return result, nil
}

// reserveMargin sizes the overage hold taken on top of the estimate.
func (e *Engine) reserveMargin(taskType string, estimatedCost float64) float64 {
	if e.highVar != nil && e.highVar(taskType) {
		return e.highVarianceFloor
	}
	pct := estimatedCost * e.adjustmentMaxPct
	if e.adjustmentMaxUSD > 0 && pct > e.adjustmentMaxUSD {
		pct = e.adjustmentMaxUSD
	}
	if pct <= 0 {
		pct = estimatedCost*e.bufferMultiplier - estimatedCost
	}
	return pct
}

// FinalizeParams carries the inputs to FinalizeCharge.
type FinalizeParams struct {
	RequestID        string
	UserID           string
	TokensInput      int64
	TokensOutput     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Metadata         map[string]interface{}
}

// FinalizeResult is returned from a successful finalize.
type FinalizeResult struct {
	RequestID     string
	NewBalance    float64
	FinalCost     float64
	WasNoOp       bool
}

// FinalizeCharge reconciles a pending request to its true cost.
// Missing pending row (already reconciled away) is an
// idempotent no-op.
func (e *Engine) FinalizeCharge(ctx context.Context, p FinalizeParams) (FinalizeResult, error) {
	var result FinalizeResult
	txErr := e.ledger.WithTx(ctx, p.UserID, func(tx *sqlx.Tx) error {
		rec, err := e.ledger.GetUsageByRequestID(ctx, tx, p.RequestID)
		if err != nil {
			uc, lockErr := e.ledger.LockUserCredit(ctx, tx, p.UserID)
			if lockErr != nil {
				return lockErr
			}
			result = FinalizeResult{RequestID: p.RequestID, NewBalance: uc.Total(), WasNoOp: true}
			return nil
		}
		if rec.Status != UsageStatusPending {
			uc, lockErr := e.ledger.LockUserCredit(ctx, tx, p.UserID)
			if lockErr != nil {
				return lockErr
			}
			result = FinalizeResult{RequestID: p.RequestID, NewBalance: uc.Total(), FinalCost: rec.Cost, WasNoOp: true}
			return nil
		}

		finalCost, err := e.pricer.FinalCost(rec.ServiceName, p.TokensInput, p.TokensOutput, p.CacheReadTokens, p.CacheWriteTokens)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnknownModel, err)
		}

		uc, err := e.ledger.LockUserCredit(ctx, tx, p.UserID)
		if err != nil {
			return err
		}

		delta := finalCost - rec.Cost
		newBalance, _, err := e.ledger.ApplyDelta(ctx, tx, uc, delta, TransactionAdjustment, p.RequestID, map[string]interface{}{
			"phase": "finalize",
		})
		if err != nil {
			return err
		}

		if err := e.ledger.FinalizeUsage(ctx, tx, p.RequestID, UsageStatusCompleted,
			p.TokensInput, p.TokensOutput, p.CacheReadTokens, p.CacheWriteTokens, finalCost, p.Metadata); err != nil {
			return err
		}

		result = FinalizeResult{RequestID: p.RequestID, NewBalance: newBalance.Total(), FinalCost: finalCost}
		return nil
	})
	if txErr != nil {
		return FinalizeResult{}, txErr
	}

	if !result.WasNoOp {
		if err := e.releaseReservation(ctx, p.UserID, p.RequestID); err != nil {
			e.log.Warn().Err(err).Str("request_id", p.RequestID).Msg("release reservation after finalize")
		}
		e.auditAsync(ctx, "consumption", p.UserID, map[string]interface{}{
			"request_id": p.RequestID, "phase": "finalize", "final_cost": result.FinalCost,
		})
	}
	return result, nil
}

// FailCharge fully refunds a pending request's estimated cost.
// Idempotent on request_id.
func (e *Engine) FailCharge(ctx context.Context, userID, requestID, reason string) error {
	var handled bool
	txErr := e.ledger.WithTx(ctx, userID, func(tx *sqlx.Tx) error {
		rec, err := e.ledger.GetUsageByRequestID(ctx, tx, requestID)
		if err != nil {
			handled = true
			return nil
		}
		if rec.Status != UsageStatusPending {
			handled = true
			return nil
		}

		uc, err := e.ledger.LockUserCredit(ctx, tx, userID)
		if err != nil {
			return err
		}

		if _, _, err := e.ledger.ApplyDelta(ctx, tx, uc, -rec.Cost, TransactionRefund, requestID, map[string]interface{}{
			"phase": "fail", "reason": reason,
		}); err != nil {
			return err
		}

		return e.ledger.FinalizeUsage(ctx, tx, requestID, UsageStatusFailed, rec.TokensInput, rec.TokensOutput,
			rec.CacheReadTokens, rec.CacheWriteTokens, 0, map[string]interface{}{"reason": reason})
	})
	if txErr != nil {
		return txErr
	}
	if !handled {
		if err := e.releaseReservation(ctx, userID, requestID); err != nil {
			e.log.Warn().Err(err).Str("request_id", requestID).Msg("release reservation after fail")
		}
		e.auditAsync(ctx, "refund", userID, map[string]interface{}{"request_id": requestID, "reason": reason})
	}
	return nil
}

// StageCost implements workflow.CostLookup: the actual billed cost of a
// stage job, keyed by job id (stage jobs use their job id as the
// billing request_id). Returns 0 if no usage record exists, logging at
// warn rather than propagating — a missing cost never blocks a result
// summary from being returned.
func (e *Engine) StageCost(ctx context.Context, jobID string) float64 {
	cost, ok, err := e.ledger.GetCostByRequestID(ctx, jobID)
	if err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("lookup stage cost failed")
		return 0
	}
	if !ok {
		return 0
	}
	return cost
}

// CancelledCostReport carries the Dispatcher's accounting for a job
// that accumulated cost before being permanently failed or canceled.
type CancelledCostReport struct {
	RequestID    string
	FinalCost    float64
	TokensInput  int64
	TokensOutput int64
	ServiceName  string
}

// RecordCancelledJobCost records the partial upstream spend of a dead
// job on the audit chain. The two-phase row itself is settled by the
// stream pipeline's finalize or by reconciliation, never here.
func (e *Engine) RecordCancelledJobCost(ctx context.Context, rep CancelledCostReport) error {
	userID := ""
	if rec, ok, err := e.ledger.GetUsageRecord(ctx, rep.RequestID); err != nil {
		e.log.Warn().Err(err).Str("request_id", rep.RequestID).Msg("resolve cancelled job usage owner")
	} else if ok {
		userID = rec.UserID
	}
	e.log.Info().
		Str("request_id", rep.RequestID).
		Float64("final_cost", rep.FinalCost).
		Str("service", rep.ServiceName).
		Msg("cancelled job cost reported")
	e.auditAsync(ctx, "adjustment", userID, map[string]interface{}{
		"request_id":    rep.RequestID,
		"phase":         "cancelled_job_cost",
		"final_cost":    rep.FinalCost,
		"tokens_input":  rep.TokensInput,
		"tokens_output": rep.TokensOutput,
		"service_name":  rep.ServiceName,
	})
	return nil
}

func (e *Engine) checkAccess(ctx context.Context, userID string) error {
	if e.access == nil {
		return nil
	}
	if needsPM, err := e.access.RequiresPaymentMethod(ctx, userID); err != nil {
		return err
	} else if needsPM {
		return ErrPaymentMethodRequired
	}
	if needsAddr, err := e.access.RequiresBillingAddress(ctx, userID); err != nil {
		return err
	} else if needsAddr {
		return ErrBillingAddressRequired
	}
	return nil
}

func (e *Engine) releaseReservation(ctx context.Context, userID, requestID string) error {
	if e.reservation == nil {
		return nil
	}
	return e.reservation.Release(ctx, userID, requestID)
}

func (e *Engine) auditAsync(ctx context.Context, kind, userID string, fields map[string]interface{}) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.RecordBillingMutation(ctx, kind, userID, fields); err != nil {
		e.log.Warn().Err(err).Msg("audit record failed")
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}
