package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// TransactionKind classifies a CreditTransaction.
type TransactionKind string

const (
	TransactionPurchase   TransactionKind = "purchase"
	TransactionConsumption TransactionKind = "consumption"
	TransactionRefund     TransactionKind = "refund"
	TransactionAdjustment TransactionKind = "adjustment"
)

// UsageStatus is the lifecycle status of an ApiUsageRecord.
type UsageStatus string

const (
	UsageStatusPending   UsageStatus = "pending"
	UsageStatusCompleted UsageStatus = "completed"
	UsageStatusFailed    UsageStatus = "failed"
)

// UserCredit is the single balance row per user. paid_balance and
// free_credit_balance are both non-negative by construction — every
// mutation path clamps at zero before writing.
type UserCredit struct {
	UserID             string    `db:"user_id"`
	PaidBalance        float64   `db:"paid_balance"`
	FreeCreditBalance  float64   `db:"free_credit_balance"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func (uc UserCredit) Total() float64 {
	return uc.PaidBalance + uc.FreeCreditBalance
}

// CreditTransaction is one append-only ledger entry.
type CreditTransaction struct {
	ID                 string          `db:"id"`
	UserID             string          `db:"user_id"`
	Kind               TransactionKind `db:"kind"`
	NetAmount          float64         `db:"net_amount"`
	GrossAmount        float64         `db:"gross_amount"`
	FeeAmount          float64         `db:"fee_amount"`
	Currency           string          `db:"currency"`
	BalanceAfter       float64         `db:"balance_after"`
	RelatedAPIUsageID  sql.NullString  `db:"related_api_usage_id"`
	Metadata           json.RawMessage `db:"metadata"`
	CreatedAt          time.Time       `db:"created_at"`
}

// ApiUsageRecord is the two-phase billing row: one per request_id,
// created pending at initiate, and terminated exactly once at
// finalize or fail.
type ApiUsageRecord struct {
	RequestID        string          `db:"request_id"`
	UserID           string          `db:"user_id"`
	ServiceName      string          `db:"service_name"`
	TokensInput      int64           `db:"tokens_input"`
	TokensOutput     int64           `db:"tokens_output"`
	CacheReadTokens  int64           `db:"cache_read_tokens"`
	CacheWriteTokens int64           `db:"cache_write_tokens"`
	Cost             float64         `db:"cost"`
	Status           UsageStatus     `db:"status"`
	PendingTimeoutAt sql.NullTime    `db:"pending_timeout_at"`
	ProcessingMs     sql.NullInt64   `db:"processing_ms"`
	InputDurationMs  sql.NullInt64   `db:"input_duration_ms"`
	Metadata         json.RawMessage `db:"metadata"`
	CreatedAt        time.Time       `db:"created_at"`
}

// deductFreeFirst applies amount (positive = deduction, negative =
// credit) to a balance pair, consuming free credit before paid balance
// on deduction and crediting paid balance first on refund:
// free-first, then paid, never negative.
// Returns the new (paid, free) and the amount that could not be
// deducted because both balances were exhausted (always 0 on a refund).
func deductFreeFirst(paid, free, amount float64) (newPaid, newFree, shortfall float64) {
	if amount <= 0 {
		// Refund / credit path: paid gets the credit back first since
		// paid dollars are the ones originally at risk of going negative.
		return paid - amount, free, 0
	}
	remaining := amount
	if free >= remaining {
		return paid, free - remaining, 0
	}
	remaining -= free
	free = 0
	if paid >= remaining {
		return paid - remaining, free, 0
	}
	shortfall = remaining - paid
	return 0, free, shortfall
}

// Ledger wraps the Postgres connection pool and implements the row-locked
// balance primitives the billing engine composes into initiate/finalize/fail.
type Ledger struct {
	db *sqlx.DB
}

func NewLedger(db *sqlx.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx runs fn inside a new transaction, setting the session-scoped
// app.current_user_id GUC so row-level-security policies can filter on
// it, and commits on success.
func (l *Ledger) WithTx(ctx context.Context, userID string, fn func(tx *sqlx.Tx) error) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
		return fmt.Errorf("set rls session var: %w", err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// LockUserCredit reads the user's balance row with FOR UPDATE, creating
// a zero-balance row first if none exists.
func (l *Ledger) LockUserCredit(ctx context.Context, tx *sqlx.Tx, userID string) (UserCredit, error) {
	var uc UserCredit
	err := tx.GetContext(ctx, &uc, `
		INSERT INTO user_credits (user_id, paid_balance, free_credit_balance, updated_at)
		VALUES ($1, 0, 0, now())
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	_ = err // INSERT has no RETURNING here; fall through to the locked SELECT below.

	if err := tx.GetContext(ctx, &uc, `
		SELECT user_id, paid_balance, free_credit_balance, updated_at
		FROM user_credits
		WHERE user_id = $1
		FOR UPDATE
	`, userID); err != nil {
		return UserCredit{}, fmt.Errorf("lock user_credits: %w", err)
	}
	return uc, nil
}

// ApplyDelta deducts (amount > 0) or credits (amount < 0) a user's
// balance free-first-then-paid, writes the new balance, appends a
// CreditTransaction, and returns the resulting balance and any
// shortfall (only possible on a deduction).
func (l *Ledger) ApplyDelta(
	ctx context.Context,
	tx *sqlx.Tx,
	uc UserCredit,
	amount float64,
	kind TransactionKind,
	relatedUsageID string,
	metadata map[string]interface{},
) (UserCredit, float64, error) {
	newPaid, newFree, shortfall := deductFreeFirst(uc.PaidBalance, uc.FreeCreditBalance, amount)
	if shortfall > 0 {
		return uc, shortfall, nil
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_credits
		SET paid_balance = $2, free_credit_balance = $3, updated_at = $4
		WHERE user_id = $1
	`, uc.UserID, newPaid, newFree, now); err != nil {
		return uc, 0, fmt.Errorf("update user_credits: %w", err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return uc, 0, fmt.Errorf("marshal transaction metadata: %w", err)
	}

	var related sql.NullString
	if relatedUsageID != "" {
		related = sql.NullString{String: relatedUsageID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions
			(id, user_id, kind, net_amount, gross_amount, fee_amount, currency,
			 balance_after, related_api_usage_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, uuid.NewString(), uc.UserID, kind, -amount, amount, 0.0, "usd",
		newPaid+newFree, related, metaJSON, now); err != nil {
		return uc, 0, fmt.Errorf("insert credit_transaction: %w", err)
	}

	uc.PaidBalance = newPaid
	uc.FreeCreditBalance = newFree
	uc.UpdatedAt = now
	return uc, 0, nil
}

// InsertPendingUsage creates the initiate-phase ApiUsageRecord.
func (l *Ledger) InsertPendingUsage(ctx context.Context, tx *sqlx.Tx, rec ApiUsageRecord) error {
	metaJSON := rec.Metadata
	if metaJSON == nil {
		metaJSON = json.RawMessage(`{}`)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO api_usage
			(request_id, user_id, service_name, tokens_input, tokens_output,
			 cache_read_tokens, cache_write_tokens, cost, status,
			 pending_timeout_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.RequestID, rec.UserID, rec.ServiceName, rec.TokensInput, rec.TokensOutput,
		rec.CacheReadTokens, rec.CacheWriteTokens, rec.Cost, UsageStatusPending,
		rec.PendingTimeoutAt, metaJSON, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api_usage: %w", err)
	}
	return nil
}

// GetUsageByRequestID returns the ApiUsageRecord for a request, or
// sql.ErrNoRows if none exists — the idempotency anchor for the whole
// two-phase flow.
func (l *Ledger) GetUsageByRequestID(ctx context.Context, tx *sqlx.Tx, requestID string) (ApiUsageRecord, error) {
	var rec ApiUsageRecord
	err := tx.GetContext(ctx, &rec, `
		SELECT request_id, user_id, service_name, tokens_input, tokens_output,
		       cache_read_tokens, cache_write_tokens, cost, status,
		       pending_timeout_at, processing_ms, input_duration_ms, metadata, created_at
		FROM api_usage
		WHERE request_id = $1
		FOR UPDATE
	`, requestID)
	return rec, err
}

// FinalizeUsage transitions a pending ApiUsageRecord to a terminal
// status, replacing its cost/token fields and merging metadata.
func (l *Ledger) FinalizeUsage(
	ctx context.Context,
	tx *sqlx.Tx,
	requestID string,
	status UsageStatus,
	tokensInput, tokensOutput, cacheRead, cacheWrite int64,
	cost float64,
	metadata map[string]interface{},
) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal usage metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE api_usage
		SET status = $2, tokens_input = $3, tokens_output = $4,
		    cache_read_tokens = $5, cache_write_tokens = $6, cost = $7,
		    metadata = $8, pending_timeout_at = NULL
		WHERE request_id = $1
	`, requestID, status, tokensInput, tokensOutput, cacheRead, cacheWrite, cost, metaJSON)
	if err != nil {
		return fmt.Errorf("finalize api_usage: %w", err)
	}
	return nil
}

// GetCostByRequestID returns the recorded cost of a usage record of any
// status (the estimate while it is still pending) without opening a
// row-locked transaction — used for read-only
// reporting (e.g. workflow result summaries) where RLS enforcement is
// unnecessary since no balance is mutated.
func (l *Ledger) GetCostByRequestID(ctx context.Context, requestID string) (float64, bool, error) {
	var cost float64
	err := l.db.GetContext(ctx, &cost, `SELECT cost FROM api_usage WHERE request_id = $1`, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("select api_usage cost: %w", err)
	}
	return cost, true, nil
}

// GetUsageRecord reads a usage row outside any transaction, for
// read-only reporting paths.
func (l *Ledger) GetUsageRecord(ctx context.Context, requestID string) (ApiUsageRecord, bool, error) {
	var rec ApiUsageRecord
	err := l.db.GetContext(ctx, &rec, `
		SELECT request_id, user_id, service_name, tokens_input, tokens_output,
		       cache_read_tokens, cache_write_tokens, cost, status,
		       pending_timeout_at, processing_ms, input_duration_ms, metadata, created_at
		FROM api_usage
		WHERE request_id = $1
	`, requestID)
	if err != nil {
		if err == sql.ErrNoRows {
			return ApiUsageRecord{}, false, nil
		}
		return ApiUsageRecord{}, false, fmt.Errorf("select api_usage: %w", err)
	}
	return rec, true, nil
}

// RecordCreditPurchase credits a user's paid balance by gross − fee and
// appends the matching purchase transaction, all inside one row-locked
// transaction.
func (l *Ledger) RecordCreditPurchase(
	ctx context.Context,
	userID string,
	gross, fee float64,
	currency, externalID string,
	metadata map[string]interface{},
) (UserCredit, error) {
	net := gross - fee
	if net <= 0 {
		return UserCredit{}, fmt.Errorf("purchase net amount must be positive, got %.4f", net)
	}

	var out UserCredit
	err := l.WithTx(ctx, userID, func(tx *sqlx.Tx) error {
		uc, err := l.LockUserCredit(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		newPaid := uc.PaidBalance + net

		if _, err := tx.ExecContext(ctx, `
			UPDATE user_credits
			SET paid_balance = $2, updated_at = $3
			WHERE user_id = $1
		`, userID, newPaid, now); err != nil {
			return fmt.Errorf("update user_credits: %w", err)
		}

		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		metadata["external_id"] = externalID
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal purchase metadata: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions
				(id, user_id, kind, net_amount, gross_amount, fee_amount, currency,
				 balance_after, related_api_usage_id, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, uuid.NewString(), userID, TransactionPurchase, net, gross, fee, currency,
			newPaid+uc.FreeCreditBalance, sql.NullString{}, metaJSON, now); err != nil {
			return fmt.Errorf("insert purchase transaction: %w", err)
		}

		uc.PaidBalance = newPaid
		uc.UpdatedAt = now
		out = uc
		return nil
	})
	if err != nil {
		return UserCredit{}, err
	}
	return out, nil
}

// PendingExpired returns up to limit ApiUsageRecord rows whose
// pending_timeout_at has passed, for the reconciliation loop.
func (l *Ledger) PendingExpired(ctx context.Context, limit int) ([]ApiUsageRecord, error) {
	var recs []ApiUsageRecord
	err := l.db.SelectContext(ctx, &recs, `
		SELECT request_id, user_id, service_name, tokens_input, tokens_output,
		       cache_read_tokens, cache_write_tokens, cost, status,
		       pending_timeout_at, processing_ms, input_duration_ms, metadata, created_at
		FROM api_usage
		WHERE status = $1 AND pending_timeout_at IS NOT NULL AND pending_timeout_at < now()
		ORDER BY pending_timeout_at ASC
		LIMIT $2
	`, UsageStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending expired: %w", err)
	}
	return recs, nil
}
