package billing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fixedPricer prices every call at a fixed estimate/final pair.
type fixedPricer struct {
	estimate float64
	final    float64
}

func (p fixedPricer) EstimateCost(string, int64, int64) (float64, error) { return p.estimate, nil }
func (p fixedPricer) FinalCost(string, int64, int64, int64, int64) (float64, error) {
	return p.final, nil
}

type engineFixture struct {
	engine *Engine
	mock   sqlmock.Sqlmock
	mr     *miniredis.Miniredis
}

func newEngineFixture(t *testing.T, pricer Pricer) *engineFixture {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ledger := NewLedger(sqlx.NewDb(mockDB, "sqlmock"))
	cache := NewReservationCache(rdb, 15*time.Minute)
	engine := NewEngine(ledger, cache, pricer, nil, nil, nil, EngineConfig{
		ReservationTTL:   15 * time.Minute,
		BufferMultiplier: 1.5,
		AdjustmentMaxUSD: 2.0,
		AdjustmentMaxPct: 0.2,
	}, zerolog.Nop())
	return &engineFixture{engine: engine, mock: mock, mr: mr}
}

func (f *engineFixture) expectTxOpen(userID string) {
	f.mock.ExpectBegin()
	f.mock.ExpectExec("set_config").WithArgs(userID).WillReturnResult(sqlmock.NewResult(0, 1))
}

func (f *engineFixture) expectLockedCredit(userID string, paid, free float64) {
	f.mock.ExpectQuery("INSERT INTO user_credits").WillReturnError(sql.ErrNoRows)
	f.mock.ExpectQuery("SELECT user_id, paid_balance").WillReturnRows(creditRows(userID, paid, free))
}

func usageRows(rec ApiUsageRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"request_id", "user_id", "service_name", "tokens_input", "tokens_output",
		"cache_read_tokens", "cache_write_tokens", "cost", "status",
		"pending_timeout_at", "processing_ms", "input_duration_ms", "metadata", "created_at",
	}).AddRow(
		rec.RequestID, rec.UserID, rec.ServiceName, rec.TokensInput, rec.TokensOutput,
		rec.CacheReadTokens, rec.CacheWriteTokens, rec.Cost, string(rec.Status),
		nil, nil, nil, []byte(`{}`), rec.CreatedAt,
	)
}

func TestInitiateChargeDeductsEstimateAndReserves(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.30})
	ctx := context.Background()

	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnError(sql.ErrNoRows)
	f.expectLockedCredit("u1", 8.0, 2.0)
	f.mock.ExpectExec("UPDATE user_credits").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO api_usage").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.engine.InitiateCharge(ctx, InitiateParams{
		RequestID:   "r1",
		UserID:      "u1",
		ServiceName: "openai/gpt-4o",
	})
	require.NoError(t, err)
	require.Equal(t, "r1", res.RequestID)
	require.InDelta(t, 0.30, res.EstimatedCost, 1e-9)
	require.InDelta(t, 9.70, res.NewBalance, 1e-9)
	require.True(t, f.mr.Exists("billing:hold:r1"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInitiateChargeFailsClosedWithoutBalance(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 5.0})
	ctx := context.Background()

	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnError(sql.ErrNoRows)
	f.expectLockedCredit("u1", 0.5, 0.0)
	f.mock.ExpectRollback()

	_, err := f.engine.InitiateCharge(ctx, InitiateParams{
		RequestID:   "r1",
		UserID:      "u1",
		ServiceName: "openai/gpt-4o",
	})
	require.ErrorIs(t, err, ErrCreditInsufficient)
	require.Contains(t, err.Error(), "available=")
	require.False(t, f.mr.Exists("billing:hold:r1"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInitiateChargeIdempotentOnExistingRequest(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.30})
	ctx := context.Background()

	pending := ApiUsageRecord{
		RequestID: "r1", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0.30, Status: UsageStatusPending, CreatedAt: time.Now().UTC(),
	}
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(pending))
	f.expectLockedCredit("u1", 9.4, 0.3)
	f.mock.ExpectCommit()

	res, err := f.engine.InitiateCharge(ctx, InitiateParams{
		RequestID:   "r1",
		UserID:      "u1",
		ServiceName: "openai/gpt-4o",
	})
	require.NoError(t, err)
	require.True(t, res.AlreadyExists)
	require.InDelta(t, 9.7, res.NewBalance, 1e-9)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFinalizeChargeSettlesSmallerActual(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.50, final: 0.20})
	ctx := context.Background()

	// Seed the reservation the initiate phase would have taken.
	require.NoError(t, f.engine.reservation.Reserve(ctx, "u1", "r2", 0.1, 10.0))

	pending := ApiUsageRecord{
		RequestID: "r2", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0.50, Status: UsageStatusPending, CreatedAt: time.Now().UTC(),
	}
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(pending))
	f.expectLockedCredit("u1", 9.5, 0.0)
	// Delta is 0.20 - 0.50 = -0.30: a credit back to the user.
	f.mock.ExpectExec("UPDATE user_credits").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE api_usage").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.engine.FinalizeCharge(ctx, FinalizeParams{
		RequestID:    "r2",
		UserID:       "u1",
		TokensInput:  100,
		TokensOutput: 50,
	})
	require.NoError(t, err)
	require.False(t, res.WasNoOp)
	require.InDelta(t, 0.20, res.FinalCost, 1e-9)
	require.InDelta(t, 9.80, res.NewBalance, 1e-9)
	require.False(t, f.mr.Exists("billing:hold:r2"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFinalizeChargeMissingRowIsNoOp(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{final: 0.20})
	ctx := context.Background()

	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnError(sql.ErrNoRows)
	f.expectLockedCredit("u1", 9.0, 1.0)
	f.mock.ExpectCommit()

	res, err := f.engine.FinalizeCharge(ctx, FinalizeParams{RequestID: "gone", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.WasNoOp)
	require.InDelta(t, 10.0, res.NewBalance, 1e-9)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFinalizeChargeTwiceReturnsSameRecord(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{final: 0.20})
	ctx := context.Background()

	settled := ApiUsageRecord{
		RequestID: "r2", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0.20, Status: UsageStatusCompleted, CreatedAt: time.Now().UTC(),
	}
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(settled))
	f.expectLockedCredit("u1", 9.8, 0.0)
	f.mock.ExpectCommit()

	res, err := f.engine.FinalizeCharge(ctx, FinalizeParams{RequestID: "r2", UserID: "u1"})
	require.NoError(t, err)
	require.True(t, res.WasNoOp)
	require.InDelta(t, 0.20, res.FinalCost, 1e-9)
	require.InDelta(t, 9.8, res.NewBalance, 1e-9)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFailChargeRefundsEstimate(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.30})
	ctx := context.Background()

	require.NoError(t, f.engine.reservation.Reserve(ctx, "u1", "r1", 0.1, 10.0))

	pending := ApiUsageRecord{
		RequestID: "r1", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0.30, Status: UsageStatusPending, CreatedAt: time.Now().UTC(),
	}
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(pending))
	f.expectLockedCredit("u1", 9.7, 0.0)
	f.mock.ExpectExec("UPDATE user_credits").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE api_usage").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	require.NoError(t, f.engine.FailCharge(ctx, "u1", "r1", "stream died"))
	require.False(t, f.mr.Exists("billing:hold:r1"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestFailChargeIdempotentOnTerminalRow(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{})
	ctx := context.Background()

	failed := ApiUsageRecord{
		RequestID: "r1", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0, Status: UsageStatusFailed, CreatedAt: time.Now().UTC(),
	}
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(failed))
	f.mock.ExpectCommit()

	require.NoError(t, f.engine.FailCharge(ctx, "u1", "r1", "again"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInitiateFailsClosedWhenCacheUnavailable(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	engine := NewEngine(NewLedger(sqlx.NewDb(mockDB, "sqlmock")), nil, fixedPricer{estimate: 0.1}, nil, nil, nil, EngineConfig{}, zerolog.Nop())
	_, err = engine.InitiateCharge(context.Background(), InitiateParams{RequestID: "r1", UserID: "u1"})
	require.ErrorIs(t, err, ErrReservationUnavailable)
}

func TestReserveMargin(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{})
	e := f.engine

	// Percentage of estimate, below the absolute ceiling.
	require.InDelta(t, 1.0, e.reserveMargin("chat", 5.0), 1e-9)
	// Absolute ceiling kicks in.
	require.InDelta(t, 2.0, e.reserveMargin("chat", 50.0), 1e-9)

	// High-variance family reserves the flat floor.
	e.highVar = func(taskType string) bool { return taskType == "web_search" }
	e.highVarianceFloor = 1.20
	require.InDelta(t, 1.20, e.reserveMargin("web_search", 0.01), 1e-9)

	// Multiplier fallback when no percentage configured.
	e.adjustmentMaxPct = 0
	require.InDelta(t, 2.0, e.reserveMargin("chat", 4.0), 1e-9)
}

type failingAccess struct{ pm, addr bool }

func (a failingAccess) RequiresPaymentMethod(context.Context, string) (bool, error) {
	return a.pm, nil
}
func (a failingAccess) RequiresBillingAddress(context.Context, string) (bool, error) {
	return a.addr, nil
}

func TestServiceAccessGate(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.1})

	f.engine.access = failingAccess{pm: true}
	_, err := f.engine.InitiateCharge(context.Background(), InitiateParams{RequestID: "r", UserID: "u1"})
	require.ErrorIs(t, err, ErrPaymentMethodRequired)

	f.engine.access = failingAccess{addr: true}
	_, err = f.engine.InitiateCharge(context.Background(), InitiateParams{RequestID: "r", UserID: "u1"})
	require.ErrorIs(t, err, ErrBillingAddressRequired)
}

func TestReconcilerSweepFailsExpiredPending(t *testing.T) {
	f := newEngineFixture(t, fixedPricer{estimate: 0.10})
	ctx := context.Background()

	expired := ApiUsageRecord{
		RequestID: "r3", UserID: "u1", ServiceName: "openai/gpt-4o",
		Cost: 0.10, Status: UsageStatusPending, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	// PendingExpired scan.
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(expired))
	// FailCharge for the expired row.
	f.expectTxOpen("u1")
	f.mock.ExpectQuery("SELECT request_id, user_id").WillReturnRows(usageRows(expired))
	f.expectLockedCredit("u1", 9.9, 0.0)
	f.mock.ExpectExec("UPDATE user_credits").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE api_usage").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	ledger := f.engine.ledger
	r := NewReconciler(f.engine, ledger, time.Minute, 100, zerolog.Nop())
	r.sweep(ctx)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
