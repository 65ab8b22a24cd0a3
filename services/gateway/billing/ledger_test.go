package billing

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func TestDeductFreeFirst(t *testing.T) {
	cases := []struct {
		name                        string
		paid, free, amount          float64
		wantPaid, wantFree, wantGap float64
	}{
		{"free covers all", 5, 3, 2, 5, 1, 0},
		{"spills into paid", 5, 3, 4, 4, 0, 0},
		{"exact exhaustion", 5, 3, 8, 0, 0, 0},
		{"shortfall reported", 5, 3, 10, 0, 0, 2},
		{"zero amount", 5, 3, 0, 5, 3, 0},
		{"refund credits paid first", 5, 3, -2, 7, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotPaid, gotFree, gotGap := deductFreeFirst(tc.paid, tc.free, tc.amount)
			require.InDelta(t, tc.wantPaid, gotPaid, 1e-9)
			require.InDelta(t, tc.wantFree, gotFree, 1e-9)
			require.InDelta(t, tc.wantGap, gotGap, 1e-9)
			require.GreaterOrEqual(t, gotPaid, 0.0)
			require.GreaterOrEqual(t, gotFree, 0.0)
		})
	}
}

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewLedger(sqlx.NewDb(mockDB, "sqlmock")), mock
}

func creditRows(userID string, paid, free float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "paid_balance", "free_credit_balance", "updated_at"}).
		AddRow(userID, paid, free, time.Now().UTC())
}

func TestRecordCreditPurchase(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO user_credits").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT user_id, paid_balance").
		WillReturnRows(creditRows("u1", 2.5, 0.5))
	mock.ExpectExec("UPDATE user_credits").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_transactions").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	uc, err := ledger.RecordCreditPurchase(context.Background(), "u1", 10.0, 0.59, "usd", "ch_123", nil)
	require.NoError(t, err)
	require.InDelta(t, 2.5+9.41, uc.PaidBalance, 1e-9)
	require.InDelta(t, 0.5, uc.FreeCreditBalance, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordCreditPurchaseRejectsNonPositiveNet(t *testing.T) {
	ledger, _ := newMockLedger(t)
	_, err := ledger.RecordCreditPurchase(context.Background(), "u1", 1.0, 1.0, "usd", "ch_1", nil)
	require.Error(t, err)
}

func TestGetCostByRequestID(t *testing.T) {
	ledger, mock := newMockLedger(t)

	mock.ExpectQuery("SELECT cost FROM api_usage").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"cost"}).AddRow(0.42))

	cost, found, err := ledger.GetCostByRequestID(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.InDelta(t, 0.42, cost, 1e-9)

	mock.ExpectQuery("SELECT cost FROM api_usage").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, found, err = ledger.GetCostByRequestID(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, found)
}
