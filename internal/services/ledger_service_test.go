package services

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/pdca/backend/internal/models"
)

func TestLedgerService_PostCharge(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	input := models.ChargeInput{
		MemberID:       "member1",
		BusinessID:     "business1",
		Amount:         decimal.RequireFromString("15"),
		Source:         models.SourceKiosk,
		IdempotencyKey: "key-1",
	}

	t.Run("successful charge debits balance", func(t *testing.T) {
		mock.ExpectBegin()

		// Lock member row
		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "member_code", "balance"}).
				AddRow("Jane Member", "M-001", "20"))

		// No prior application of this key
		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT name, status FROM businesses WHERE id = \\$1").
			WithArgs("business1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "status"}).
				AddRow("Corner Store", "ACTIVE"))

		mock.ExpectQuery("SELECT id FROM billing_cycles WHERE status = 'ACTIVE' LIMIT 1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cycle1"))

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "member1", "business1",
				decimal.RequireFromString("15"), decimal.RequireFromString("20"), decimal.RequireFromString("5"),
				"cycle1", models.SourceKiosk, "", "", "key-1", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("5"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.PostCharge(context.Background(), input)
		assert.NoError(t, err)
		assert.NotEmpty(t, result.TransactionID)
		assert.True(t, result.BalanceBefore.Equal(decimal.RequireFromString("20")))
		assert.True(t, result.BalanceAfter.Equal(decimal.RequireFromString("5")))
		assert.False(t, result.Duplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overdraft is allowed", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "member_code", "balance"}).
				AddRow("Jane Member", "M-001", "10"))

		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT name, status FROM businesses WHERE id = \\$1").
			WithArgs("business1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "status"}).
				AddRow("Corner Store", "ACTIVE"))

		mock.ExpectQuery("SELECT id FROM billing_cycles WHERE status = 'ACTIVE' LIMIT 1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "member1", "business1",
				decimal.RequireFromString("15"), decimal.RequireFromString("10"), decimal.RequireFromString("-5"),
				nil, models.SourceKiosk, "", "", "key-1", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("-5"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.PostCharge(context.Background(), input)
		assert.NoError(t, err)
		assert.True(t, result.BalanceAfter.IsNegative())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay returns original result without balance effect", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "member_code", "balance"}).
				AddRow("Jane Member", "M-001", "5"))

		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_before", "balance_after"}).
				AddRow("tx-original", "20", "5"))

		mock.ExpectRollback()

		result, err := service.PostCharge(context.Background(), input)
		assert.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "tx-original", result.TransactionID)
		assert.True(t, result.BalanceBefore.Equal(decimal.RequireFromString("20")))
		assert.True(t, result.BalanceAfter.Equal(decimal.RequireFromString("5")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique index race resolves to duplicate", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "member_code", "balance"}).
				AddRow("Jane Member", "M-001", "20"))

		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT name, status FROM businesses WHERE id = \\$1").
			WithArgs("business1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "status"}).
				AddRow("Corner Store", "ACTIVE"))

		mock.ExpectQuery("SELECT id FROM billing_cycles WHERE status = 'ACTIVE' LIMIT 1").
			WillReturnError(sql.ErrNoRows)

		// Another writer landed the same key between the lookup and insert
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: "23505"})

		mock.ExpectRollback()

		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance_before", "balance_after"}).
				AddRow("tx-winner", "20", "5"))

		result, err := service.PostCharge(context.Background(), input)
		assert.NoError(t, err)
		assert.True(t, result.Duplicate)
		assert.Equal(t, "tx-winner", result.TransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("member not found", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		_, err := service.PostCharge(context.Background(), input)
		assert.ErrorIs(t, err, ErrMemberNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inactive business rejected", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT name, member_code, balance FROM members WHERE id = \\$1 AND status = 'ACTIVE' FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "member_code", "balance"}).
				AddRow("Jane Member", "M-001", "20"))

		mock.ExpectQuery("SELECT id, balance_before, balance_after FROM transactions WHERE idempotency_key = \\$1").
			WithArgs("key-1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectQuery("SELECT name, status FROM businesses WHERE id = \\$1").
			WithArgs("business1").
			WillReturnRows(sqlmock.NewRows([]string{"name", "status"}).
				AddRow("Corner Store", "SUSPENDED"))

		mock.ExpectRollback()

		_, err := service.PostCharge(context.Background(), input)
		assert.ErrorIs(t, err, ErrBusinessInactive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive amount rejected before any query", func(t *testing.T) {
		bad := input
		bad.Amount = decimal.Zero

		_, err := service.PostCharge(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("missing idempotency key rejected", func(t *testing.T) {
		bad := input
		bad.IdempotencyKey = ""

		_, err := service.PostCharge(context.Background(), bad)
		assert.Error(t, err)
	})
}

func TestLedgerService_VoidTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("void restores balance and marks row", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT member_id, amount, voided FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("tx1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "amount", "voided"}).
				AddRow("member1", "15", false))

		mock.ExpectQuery("SELECT balance FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("5"))

		mock.ExpectExec("UPDATE transactions SET voided = true, void_reason = \\$1, voided_by = \\$2, voided_at = \\$3 WHERE id = \\$4").
			WithArgs("operator error", nil, sqlmock.AnyArg(), "tx1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("20"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		err := service.VoidTransaction(context.Background(), "tx1", "operator error", nil)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second void rejected without balance effect", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT member_id, amount, voided FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("tx1").
			WillReturnRows(sqlmock.NewRows([]string{"member_id", "amount", "voided"}).
				AddRow("member1", "15", true))

		mock.ExpectRollback()

		err := service.VoidTransaction(context.Background(), "tx1", "again", nil)
		assert.ErrorIs(t, err, ErrAlreadyVoided)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT member_id, amount, voided FROM transactions WHERE id = \\$1 FOR UPDATE").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		err := service.VoidTransaction(context.Background(), "missing", "reason", nil)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_AdjustBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("withdrawal stored negative", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT balance FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("50"))

		mock.ExpectQuery("SELECT id FROM billing_cycles WHERE status = 'ACTIVE' LIMIT 1").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectExec("INSERT INTO balance_adjustments").
			WithArgs(sqlmock.AnyArg(), "member1", decimal.RequireFromString("-30"),
				models.AdjustmentWithdrawal, "cash out", nil,
				decimal.RequireFromString("50"), decimal.RequireFromString("20"),
				nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("20"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.AdjustBalance(context.Background(), models.AdjustmentInput{
			MemberID:       "member1",
			Amount:         decimal.RequireFromString("30"), // sign normalized by type
			AdjustmentType: models.AdjustmentWithdrawal,
			Notes:          "cash out",
		})
		assert.NoError(t, err)
		assert.True(t, result.BalanceAfter.Equal(decimal.RequireFromString("20")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deposit stored positive", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT balance FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("-5"))

		mock.ExpectQuery("SELECT id FROM billing_cycles WHERE status = 'ACTIVE' LIMIT 1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cycle1"))

		mock.ExpectExec("INSERT INTO balance_adjustments").
			WithArgs(sqlmock.AnyArg(), "member1", decimal.RequireFromString("25"),
				models.AdjustmentDeposit, "", nil,
				decimal.RequireFromString("-5"), decimal.RequireFromString("20"),
				"cycle1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("20"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.AdjustBalance(context.Background(), models.AdjustmentInput{
			MemberID:       "member1",
			Amount:         decimal.RequireFromString("-25"), // deposits are always credited
			AdjustmentType: models.AdjustmentDeposit,
		})
		assert.NoError(t, err)
		assert.True(t, result.BalanceAfter.Equal(decimal.RequireFromString("20")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		_, err := service.AdjustBalance(context.Background(), models.AdjustmentInput{
			MemberID:       "member1",
			Amount:         decimal.Zero,
			AdjustmentType: models.AdjustmentCorrection,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestLedgerService_RecalculateBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("drifted balance repaired", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT balance FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("17.5"))

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM transactions WHERE member_id = \\$1 AND voided = false").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("40"))

		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM balance_adjustments WHERE member_id = \\$1").
			WithArgs("member1").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("50"))

		mock.ExpectExec("UPDATE members SET balance = \\$1, updated_at = \\$2 WHERE id = \\$3").
			WithArgs(decimal.RequireFromString("10"), sqlmock.AnyArg(), "member1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := service.RecalculateBalance(context.Background(), "member1")
		assert.NoError(t, err)
		assert.True(t, result.OldBalance.Equal(decimal.RequireFromString("17.5")))
		assert.True(t, result.NewBalance.Equal(decimal.RequireFromString("10")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("member not found", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT balance FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		mock.ExpectRollback()

		_, err := service.RecalculateBalance(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrMemberNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestNormalizeAdjustment(t *testing.T) {
	cases := []struct {
		name           string
		amount         string
		adjustmentType string
		want           string
	}{
		{"deposit keeps positive", "30", models.AdjustmentDeposit, "30"},
		{"deposit flips negative", "-30", models.AdjustmentDeposit, "30"},
		{"withdrawal flips positive", "30", models.AdjustmentWithdrawal, "-30"},
		{"withdrawal keeps negative", "-30", models.AdjustmentWithdrawal, "-30"},
		{"correction keeps caller sign", "-12.5", models.AdjustmentCorrection, "-12.5"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeAdjustment(decimal.RequireFromString(tc.amount), tc.adjustmentType)
			assert.True(t, got.Equal(decimal.RequireFromString(tc.want)), "got %s", got)
		})
	}
}
