package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Billing cycle statuses. The billing subsystem guarantees at most one
// ACTIVE cycle at a time; the ledger only reads the current one.
const (
	CycleActive = "ACTIVE"
	CycleClosed = "CLOSED"
)

type BillingCycle struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Status    string     `json:"status" db:"status"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Adjustment types. The stored amount is signed: deposits positive,
// withdrawals negative, corrections keep the caller's sign.
const (
	AdjustmentDeposit    = "deposit"
	AdjustmentWithdrawal = "withdrawal"
	AdjustmentCorrection = "correction"
)

// BalanceAdjustment is a manual balance change outside of a transaction.
type BalanceAdjustment struct {
	ID             string          `json:"id" db:"id"`
	MemberID       string          `json:"member_id" db:"member_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // signed, post-normalization
	AdjustmentType string          `json:"adjustment_type" db:"adjustment_type"`
	Notes          string          `json:"notes" db:"notes"`
	AdminID        *string         `json:"admin_id,omitempty" db:"admin_id"`
	BalanceBefore  decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	BillingCycleID *string         `json:"billing_cycle_id,omitempty" db:"billing_cycle_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// AdjustmentInput is the payload for a manual balance adjustment.
type AdjustmentInput struct {
	MemberID       string          `json:"memberId" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	AdjustmentType string          `json:"adjustmentType" validate:"required,oneof=deposit withdrawal correction"`
	Notes          string          `json:"notes" validate:"max=500"`
	AdminID        string          `json:"adminId"`
}

// AdjustmentResult reports the balances around an applied adjustment.
type AdjustmentResult struct {
	AdjustmentID  string          `json:"adjustmentId"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
}

// RecalcResult reports a balance repair. OldBalance is what the member row
// held, NewBalance what the transaction and adjustment history sums to.
type RecalcResult struct {
	OldBalance decimal.Decimal `json:"oldBalance"`
	NewBalance decimal.Decimal `json:"newBalance"`
}
