package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction source tags. Stamped at creation time and never rewritten.
const (
	SourceKiosk          = "kiosk"
	SourceBusinessPortal = "business_portal"
	SourceAdminPanel     = "admin_panel"
	SourceAPI            = "api"
	SourceTestData       = "test_data"
)

// Transaction is an immutable record of one posted charge. A voided
// transaction stays in the table with Voided set; the balance reversal is
// applied to the member row, never by deleting this record.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	MemberID       string          `json:"member_id" db:"member_id"`
	BusinessID     string          `json:"business_id" db:"business_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // always positive
	BalanceBefore  decimal.Decimal `json:"balance_before" db:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	BillingCycleID *string         `json:"billing_cycle_id" db:"billing_cycle_id"` // nil when no cycle was active
	Source         string          `json:"source" db:"source"`
	Description    string          `json:"description" db:"description"`
	Notes          string          `json:"notes" db:"notes"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	DeviceInfo     json.RawMessage `json:"device_info,omitempty" db:"device_info"`
	IPAddress      string          `json:"ip_address,omitempty" db:"ip_address"`
	Voided         bool            `json:"voided" db:"voided"`
	VoidReason     string          `json:"void_reason,omitempty" db:"void_reason"`
	VoidedBy       *string         `json:"voided_by,omitempty" db:"voided_by"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty" db:"voided_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// ChargeInput is the full payload for posting a charge.
type ChargeInput struct {
	MemberID       string          `json:"memberId" validate:"required"`
	BusinessID     string          `json:"businessId" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"max=200"`
	Notes          string          `json:"notes" validate:"max=500"`
	Source         string          `json:"source" validate:"required,oneof=kiosk business_portal admin_panel api test_data"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"required,max=64"`
	DeviceInfo     json.RawMessage `json:"deviceInfo,omitempty"`
	IPAddress      string          `json:"-"`
}

// ChargeResult reports the committed outcome of a charge. When Duplicate is
// set, the charge had already been applied under the same idempotency key and
// the balances are the ones recorded by the original application.
type ChargeResult struct {
	TransactionID string          `json:"transactionId"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Duplicate     bool            `json:"duplicate,omitempty"`
}

// ChargeEvent carries a committed charge plus the display fields the
// best-effort side channels need. It is only built after the database commit.
type ChargeEvent struct {
	Transaction  Transaction
	MemberName   string
	MemberCode   string
	BusinessName string
}
