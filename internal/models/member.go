package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member represents a billed member account.
//
// Balance is a cached running total. It is only ever mutated through the
// ledger operations (charge, void, adjustment, recalculate); nothing else
// writes this column.
type Member struct {
	ID         string          `json:"id" db:"id"`
	MemberCode string          `json:"member_code" db:"member_code"` // short code printed on the member card
	Name       string          `json:"name" db:"name"`
	Balance    decimal.Decimal `json:"balance" db:"balance"` // signed, negative = overdraft
	Status     string          `json:"status" db:"status"`   // ACTIVE or INACTIVE
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Business is a charging party: a vendor posting charges against members
// from a kiosk or the business portal.
type Business struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	Status        string    `json:"status" db:"status"`
	PresetAmounts []string  `json:"preset_amounts" db:"preset_amounts"` // frequently used charge amounts, as decimal strings
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
