package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/pdca/backend/internal/audit"
	"github.com/pdca/backend/internal/models"
)

// Business-rule failures reported by the ledger. Anything not in this list
// is an infrastructure error and is wrapped verbatim.
var (
	ErrMemberNotFound      = errors.New("member not found or not active")
	ErrBusinessNotFound    = errors.New("business not found")
	ErrBusinessInactive    = errors.New("business not active")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyVoided       = errors.New("transaction already voided")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// ChargeNotifier receives committed charges for best-effort side channels
// (spreadsheet mirror, preset tuning). Implementations must tolerate being
// called concurrently; errors are logged by the ledger and never surfaced.
type ChargeNotifier interface {
	Name() string
	NotifyCharge(ctx context.Context, ev models.ChargeEvent) error
}

// LedgerService applies balance-changing operations to exactly one member at
// a time. Every mutation runs inside a single database transaction that
// starts by locking the member row (SELECT ... FOR UPDATE), so concurrent
// operations against the same member serialize at the database. Different
// members are unconstrained and run fully in parallel. No code path reads a
// balance for writing outside that lock.
type LedgerService struct {
	db        *sql.DB
	audit     *audit.Logger
	notifiers []ChargeNotifier
}

func NewLedgerService(db *sql.DB, notifiers ...ChargeNotifier) *LedgerService {
	return &LedgerService{
		db:        db,
		audit:     audit.NewLogger(),
		notifiers: notifiers,
	}
}

// PostCharge debits a member's balance by the charge amount and records the
// transaction, atomically. Overdraft is allowed: the resulting balance may go
// negative. Replays of the same idempotency key return the originally
// recorded balances with Duplicate set and have no balance effect.
func (s *LedgerService) PostCharge(ctx context.Context, in models.ChargeInput) (*models.ChargeResult, error) {
	if !in.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if in.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin charge transaction: %w", err)
	}
	defer tx.Rollback()

	memberName, memberCode, balance, err := s.lockActiveMember(tx, in.MemberID)
	if err != nil {
		return nil, err
	}

	// Replay check runs under the member lock so it cannot race a concurrent
	// first application of the same key on this member.
	if res, err := s.findByIdempotencyKeyTx(tx, in.IdempotencyKey); err != nil {
		return nil, err
	} else if res != nil {
		log.Printf("[LEDGER] Duplicate charge detected, key=%s tx=%s", in.IdempotencyKey, res.TransactionID)
		return res, nil
	}

	businessName, err := s.checkBusiness(tx, in.BusinessID)
	if err != nil {
		return nil, err
	}

	cycleID, err := s.activeBillingCycleTx(tx)
	if err != nil {
		return nil, err
	}

	txID := uuid.New().String()
	now := time.Now()
	balanceAfter := balance.Sub(in.Amount)

	deviceInfo := []byte(in.DeviceInfo)
	if len(deviceInfo) == 0 {
		deviceInfo = nil
	}

	_, err = tx.Exec(`
		INSERT INTO transactions
		(id, member_id, business_id, amount, balance_before, balance_after, billing_cycle_id, source, description, notes, idempotency_key, device_info, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		txID, in.MemberID, in.BusinessID, in.Amount, balance, balanceAfter, cycleID,
		in.Source, in.Description, in.Notes, in.IdempotencyKey, deviceInfo, in.IPAddress, now)
	if err != nil {
		// A replay that slipped past the lookup still lands on the unique
		// idempotency_key index.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			tx.Rollback()
			return s.findByIdempotencyKey(ctx, in.IdempotencyKey)
		}
		s.audit.LogError(txID, in.MemberID, err)
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := s.writeBalance(tx, in.MemberID, balanceAfter, now); err != nil {
		s.audit.LogError(txID, in.MemberID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(txID, in.MemberID, err)
		return nil, fmt.Errorf("commit charge: %w", err)
	}

	s.audit.LogCharge(txID, in.MemberID, in.BusinessID, in.Amount.String(), "SUCCESS")

	// Side channels fire after commit and never affect the charge outcome.
	s.dispatch(models.ChargeEvent{
		Transaction: models.Transaction{
			ID:             txID,
			MemberID:       in.MemberID,
			BusinessID:     in.BusinessID,
			Amount:         in.Amount,
			BalanceBefore:  balance,
			BalanceAfter:   balanceAfter,
			BillingCycleID: cycleID,
			Source:         in.Source,
			Description:    in.Description,
			Notes:          in.Notes,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
		},
		MemberName:   memberName,
		MemberCode:   memberCode,
		BusinessName: businessName,
	})

	return &models.ChargeResult{
		TransactionID: txID,
		BalanceBefore: balance,
		BalanceAfter:  balanceAfter,
	}, nil
}

// VoidTransaction reverses a posted charge exactly once: the member balance
// returns to what it would have been had the charge never posted, and the
// transaction row is marked voided, never deleted. A second void of the same
// transaction is rejected without touching the balance.
func (s *LedgerService) VoidTransaction(ctx context.Context, transactionID, reason string, actingAdminID *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin void transaction: %w", err)
	}
	defer tx.Rollback()

	var memberID string
	var amount decimal.Decimal
	var voided bool
	err = tx.QueryRow(`
		SELECT member_id, amount, voided FROM transactions
		WHERE id = $1
		FOR UPDATE`, transactionID).Scan(&memberID, &amount, &voided)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		return fmt.Errorf("lock transaction: %w", err)
	}
	if voided {
		return ErrAlreadyVoided
	}

	balance, err := s.lockMember(tx, memberID)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE transactions
		SET voided = true, void_reason = $1, voided_by = $2, voided_at = $3
		WHERE id = $4`,
		reason, actingAdminID, now, transactionID)
	if err != nil {
		s.audit.LogError(transactionID, memberID, err)
		return fmt.Errorf("mark voided: %w", err)
	}

	if err := s.writeBalance(tx, memberID, balance.Add(amount), now); err != nil {
		s.audit.LogError(transactionID, memberID, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(transactionID, memberID, err)
		return fmt.Errorf("commit void: %w", err)
	}

	s.audit.LogVoid(transactionID, memberID, reason, "SUCCESS")
	return nil
}

// AdjustBalance applies a manual, non-transaction balance change. The sign of
// the stored amount is normalized by type: deposits positive, withdrawals
// negative, corrections kept as supplied.
func (s *LedgerService) AdjustBalance(ctx context.Context, in models.AdjustmentInput) (*models.AdjustmentResult, error) {
	amount := normalizeAdjustment(in.Amount, in.AdjustmentType)
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin adjustment: %w", err)
	}
	defer tx.Rollback()

	balance, err := s.lockMember(tx, in.MemberID)
	if err != nil {
		return nil, err
	}

	cycleID, err := s.activeBillingCycleTx(tx)
	if err != nil {
		return nil, err
	}

	adjID := uuid.New().String()
	now := time.Now()
	balanceAfter := balance.Add(amount)

	var adminID *string
	if in.AdminID != "" {
		adminID = &in.AdminID
	}

	_, err = tx.Exec(`
		INSERT INTO balance_adjustments
		(id, member_id, amount, adjustment_type, notes, admin_id, balance_before, balance_after, billing_cycle_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		adjID, in.MemberID, amount, in.AdjustmentType, in.Notes, adminID, balance, balanceAfter, cycleID, now)
	if err != nil {
		s.audit.LogError(adjID, in.MemberID, err)
		return nil, fmt.Errorf("insert adjustment: %w", err)
	}

	if err := s.writeBalance(tx, in.MemberID, balanceAfter, now); err != nil {
		s.audit.LogError(adjID, in.MemberID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(adjID, in.MemberID, err)
		return nil, fmt.Errorf("commit adjustment: %w", err)
	}

	s.audit.LogAdjustment(adjID, in.MemberID, amount.String(), in.AdjustmentType, "SUCCESS")
	return &models.AdjustmentResult{
		AdjustmentID:  adjID,
		BalanceBefore: balance,
		BalanceAfter:  balanceAfter,
	}, nil
}

// RecalculateBalance repairs drift: the stored balance is overwritten with
// the sum of all adjustments minus the sum of all non-voided charges. Runs
// under the same member lock as every other mutation so it cannot race a
// concurrent charge.
func (s *LedgerService) RecalculateBalance(ctx context.Context, memberID string) (*models.RecalcResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin recalculation: %w", err)
	}
	defer tx.Rollback()

	oldBalance, err := s.lockMember(tx, memberID)
	if err != nil {
		return nil, err
	}

	var chargeSum decimal.Decimal
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE member_id = $1 AND voided = false`, memberID).Scan(&chargeSum)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}

	var adjustmentSum decimal.Decimal
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0) FROM balance_adjustments
		WHERE member_id = $1`, memberID).Scan(&adjustmentSum)
	if err != nil {
		return nil, fmt.Errorf("sum adjustments: %w", err)
	}

	newBalance := adjustmentSum.Sub(chargeSum)
	if err := s.writeBalance(tx, memberID, newBalance, time.Now()); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recalculation: %w", err)
	}

	if !oldBalance.Equal(newBalance) {
		log.Printf("[LEDGER] Balance drift repaired for member %s: %s -> %s", memberID, oldBalance, newBalance)
	}
	s.audit.LogRecalculation(memberID, oldBalance.String(), newBalance.String())
	return &models.RecalcResult{OldBalance: oldBalance, NewBalance: newBalance}, nil
}

// Locking helpers. All mutation paths funnel through these.

func (s *LedgerService) lockActiveMember(tx *sql.Tx, memberID string) (name, code string, balance decimal.Decimal, err error) {
	err = tx.QueryRow(`
		SELECT name, member_code, balance FROM members
		WHERE id = $1 AND status = 'ACTIVE'
		FOR UPDATE`, memberID).Scan(&name, &code, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrMemberNotFound
	} else if err != nil {
		err = fmt.Errorf("lock member: %w", err)
	}
	return
}

func (s *LedgerService) lockMember(tx *sql.Tx, memberID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(`
		SELECT balance FROM members
		WHERE id = $1
		FOR UPDATE`, memberID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return balance, ErrMemberNotFound
	}
	if err != nil {
		return balance, fmt.Errorf("lock member: %w", err)
	}
	return balance, nil
}

func (s *LedgerService) writeBalance(tx *sql.Tx, memberID string, balance decimal.Decimal, now time.Time) error {
	result, err := tx.Exec(`
		UPDATE members
		SET balance = $1, updated_at = $2
		WHERE id = $3`, balance, now, memberID)
	if err != nil {
		return fmt.Errorf("write balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func (s *LedgerService) checkBusiness(tx *sql.Tx, businessID string) (string, error) {
	var name, status string
	err := tx.QueryRow(`
		SELECT name, status FROM businesses
		WHERE id = $1`, businessID).Scan(&name, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrBusinessNotFound
	}
	if err != nil {
		return "", fmt.Errorf("check business: %w", err)
	}
	if status != "ACTIVE" {
		return "", ErrBusinessInactive
	}
	return name, nil
}

// activeBillingCycleTx returns the current active cycle id, or nil when no
// cycle is open. A missing cycle is not an error; the charge is simply not
// stamped.
func (s *LedgerService) activeBillingCycleTx(tx *sql.Tx) (*string, error) {
	var id string
	err := tx.QueryRow(`
		SELECT id FROM billing_cycles
		WHERE status = 'ACTIVE'
		LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup billing cycle: %w", err)
	}
	return &id, nil
}

func (s *LedgerService) findByIdempotencyKeyTx(tx *sql.Tx, key string) (*models.ChargeResult, error) {
	var res models.ChargeResult
	err := tx.QueryRow(`
		SELECT id, balance_before, balance_after FROM transactions
		WHERE idempotency_key = $1`, key).
		Scan(&res.TransactionID, &res.BalanceBefore, &res.BalanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	res.Duplicate = true
	return &res, nil
}

func (s *LedgerService) findByIdempotencyKey(ctx context.Context, key string) (*models.ChargeResult, error) {
	var res models.ChargeResult
	err := s.db.QueryRowContext(ctx, `
		SELECT id, balance_before, balance_after FROM transactions
		WHERE idempotency_key = $1`, key).
		Scan(&res.TransactionID, &res.BalanceBefore, &res.BalanceAfter)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	res.Duplicate = true
	return &res, nil
}

func (s *LedgerService) dispatch(ev models.ChargeEvent) {
	for _, n := range s.notifiers {
		go func(n ChargeNotifier) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.NotifyCharge(ctx, ev); err != nil {
				log.Printf("[LEDGER] %s notifier failed for tx %s: %v", n.Name(), ev.Transaction.ID, err)
			}
		}(n)
	}
}

func normalizeAdjustment(amount decimal.Decimal, adjustmentType string) decimal.Decimal {
	switch adjustmentType {
	case models.AdjustmentDeposit:
		return amount.Abs()
	case models.AdjustmentWithdrawal:
		return amount.Abs().Neg()
	default: // correction keeps the caller's sign
		return amount
	}
}
