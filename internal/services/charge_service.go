package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pdca/backend/internal/middleware"
	"github.com/pdca/backend/internal/models"
)

// ChargeService exposes the ledger over HTTP. All balance math happens in
// LedgerService; this layer only decodes, validates and maps errors to
// status codes.
type ChargeService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewChargeService(db *sql.DB, ledger *LedgerService) *ChargeService {
	return &ChargeService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

type chargeRequest struct {
	MemberID       string          `json:"memberId" validate:"required"`
	BusinessID     string          `json:"businessId" validate:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description" validate:"max=200"`
	Notes          string          `json:"notes" validate:"max=500"`
	Source         string          `json:"source" validate:"omitempty,oneof=kiosk business_portal admin_panel api test_data"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"omitempty,max=64"`
	DeviceInfo     json.RawMessage `json:"deviceInfo,omitempty"`
}

// CreateCharge posts a charge against a member
// @Summary Post a charge
// @Description Atomically debit a member balance and record the transaction
// @Tags charges
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param charge body chargeRequest true "Charge data"
// @Success 201 {object} models.ChargeResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /charges [post]
func (cs *ChargeService) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if !req.Amount.IsPositive() {
		SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
		return
	}

	if req.Source == "" {
		req.Source = models.SourceAPI
	}
	// Direct submissions without a client key still get one so an internal
	// retry of the same payload cannot double-post.
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	in := models.ChargeInput{
		MemberID:       req.MemberID,
		BusinessID:     req.BusinessID,
		Amount:         req.Amount,
		Description:    req.Description,
		Notes:          req.Notes,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		DeviceInfo:     req.DeviceInfo,
		IPAddress:      clientIP(r),
	}

	result, err := cs.ledger.PostCharge(r.Context(), in)
	if err != nil {
		cs.sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if result.Duplicate {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  result,
			"message": "Charge already processed",
		})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

type voidRequest struct {
	Reason        string `json:"reason" validate:"required,max=500"`
	ActingAdminID string `json:"actingAdminId" validate:"omitempty,max=64"`
}

// VoidTransaction reverses a posted charge
// @Summary Void a transaction
// @Description Reverse a posted charge and restore the member balance; the record is kept for audit
// @Tags charges
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Param void body voidRequest true "Void data"
// @Success 200 {object} map[string]bool
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /transactions/{txId}/void [post]
func (cs *ChargeService) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	var req voidRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// The authenticated admin is the default actor; an explicit body field
	// only overrides it for portal flows acting on someone's behalf.
	if req.ActingAdminID == "" {
		req.ActingAdminID = middleware.AdminIDFromContext(r.Context())
	}
	var adminID *string
	if req.ActingAdminID != "" {
		adminID = &req.ActingAdminID
	}

	if err := cs.ledger.VoidTransaction(r.Context(), txID, req.Reason, adminID); err != nil {
		cs.sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

type adjustmentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	AdjustmentType string          `json:"adjustmentType" validate:"required,oneof=deposit withdrawal correction"`
	Notes          string          `json:"notes" validate:"max=500"`
	ActingAdminID  string          `json:"actingAdminId" validate:"omitempty,max=64"`
}

// CreateAdjustment applies a manual balance adjustment
// @Summary Adjust a member balance
// @Description Apply a deposit, withdrawal or correction directly to a member balance
// @Tags members
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param memberId path string true "Member ID"
// @Param adjustment body adjustmentRequest true "Adjustment data"
// @Success 200 {object} models.AdjustmentResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /members/{memberId}/adjustments [post]
func (cs *ChargeService) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberId")

	var req adjustmentRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := cs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.ActingAdminID == "" {
		req.ActingAdminID = middleware.AdminIDFromContext(r.Context())
	}

	result, err := cs.ledger.AdjustBalance(r.Context(), models.AdjustmentInput{
		MemberID:       memberID,
		Amount:         req.Amount,
		AdjustmentType: req.AdjustmentType,
		Notes:          req.Notes,
		AdminID:        req.ActingAdminID,
	})
	if err != nil {
		cs.sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RecalculateBalance rebuilds a member balance from history
// @Summary Recalculate a member balance
// @Description Recompute the balance from non-voided transactions plus adjustments and overwrite the cached value
// @Tags members
// @Produce json
// @Security BearerAuth
// @Param memberId path string true "Member ID"
// @Success 200 {object} models.RecalcResult
// @Failure 404 {object} ErrorResponse
// @Router /members/{memberId}/recalculate [post]
func (cs *ChargeService) RecalculateBalance(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberId")

	result, err := cs.ledger.RecalculateBalance(r.Context(), memberID)
	if err != nil {
		cs.sendLedgerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// MemberBalance returns the current cached balance
// @Summary Get member balance
// @Description Read the member's current balance and status
// @Tags members
// @Produce json
// @Security BearerAuth
// @Param memberId path string true "Member ID"
// @Success 200 {object} object{memberId=string,balance=string,status=string}
// @Failure 404 {object} ErrorResponse
// @Router /members/{memberId}/balance [get]
func (cs *ChargeService) MemberBalance(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberId")

	var balance decimal.Decimal
	var status string
	err := cs.db.QueryRow(`
		SELECT balance, status FROM members
		WHERE id = $1`, memberID).Scan(&balance, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "Member not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[CHARGE] Failed to fetch member %s: %v", memberID, err)
			SendErrorResponse(w, "Database error", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"memberId": memberID,
		"balance":  balance,
		"status":   status,
	})
}

// GetTransaction retrieves one transaction, voided or not
// @Summary Get transaction by ID
// @Tags charges
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [get]
func (cs *ChargeService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	tx, err := cs.fetchTransaction(txID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Database error", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListTransactions retrieves transactions with optional filters
// @Summary List transactions
// @Description Audit view over posted and voided transactions
// @Tags charges
// @Produce json
// @Security BearerAuth
// @Param memberId query string false "Filter by member"
// @Param businessId query string false "Filter by business"
// @Param status query string false "posted or voided"
// @Param limit query int false "Max rows (default 50, max 200)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 500 {object} ErrorResponse
// @Router /transactions [get]
func (cs *ChargeService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("memberId")
	businessID := r.URL.Query().Get("businessId")
	status := r.URL.Query().Get("status")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	transactions, err := cs.fetchTransactions(memberID, businessID, status, limit)
	if err != nil {
		log.Printf("[CHARGE] Failed to fetch transactions: %v", err)
		SendErrorResponse(w, "Database error", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// HardDeleteTransaction permanently removes a transaction row
// @Summary Hard-delete a transaction
// @Description Escape hatch that removes the row without reversal accounting. The member balance is NOT touched; run a recalculation afterwards.
// @Tags charges
// @Produce json
// @Security BearerAuth
// @Param txId path string true "Transaction ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [delete]
func (cs *ChargeService) HardDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	result, err := cs.db.Exec(`DELETE FROM transactions WHERE id = $1`, txID)
	if err != nil {
		log.Printf("[CHARGE] Hard delete failed for %s: %v", txID, err)
		SendErrorResponse(w, "Database error", http.StatusInternalServerError, nil)
		return
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[CHARGE] Transaction %s hard-deleted, balance left unreconciled", txID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"warning": "Balance not adjusted; recalculate the member balance to reconcile",
	})
}

func (cs *ChargeService) fetchTransaction(txID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := cs.db.QueryRow(`
		SELECT id, member_id, business_id, amount, balance_before, balance_after, billing_cycle_id,
		       source, description, notes, idempotency_key, voided, COALESCE(void_reason, '') as void_reason,
		       voided_by, voided_at, created_at
		FROM transactions
		WHERE id = $1`, txID).Scan(
		&tx.ID, &tx.MemberID, &tx.BusinessID, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
		&tx.BillingCycleID, &tx.Source, &tx.Description, &tx.Notes, &tx.IdempotencyKey,
		&tx.Voided, &tx.VoidReason, &tx.VoidedBy, &tx.VoidedAt, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (cs *ChargeService) fetchTransactions(memberID, businessID, status string, limit int) ([]models.Transaction, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	baseQuery := `
		SELECT id, member_id, business_id, amount, balance_before, balance_after, billing_cycle_id,
		       source, description, notes, idempotency_key, voided, COALESCE(void_reason, '') as void_reason,
		       voided_by, voided_at, created_at
		FROM transactions
	`

	if memberID != "" {
		conditions = append(conditions, fmt.Sprintf("member_id = $%d", argIndex))
		args = append(args, memberID)
		argIndex++
	}
	if businessID != "" {
		conditions = append(conditions, fmt.Sprintf("business_id = $%d", argIndex))
		args = append(args, businessID)
		argIndex++
	}
	switch status {
	case "posted":
		conditions = append(conditions, "voided = false")
	case "voided":
		conditions = append(conditions, "voided = true")
	}

	query := baseQuery
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := cs.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		err := rows.Scan(
			&tx.ID, &tx.MemberID, &tx.BusinessID, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter,
			&tx.BillingCycleID, &tx.Source, &tx.Description, &tx.Notes, &tx.IdempotencyKey,
			&tx.Voided, &tx.VoidReason, &tx.VoidedBy, &tx.VoidedAt, &tx.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

func (cs *ChargeService) sendLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrMemberNotFound),
		errors.Is(err, ErrBusinessNotFound),
		errors.Is(err, ErrTransactionNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrBusinessInactive):
		SendErrorResponse(w, err.Error(), http.StatusForbidden, nil)
	case errors.Is(err, ErrAlreadyVoided):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ErrInvalidAmount):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		log.Printf("[CHARGE] Ledger operation failed: %v", err)
		SendErrorResponse(w, "Database error", http.StatusInternalServerError, nil)
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
