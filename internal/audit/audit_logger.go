package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id,omitempty"`
	MemberID      string    `json:"member_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Status        string    `json:"status"`
	Details       any       `json:"details,omitempty"`
}

// Logger emits structured audit records for every balance-affecting
// operation. Output goes to the process log as single-line JSON so the
// surrounding log shipper can pick it up.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogCharge(transactionID, memberID, businessID, amount, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "CHARGE",
		TransactionID: transactionID,
		MemberID:      memberID,
		Amount:        amount,
		Status:        status,
		Details:       map[string]string{"business_id": businessID},
	})
}

func (a *Logger) LogVoid(transactionID, memberID, reason, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "VOID",
		TransactionID: transactionID,
		MemberID:      memberID,
		Status:        status,
		Details:       map[string]string{"reason": reason},
	})
}

func (a *Logger) LogAdjustment(adjustmentID, memberID, amount, adjustmentType, status string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ADJUSTMENT",
		TransactionID: adjustmentID,
		MemberID:      memberID,
		Amount:        amount,
		Status:        status,
		Details:       map[string]string{"type": adjustmentType},
	})
}

func (a *Logger) LogRecalculation(memberID, oldBalance, newBalance string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "RECALCULATE",
		MemberID:  memberID,
		Status:    "SUCCESS",
		Details:   map[string]string{"old_balance": oldBalance, "new_balance": newBalance},
	})
}

func (a *Logger) LogError(transactionID, memberID string, err error) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "ERROR",
		TransactionID: transactionID,
		MemberID:      memberID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
