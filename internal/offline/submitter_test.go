package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestSubmitter(t *testing.T, poster ChargePoster) (*Submitter, *Queue, *Monitor) {
	t.Helper()
	q, err := NewQueue(NewMemoryStore(), poster, fastOptions())
	assert.NoError(t, err)
	m := NewMonitor(q, time.Minute, nil)
	return NewSubmitter(q, poster, m), q, m
}

func TestSubmitter_OfflineQueuesTentative(t *testing.T) {
	poster := &fakePoster{}
	s, q, m := newTestSubmitter(t, poster)
	m.SetOnline(false)

	result, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("20"))
	assert.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Tentative)
	assert.True(t, result.Queued)
	assert.True(t, result.ProjectedBalance.Equal(decimal.RequireFromString("5")))
	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, 0, poster.callCount())
}

func TestSubmitter_OptimisticPathReconcilesInBackground(t *testing.T) {
	poster := &fakePoster{}
	s, q, _ := newTestSubmitter(t, poster)

	result, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("20"))
	assert.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Tentative)
	assert.False(t, result.Queued)

	s.Flush()
	assert.Equal(t, 1, poster.callCount())
	assert.Equal(t, 0, q.PendingCount())
}

func TestSubmitter_OptimisticTransientFailureRequeues(t *testing.T) {
	poster := &fakePoster{
		respond: func(charge PendingCharge) (*ChargeAck, error) {
			return nil, errors.New("connection refused")
		},
	}
	s, q, m := newTestSubmitter(t, poster)

	result, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("20"))
	assert.NoError(t, err)
	assert.True(t, result.Accepted)

	s.Flush()
	assert.Equal(t, 1, q.PendingCount())
	assert.False(t, m.Online())

	// The queued charge carries the key used in the failed attempt
	assert.Equal(t, poster.calls[0].IdempotencyKey, q.Pending()[0].IdempotencyKey)
}

func TestSubmitter_OptimisticRejectionFlagsForReview(t *testing.T) {
	poster := &fakePoster{
		respond: func(charge PendingCharge) (*ChargeAck, error) {
			return nil, fmt.Errorf("%w: member not found", ErrRejected)
		},
	}
	s, q, _ := newTestSubmitter(t, poster)

	_, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("20"))
	assert.NoError(t, err)

	s.Flush()
	pending := q.Pending()
	assert.Len(t, pending, 1)
	assert.True(t, pending[0].NeedsReview)
}

func TestSubmitter_OverdraftWaitsForServer(t *testing.T) {
	poster := &fakePoster{
		respond: func(charge PendingCharge) (*ChargeAck, error) {
			return &ChargeAck{
				TransactionID: "tx1",
				BalanceBefore: decimal.RequireFromString("10"),
				BalanceAfter:  decimal.RequireFromString("-5"),
			}, nil
		},
	}
	s, q, _ := newTestSubmitter(t, poster)

	result, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("10"))
	assert.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Tentative)
	assert.Equal(t, "tx1", result.Ack.TransactionID)
	assert.Equal(t, 0, q.PendingCount())
}

func TestSubmitter_OverdraftRejectionSurfaces(t *testing.T) {
	poster := &fakePoster{
		respond: func(charge PendingCharge) (*ChargeAck, error) {
			return nil, fmt.Errorf("%w: business not active", ErrRejected)
		},
	}
	s, q, _ := newTestSubmitter(t, poster)

	_, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("10"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 0, q.PendingCount())
}

func TestSubmitter_OverdraftTransientFailureQueuesUnconfirmed(t *testing.T) {
	poster := &fakePoster{
		respond: func(charge PendingCharge) (*ChargeAck, error) {
			return nil, errors.New("timeout")
		},
	}
	s, q, _ := newTestSubmitter(t, poster)

	result, err := s.Submit(context.Background(), testPayload("15"), decimal.RequireFromString("10"))
	assert.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.True(t, result.Queued)
	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, poster.calls[0].IdempotencyKey, q.Pending()[0].IdempotencyKey)
}

func TestSubmitter_NonPositiveAmountRejected(t *testing.T) {
	s, _, _ := newTestSubmitter(t, &fakePoster{})

	_, err := s.Submit(context.Background(), testPayload("0"), decimal.RequireFromString("10"))
	assert.Error(t, err)
}

func TestMonitor_OnlineTransitionTriggersDrain(t *testing.T) {
	poster := &fakePoster{}
	q, err := NewQueue(NewMemoryStore(), poster, fastOptions())
	assert.NoError(t, err)
	m := NewMonitor(q, time.Minute, nil)

	m.SetOnline(false)
	_, err = q.Enqueue(testPayload("10"))
	assert.NoError(t, err)

	m.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for q.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, q.PendingCount())
	assert.Equal(t, 1, poster.callCount())
}

// serializedLedger stands in for the server-side processor: a single mutex
// plays the role of the member row lock, and applied charges are keyed by
// idempotency key so a replay answers as a duplicate instead of re-debiting.
type serializedLedger struct {
	mu      sync.Mutex
	balance decimal.Decimal
	applied map[string]ChargeAck
}

func newSerializedLedger(balance string) *serializedLedger {
	return &serializedLedger{
		balance: decimal.RequireFromString(balance),
		applied: make(map[string]ChargeAck),
	}
}

func (l *serializedLedger) PostCharge(ctx context.Context, charge PendingCharge) (*ChargeAck, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ack, ok := l.applied[charge.IdempotencyKey]; ok {
		ack.Duplicate = true
		return &ack, nil
	}

	before := l.balance
	l.balance = l.balance.Sub(charge.Amount)
	ack := ChargeAck{
		TransactionID: charge.LocalID,
		BalanceBefore: before,
		BalanceAfter:  l.balance,
	}
	l.applied[charge.IdempotencyKey] = ack
	result := ack
	return &result, nil
}

func TestSubmitter_ConcurrentChargesLoseNoUpdates(t *testing.T) {
	const workers = 50

	ledger := newSerializedLedger("1000")
	s, q, _ := newTestSubmitter(t, ledger)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := s.Submit(context.Background(), testPayload("2"), decimal.RequireFromString("1000"))
			assert.NoError(t, err)
			assert.True(t, result.Accepted)
		}()
	}
	wg.Wait()
	s.Flush()

	ledger.mu.Lock()
	final := ledger.balance
	appliedCount := len(ledger.applied)
	ledger.mu.Unlock()

	// 1000 - 50*2: every concurrent charge applied exactly once
	assert.True(t, final.Equal(decimal.RequireFromString("900")), "final balance %s", final)
	assert.Equal(t, workers, appliedCount)
	assert.Equal(t, 0, q.PendingCount())
}

func TestSubmitter_ReplayAfterLostAckDoesNotDoublePost(t *testing.T) {
	ledger := newSerializedLedger("100")
	s, q, _ := newTestSubmitter(t, ledger)

	_, err := s.Submit(context.Background(), testPayload("30"), decimal.RequireFromString("100"))
	assert.NoError(t, err)
	s.Flush()

	// Deliver the same charge again, as a drain pass would after the first
	// acknowledgment was lost in transit.
	ledger.mu.Lock()
	var delivered PendingCharge
	for key := range ledger.applied {
		delivered.IdempotencyKey = key
	}
	delivered.Amount = decimal.RequireFromString("30")
	ledger.mu.Unlock()

	ack, err := ledger.PostCharge(context.Background(), delivered)
	assert.NoError(t, err)
	assert.True(t, ack.Duplicate)

	ledger.mu.Lock()
	final := ledger.balance
	ledger.mu.Unlock()
	assert.True(t, final.Equal(decimal.RequireFromString("70")), "final balance %s", final)
	assert.Equal(t, 0, q.PendingCount())
}
