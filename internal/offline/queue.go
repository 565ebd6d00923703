package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrRejected marks a permanent, server-reported rejection (validation
// failure, unknown member). Rejected charges are never retried automatically;
// they are flagged for operator review instead.
var ErrRejected = errors.New("charge rejected by server")

// ErrNotQueued is returned for operator actions on an unknown local id.
var ErrNotQueued = errors.New("no queued charge with that id")

// ChargePayload is the operator-entered charge, before any queue
// bookkeeping is attached.
type ChargePayload struct {
	MemberID    string          `json:"member_id"`
	BusinessID  string          `json:"business_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Source      string          `json:"source"`
	DeviceInfo  json.RawMessage `json:"device_info,omitempty"`
}

// PendingCharge is one queued charge. The idempotency key is generated once
// at creation and reused on every delivery attempt, so a retry of a charge
// whose acknowledgment was lost cannot double-post.
type PendingCharge struct {
	LocalID        string    `json:"local_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	ChargePayload
	CreatedAt     time.Time `json:"created_at"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	NeedsReview   bool      `json:"needs_review"`
	ReviewReason  string    `json:"review_reason,omitempty"`
}

// ChargeAck is the server's confirmation of a delivered charge.
type ChargeAck struct {
	TransactionID string          `json:"transactionId"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Duplicate     bool            `json:"duplicate,omitempty"`
}

// ChargePoster delivers one charge to the authoritative ledger.
// Implementations return ErrRejected (wrapped) for permanent failures and
// any other error for transient ones.
type ChargePoster interface {
	PostCharge(ctx context.Context, charge PendingCharge) (*ChargeAck, error)
}

// Options tune queue behavior. Zero values fall back to defaults.
type Options struct {
	StorageKey    string        // default "pending_charges"
	DeliveryDelay time.Duration // pause between items in one drain pass, default 250ms
	BackoffBase   time.Duration // default 5s
	BackoffMax    time.Duration // default 10m
	MaxPendingAge time.Duration // age after which an item is flagged for review, default 24h
}

// Queue is the durable, at-least-once buffer for charges created while the
// ledger is unreachable. Every mutation persists to the injected Store
// before returning, and the queue reloads from it on startup. A single drain
// pass runs at a time; overlapping triggers coalesce into the running pass.
type Queue struct {
	mu       sync.Mutex
	store    Store
	poster   ChargePoster
	opt      Options
	items    []PendingCharge
	draining atomic.Bool
	now      func() time.Time
}

func NewQueue(store Store, poster ChargePoster, opt *Options) (*Queue, error) {
	o := Options{
		StorageKey:    "pending_charges",
		DeliveryDelay: 250 * time.Millisecond,
		BackoffBase:   5 * time.Second,
		BackoffMax:    10 * time.Minute,
		MaxPendingAge: 24 * time.Hour,
	}
	if opt != nil {
		if opt.StorageKey != "" {
			o.StorageKey = opt.StorageKey
		}
		if opt.DeliveryDelay != 0 {
			o.DeliveryDelay = opt.DeliveryDelay
		}
		if opt.BackoffBase != 0 {
			o.BackoffBase = opt.BackoffBase
		}
		if opt.BackoffMax != 0 {
			o.BackoffMax = opt.BackoffMax
		}
		if opt.MaxPendingAge != 0 {
			o.MaxPendingAge = opt.MaxPendingAge
		}
	}

	q := &Queue{
		store:  store,
		poster: poster,
		opt:    o,
		now:    time.Now,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// NewPendingCharge attaches queue bookkeeping to an operator payload. The
// idempotency key minted here stays with the charge for its whole life.
func NewPendingCharge(p ChargePayload) PendingCharge {
	return PendingCharge{
		LocalID:        uuid.New().String(),
		IdempotencyKey: uuid.New().String(),
		ChargePayload:  p,
		CreatedAt:      time.Now(),
	}
}

// Enqueue buffers a new charge and persists before acknowledging.
func (q *Queue) Enqueue(p ChargePayload) (string, error) {
	return q.EnqueueCharge(NewPendingCharge(p))
}

// EnqueueCharge buffers a charge that already carries its bookkeeping,
// typically one whose online delivery could not be confirmed.
func (q *Queue) EnqueueCharge(c PendingCharge) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, c)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	log.Printf("[QUEUE] Charge queued, local=%s pending=%d", c.LocalID, len(q.items))
	return c.LocalID, nil
}

// EnqueueForReview buffers a charge already flagged for operator attention,
// e.g. one the server rejected during a background reconciliation.
func (q *Queue) EnqueueForReview(c PendingCharge, reason string) (string, error) {
	c.NeedsReview = true
	c.ReviewReason = reason
	return q.EnqueueCharge(c)
}

// Drain attempts to deliver every eligible queued item in FIFO order. Items
// flagged for review or still backing off are skipped. Per-item failures are
// absorbed into retry bookkeeping; Drain itself never reports them.
func (q *Queue) Drain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	ids := q.snapshotIDs()
	if len(ids) == 0 {
		return
	}
	log.Printf("[QUEUE] Drain pass starting, pending=%d", len(ids))

	delivered := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-time.After(q.opt.DeliveryDelay):
			case <-ctx.Done():
				return
			}
		}

		item, ok := q.get(id)
		if !ok {
			continue // discarded mid-pass
		}
		now := q.now()
		if item.NeedsReview || now.Before(item.NextAttemptAt) {
			continue
		}

		ack, err := q.poster.PostCharge(ctx, item)
		switch {
		case err == nil:
			if ack != nil && ack.Duplicate {
				log.Printf("[QUEUE] Charge %s was already applied server-side (tx=%s)", item.LocalID, ack.TransactionID)
			}
			q.remove(id)
			delivered++
		case errors.Is(err, ErrRejected):
			q.flagForReview(id, err.Error())
		case ctx.Err() != nil:
			return
		default:
			q.recordFailure(id, err)
		}
	}

	log.Printf("[QUEUE] Drain pass finished, delivered=%d pending=%d", delivered, q.PendingCount())
}

// Discard removes a queued charge without delivering it.
func (q *Queue) Discard(localID string) error {
	if !q.remove(localID) {
		return ErrNotQueued
	}
	log.Printf("[QUEUE] Charge %s discarded by operator", localID)
	return nil
}

// Retry clears the review flag and backoff so the next drain pass attempts
// the charge again.
func (q *Queue) Retry(localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].LocalID == localID {
			q.items[i].NeedsReview = false
			q.items[i].ReviewReason = ""
			q.items[i].NextAttemptAt = time.Time{}
			return q.persistLocked()
		}
	}
	return ErrNotQueued
}

// Pending returns a copy of the queued charges, oldest first.
func (q *Queue) Pending() []PendingCharge {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingCharge, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) load() error {
	data, ok, err := q.store.Get(q.opt.StorageKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return fmt.Errorf("decode queue: %w", err)
	}
	if len(q.items) > 0 {
		log.Printf("[QUEUE] Restored %d pending charge(s) from storage", len(q.items))
	}
	return nil
}

func (q *Queue) persistLocked() error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return err
	}
	return q.store.Put(q.opt.StorageKey, data)
}

func (q *Queue) snapshotIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.items))
	for i, item := range q.items {
		ids[i] = item.LocalID
	}
	return ids
}

func (q *Queue) get(localID string) (PendingCharge, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.LocalID == localID {
			return item, true
		}
	}
	return PendingCharge{}, false
}

func (q *Queue) remove(localID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].LocalID == localID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.persistLocked(); err != nil {
				log.Printf("[QUEUE] Failed to persist after removal of %s: %v", localID, err)
			}
			return true
		}
	}
	return false
}

func (q *Queue) recordFailure(localID string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].LocalID != localID {
			continue
		}
		q.items[i].RetryCount++
		q.items[i].LastError = cause.Error()
		q.items[i].NextAttemptAt = q.now().Add(q.backoff(q.items[i].RetryCount))
		if q.now().Sub(q.items[i].CreatedAt) > q.opt.MaxPendingAge {
			q.items[i].NeedsReview = true
			q.items[i].ReviewReason = "exceeded max pending age"
			log.Printf("[QUEUE] Charge %s aged out after %d attempts, flagged for review", localID, q.items[i].RetryCount)
		}
		if err := q.persistLocked(); err != nil {
			log.Printf("[QUEUE] Failed to persist retry state for %s: %v", localID, err)
		}
		return
	}
}

func (q *Queue) flagForReview(localID, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].LocalID != localID {
			continue
		}
		q.items[i].NeedsReview = true
		q.items[i].ReviewReason = reason
		q.items[i].LastError = reason
		log.Printf("[QUEUE] Charge %s rejected by server, flagged for review: %s", localID, reason)
		if err := q.persistLocked(); err != nil {
			log.Printf("[QUEUE] Failed to persist review flag for %s: %v", localID, err)
		}
		return
	}
}

func (q *Queue) backoff(retries int) time.Duration {
	d := q.opt.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= q.opt.BackoffMax {
			return q.opt.BackoffMax
		}
	}
	if d > q.opt.BackoffMax {
		d = q.opt.BackoffMax
	}
	return d
}
