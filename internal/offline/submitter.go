package offline

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// Monitor tracks the connectivity signal and triggers queue drains: once on
// every offline-to-online transition and periodically while online. An
// optional probe (typically the server health endpoint) feeds the signal.
type Monitor struct {
	queue    *Queue
	interval time.Duration
	probe    func(ctx context.Context) bool
	online   atomic.Bool
}

func NewMonitor(queue *Queue, interval time.Duration, probe func(ctx context.Context) bool) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := &Monitor{
		queue:    queue,
		interval: interval,
		probe:    probe,
	}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// SetOnline records a connectivity transition. Coming back online kicks off
// a drain immediately rather than waiting for the next tick.
func (m *Monitor) SetOnline(online bool) {
	was := m.online.Swap(online)
	if online && !was {
		log.Printf("[QUEUE] Connectivity restored, draining")
		go m.queue.Drain(context.Background())
	}
	if !online && was {
		log.Printf("[QUEUE] Connectivity lost")
	}
}

// Run loops until the context is canceled: probe connectivity, then drain
// while online.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.probe != nil {
				m.SetOnline(m.probe(ctx))
			}
			if m.Online() {
				m.queue.Drain(ctx)
			}
		}
	}
}

// SubmitResult is what the operator UI shows for one submitted charge.
type SubmitResult struct {
	Accepted         bool            `json:"accepted"`
	Tentative        bool            `json:"tentative"` // confirmation preceded the server result
	Queued           bool            `json:"queued"`
	LocalID          string          `json:"localId,omitempty"`
	Ack              *ChargeAck      `json:"ack,omitempty"`
	ProjectedBalance decimal.Decimal `json:"projectedBalance"`
	Message          string          `json:"message,omitempty"`
}

// Submitter is the kiosk charge entry point. It implements two-phase
// completion: when the projected balance stays non-negative the operator
// gets an immediate tentative acceptance and the authoritative call is
// reconciled in the background (confirm is a no-op, failure requeues). When
// the charge would overdraft, the submitter waits for the real result before
// answering, since overdraft confirmation is higher stakes.
type Submitter struct {
	queue   *Queue
	poster  ChargePoster
	monitor *Monitor
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewSubmitter(queue *Queue, poster ChargePoster, monitor *Monitor) *Submitter {
	return &Submitter{
		queue:   queue,
		poster:  poster,
		monitor: monitor,
		timeout: 30 * time.Second,
	}
}

func (s *Submitter) Submit(ctx context.Context, payload ChargePayload, knownBalance decimal.Decimal) (*SubmitResult, error) {
	if !payload.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	projected := knownBalance.Sub(payload.Amount)
	charge := NewPendingCharge(payload)

	if !s.monitor.Online() {
		localID, err := s.queue.EnqueueCharge(charge)
		if err != nil {
			return nil, err
		}
		return &SubmitResult{
			Accepted:         true,
			Tentative:        true,
			Queued:           true,
			LocalID:          localID,
			ProjectedBalance: projected,
			Message:          "Offline, charge queued for delivery",
		}, nil
	}

	if projected.IsNegative() {
		return s.submitOverdraft(ctx, charge, projected)
	}

	// Optimistic path: answer now, reconcile in the background. The charge
	// keeps its idempotency key, so a requeue after an uncertain outcome
	// cannot double-post.
	s.wg.Add(1)
	go s.reconcile(charge)

	return &SubmitResult{
		Accepted:         true,
		Tentative:        true,
		ProjectedBalance: projected,
	}, nil
}

// submitOverdraft delivers synchronously. A permanent rejection is surfaced
// to the operator; an uncertain outcome (timeout, network) queues the charge
// under its existing key so neither loss nor double-posting is possible.
func (s *Submitter) submitOverdraft(ctx context.Context, charge PendingCharge, projected decimal.Decimal) (*SubmitResult, error) {
	ack, err := s.poster.PostCharge(ctx, charge)
	if err == nil {
		return &SubmitResult{
			Accepted:         true,
			Ack:              ack,
			ProjectedBalance: ack.BalanceAfter,
		}, nil
	}
	if errors.Is(err, ErrRejected) {
		return nil, err
	}

	localID, qerr := s.queue.EnqueueCharge(charge)
	if qerr != nil {
		return nil, qerr
	}
	return &SubmitResult{
		Accepted:         false,
		Queued:           true,
		LocalID:          localID,
		ProjectedBalance: projected,
		Message:          "Could not confirm with server, charge queued",
	}, nil
}

func (s *Submitter) reconcile(charge PendingCharge) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ack, err := s.poster.PostCharge(ctx, charge)
	if err == nil {
		if ack.Duplicate {
			log.Printf("[QUEUE] Reconciled charge %s was already applied (tx=%s)", charge.LocalID, ack.TransactionID)
		}
		return
	}

	if errors.Is(err, ErrRejected) {
		if _, qerr := s.queue.EnqueueForReview(charge, err.Error()); qerr != nil {
			log.Printf("[QUEUE] Failed to queue rejected charge %s: %v", charge.LocalID, qerr)
		}
		return
	}

	s.monitor.SetOnline(false)
	if _, qerr := s.queue.EnqueueCharge(charge); qerr != nil {
		log.Printf("[QUEUE] Failed to requeue charge %s: %v", charge.LocalID, qerr)
		return
	}
	log.Printf("[QUEUE] Tentative charge %s could not be confirmed, requeued: %v", charge.LocalID, err)
}

// Flush waits for in-flight background reconciliations. Used at shutdown
// and in tests.
func (s *Submitter) Flush() {
	s.wg.Wait()
}
