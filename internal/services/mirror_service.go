package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pdca/backend/internal/models"
)

// MirrorService mirrors committed charges to the external spreadsheet log.
// Delivery is best-effort: a failed POST is pushed onto a redis retry list
// and logged, and the error is reported back to the ledger only so it can be
// logged there too. Nothing here ever blocks or fails a charge.
type MirrorService struct {
	webhookURL string
	client     *http.Client
	redis      *redis.Client
}

// mirrorRow is the shape the spreadsheet collaborator expects, one row per
// committed charge.
type mirrorRow struct {
	MemberName    string `json:"memberName"`
	MemberCode    string `json:"memberCode"`
	BusinessName  string `json:"businessName"`
	Amount        string `json:"amount"`
	Description   string `json:"description"`
	BalanceBefore string `json:"balanceBefore"`
	BalanceAfter  string `json:"balanceAfter"`
	Source        string `json:"source"`
	Timestamp     string `json:"timestamp"`
}

const mirrorRetryList = "mirror:retry"

func NewMirrorService(webhookURL string, redisClient *redis.Client) *MirrorService {
	return &MirrorService{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		redis:      redisClient,
	}
}

func (m *MirrorService) Name() string {
	return "sheet-mirror"
}

func (m *MirrorService) NotifyCharge(ctx context.Context, ev models.ChargeEvent) error {
	row := mirrorRow{
		MemberName:    ev.MemberName,
		MemberCode:    ev.MemberCode,
		BusinessName:  ev.BusinessName,
		Amount:        ev.Transaction.Amount.String(),
		Description:   ev.Transaction.Description,
		BalanceBefore: ev.Transaction.BalanceBefore.String(),
		BalanceAfter:  ev.Transaction.BalanceAfter.String(),
		Source:        ev.Transaction.Source,
		Timestamp:     ev.Transaction.CreatedAt.UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	if m.webhookURL == "" {
		log.Printf("[MIRROR] No webhook configured, skipping mirror for tx %s", ev.Transaction.ID)
		return nil
	}

	if err := m.post(ctx, data); err != nil {
		m.stash(ctx, data)
		return err
	}
	return nil
}

func (m *MirrorService) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("spreadsheet webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// stash parks a failed row on a redis list so an operator job can replay it.
// Failures here are swallowed outright; the row is already in the audit log.
func (m *MirrorService) stash(ctx context.Context, data []byte) {
	if m.redis == nil {
		return
	}
	if err := m.redis.RPush(ctx, mirrorRetryList, data).Err(); err != nil {
		log.Printf("[MIRROR] Failed to stash row for retry: %v", err)
	}
}
