package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIClient delivers queued charges to the backend over HTTP. It is the
// production ChargePoster: 2xx responses acknowledge, 4xx bodies are treated
// as permanent rejections (ErrRejected), everything else is transient and
// left for the queue's retry schedule.
type APIClient struct {
	baseURL   string
	authToken string
	client    *http.Client
}

func NewAPIClient(baseURL, authToken string) *APIClient {
	return &APIClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

type chargeRequest struct {
	MemberID       string          `json:"memberId"`
	BusinessID     string          `json:"businessId"`
	Amount         json.Number     `json:"amount"`
	Description    string          `json:"description,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Source         string          `json:"source"`
	IdempotencyKey string          `json:"idempotencyKey"`
	DeviceInfo     json.RawMessage `json:"deviceInfo,omitempty"`
}

type chargeResponse struct {
	Success bool      `json:"success"`
	Result  ChargeAck `json:"result"`
	Message string    `json:"message"`
	Error   string    `json:"error"`
}

func (c *APIClient) PostCharge(ctx context.Context, charge PendingCharge) (*ChargeAck, error) {
	source := charge.Source
	if source == "" {
		source = "kiosk"
	}
	body, err := json.Marshal(chargeRequest{
		MemberID:       charge.MemberID,
		BusinessID:     charge.BusinessID,
		Amount:         json.Number(charge.Amount.String()),
		Description:    charge.Description,
		Notes:          charge.Notes,
		Source:         source,
		IdempotencyKey: charge.IdempotencyKey,
		DeviceInfo:     charge.DeviceInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding charge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting charge: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out chargeResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		if resp.StatusCode == http.StatusOK {
			out.Result.Duplicate = true
		}
		return &out.Result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// 401/403/404/409/422 will not succeed on retry.
		return nil, fmt.Errorf("%w: %s", ErrRejected, rejectionMessage(resp.StatusCode, raw))
	default:
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
}

// Healthy probes the backend health endpoint; used as the Monitor's
// connectivity signal.
func (c *APIClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func rejectionMessage(status int, raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("status %d", status)
}
