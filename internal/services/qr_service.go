package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// MemberQRService issues short-lived QR tokens that identify a member at a
// kiosk. The kiosk scans the code instead of typing a member code by hand;
// the token resolves back to the member through redis and expires on its own.
type MemberQRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewMemberQRService(db *sql.DB, redisClient *redis.Client) *MemberQRService {
	return &MemberQRService{
		db:    db,
		redis: redisClient,
	}
}

func (s *MemberQRService) GenerateMemberQR(ctx context.Context, memberID string) (string, string, error) {
	var memberCode, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT member_code, status FROM members
		WHERE id = $1`, memberID).Scan(&memberCode, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrMemberNotFound
	}
	if err != nil {
		return "", "", err
	}
	if status != "ACTIVE" {
		return "", "", ErrMemberNotFound
	}

	payload := map[string]any{
		"memberId":   memberID,
		"memberCode": memberCode,
		"issuedAt":   time.Now().Unix(),
		"nonce":      generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	token := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("memberqr:%s", token)
	if err := s.redis.Set(ctx, key, jsonData, 10*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return token, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *MemberQRService) ResolveMemberQR(ctx context.Context, token string) (map[string]any, error) {
	key := fmt.Sprintf("memberqr:%s", token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return result, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
