package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pdca/backend/internal/models"
)

// PresetService keeps each business's "frequently used amount" presets in
// tune with actual usage. Charge amounts are counted per business in a redis
// sorted set; once an amount's recent-usage count crosses the threshold it is
// appended to the business's preset list. This is an auxiliary heuristic:
// every failure is swallowed and logged, never surfaced to the charge path.
type PresetService struct {
	db        *sql.DB
	redis     *redis.Client
	threshold int64
	window    time.Duration
}

func NewPresetService(db *sql.DB, redisClient *redis.Client, threshold int64) *PresetService {
	if threshold <= 0 {
		threshold = 5
	}
	return &PresetService{
		db:        db,
		redis:     redisClient,
		threshold: threshold,
		window:    30 * 24 * time.Hour,
	}
}

func (p *PresetService) Name() string {
	return "preset-tuner"
}

func (p *PresetService) NotifyCharge(ctx context.Context, ev models.ChargeEvent) error {
	if p.redis == nil {
		return nil
	}

	key := usageKey(ev.Transaction.BusinessID)
	amount := ev.Transaction.Amount.String()

	count, err := p.redis.ZIncrBy(ctx, key, 1, amount).Result()
	if err != nil {
		return fmt.Errorf("bump usage counter: %w", err)
	}
	// Counters age out with the key so stale amounts stop counting toward
	// the threshold eventually.
	p.redis.Expire(ctx, key, p.window)

	if int64(count) < p.threshold {
		return nil
	}

	promoted, err := p.promote(ctx, ev.Transaction.BusinessID, amount)
	if err != nil {
		return fmt.Errorf("promote preset: %w", err)
	}
	if promoted {
		log.Printf("[PRESET] Amount %s promoted to presets for business %s (count=%d)",
			amount, ev.Transaction.BusinessID, int64(count))
	}
	return nil
}

// promote appends the amount to the business preset list unless it is
// already there. Returns whether a row was changed.
func (p *PresetService) promote(ctx context.Context, businessID, amount string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE businesses
		SET preset_amounts = array_append(preset_amounts, $1), updated_at = $2
		WHERE id = $3 AND NOT ($1 = ANY(preset_amounts))`,
		amount, time.Now(), businessID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func usageKey(businessID string) string {
	return "presets:usage:" + businessID
}
