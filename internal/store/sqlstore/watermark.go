package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// WatermarkRepo implements store.WatermarkRepository.
type WatermarkRepo struct {
	db *sqlx.DB
}

// NewWatermarkRepo returns a new WatermarkRepo.
func NewWatermarkRepo(db *sqlx.DB) *WatermarkRepo {
	return &WatermarkRepo{db: db}
}

func (r *WatermarkRepo) LastFired(ctx context.Context, task string) (string, error) {
	var key string
	err := r.db.GetContext(ctx, &key, r.db.Rebind(`SELECT period_key FROM task_watermarks WHERE task = ?`), task)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("watermark %s: %w", task, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("loading watermark %s: %w", task, err)
	}
	return key, nil
}

func (r *WatermarkRepo) SaveFired(ctx context.Context, task, periodKey string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO task_watermarks (task, period_key, fired_at)
		VALUES (?, ?, ?)
		ON CONFLICT (task) DO UPDATE SET period_key = excluded.period_key, fired_at = excluded.fired_at`),
		task, periodKey, toMillis(at))
	if err != nil {
		return fmt.Errorf("saving watermark %s: %w", task, err)
	}
	return nil
}
