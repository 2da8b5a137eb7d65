package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

type promoRow struct {
	Code      string `db:"code"`
	Percent   int    `db:"discount_percent"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func (r promoRow) toPromo() *store.Promo {
	return &store.Promo{
		Code:      r.Code,
		Percent:   r.Percent,
		ExpiresAt: fromMillis(r.ExpiresAt),
		CreatedAt: fromMillis(r.CreatedAt),
	}
}

const promoColumns = `p.code, p.discount_percent, p.expires_at, p.created_at`

// PromoRepo implements store.PromoRepository.
type PromoRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewPromoRepo returns a new PromoRepo.
func NewPromoRepo(db *sqlx.DB, clk clock.Clock) *PromoRepo {
	return &PromoRepo{db: db, clock: clk}
}

func (r *PromoRepo) SavePromo(ctx context.Context, p store.Promo) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = r.clock.Now()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO promo_codes (code, discount_percent, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET discount_percent = excluded.discount_percent, expires_at = excluded.expires_at`),
		p.Code, p.Percent, toMillis(p.ExpiresAt), toMillis(created))
	if err != nil {
		return fmt.Errorf("saving promo %s: %w", p.Code, err)
	}
	return nil
}

func (r *PromoRepo) Activate(ctx context.Context, code string, telegramID int64) (*store.Promo, error) {
	now := toMillis(r.clock.Now())
	var row promoRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+promoColumns+` FROM promo_codes p WHERE p.code = ?`), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("promo %s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading promo %s: %w", code, err)
	}
	if row.ExpiresAt <= now {
		return nil, fmt.Errorf("promo %s: %w", code, store.ErrExpired)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO promo_activations (code, telegram_id, activated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (code, telegram_id) DO NOTHING`), code, telegramID, now)
	if err != nil {
		return nil, fmt.Errorf("activating promo %s: %w", code, err)
	}
	return row.toPromo(), nil
}

func (r *PromoRepo) Activated(ctx context.Context, code string, telegramID int64) (*store.Promo, error) {
	var row promoRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+promoColumns+`
		FROM promo_codes p
		JOIN promo_activations a ON a.code = p.code
		WHERE p.code = ? AND a.telegram_id = ? AND p.expires_at > ?`),
		code, telegramID, toMillis(r.clock.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("promo %s for player %d: %w", code, telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading promo %s: %w", code, err)
	}
	return row.toPromo(), nil
}

func (r *PromoRepo) Best(ctx context.Context, telegramID int64) (*store.Promo, error) {
	var row promoRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+promoColumns+`
		FROM promo_codes p
		JOIN promo_activations a ON a.code = p.code
		WHERE a.telegram_id = ? AND p.expires_at > ?
		ORDER BY p.discount_percent DESC, p.expires_at DESC, p.code ASC
		LIMIT 1`),
		telegramID, toMillis(r.clock.Now()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("promo for player %d: %w", telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading best promo: %w", err)
	}
	return row.toPromo(), nil
}
