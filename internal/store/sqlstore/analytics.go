package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// AnalyticsRepo implements store.AnalyticsRepository. Every method is a
// pure read.
type AnalyticsRepo struct {
	db *sqlx.DB
}

// NewAnalyticsRepo returns a new AnalyticsRepo.
func NewAnalyticsRepo(db *sqlx.DB) *AnalyticsRepo {
	return &AnalyticsRepo{db: db}
}

func (r *AnalyticsRepo) PlayersCreatedSince(ctx context.Context, since time.Time) ([]store.PlayerCreation, error) {
	var rows []struct {
		TelegramID int64         `db:"telegram_id"`
		CreatedAt  int64         `db:"created_at"`
		ReferredBy sql.NullInt64 `db:"referred_by"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT telegram_id, created_at, referred_by
		FROM players WHERE created_at >= ? ORDER BY created_at`), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("listing new players: %w", err)
	}
	out := make([]store.PlayerCreation, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.PlayerCreation{
			TelegramID: row.TelegramID,
			CreatedAt:  fromMillis(row.CreatedAt),
			Referred:   row.ReferredBy.Valid,
		})
	}
	return out, nil
}

type purchaseRow struct {
	ID               string         `db:"id"`
	TelegramID       int64          `db:"telegram_id"`
	ItemType         string         `db:"item_type"`
	ItemID           string         `db:"item_id"`
	Amount           int64          `db:"amount"`
	StarsSpent       int64          `db:"stars_spent"`
	CrystalsReceived int64          `db:"crystals_received"`
	Status           string         `db:"status"`
	ChargeID         sql.NullString `db:"charge_id"`
	Payload          string         `db:"payload"`
	CreatedAt        int64          `db:"created_at"`
}

func (r *AnalyticsRepo) CompletedPurchasesSince(ctx context.Context, since time.Time) ([]event.Purchase, error) {
	var rows []purchaseRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT id, telegram_id, item_type, item_id, amount,
		stars_spent, crystals_received, status, charge_id, payload, created_at
		FROM purchases WHERE status = ? AND created_at >= ? ORDER BY created_at`),
		string(event.PurchaseCompleted), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	out := make([]event.Purchase, 0, len(rows))
	for _, row := range rows {
		out = append(out, event.Purchase{
			ID:               row.ID,
			TelegramID:       row.TelegramID,
			ItemType:         row.ItemType,
			ItemID:           row.ItemID,
			Amount:           row.Amount,
			StarsSpent:       row.StarsSpent,
			CrystalsReceived: row.CrystalsReceived,
			Status:           event.PurchaseStatus(row.Status),
			ChargeID:         row.ChargeID.String,
			Payload:          row.Payload,
			CreatedAt:        fromMillis(row.CreatedAt),
		})
	}
	return out, nil
}

func (r *AnalyticsRepo) Cohort(ctx context.Context, from, to time.Time) ([]store.CohortMember, error) {
	var rows []struct {
		TelegramID   int64 `db:"telegram_id"`
		CreatedAt    int64 `db:"created_at"`
		LastActivity int64 `db:"last_activity"`
	}
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT p.telegram_id, p.created_at,
			COALESCE(MAX(d.created_at), 0) AS last_activity
		FROM players p
		LEFT JOIN daily_rewards d ON d.telegram_id = p.telegram_id
		WHERE p.created_at >= ? AND p.created_at < ?
		GROUP BY p.telegram_id, p.created_at
		ORDER BY p.created_at`), toMillis(from), toMillis(to))
	if err != nil {
		return nil, fmt.Errorf("loading cohort: %w", err)
	}
	out := make([]store.CohortMember, 0, len(rows))
	for _, row := range rows {
		out = append(out, store.CohortMember{
			TelegramID:   row.TelegramID,
			CreatedAt:    fromMillis(row.CreatedAt),
			LastActivity: fromMillis(row.LastActivity),
		})
	}
	return out, nil
}

func (r *AnalyticsRepo) TopReferrers(ctx context.Context, from, to time.Time, limit int) ([]store.ReferrerStats, error) {
	var rows []store.ReferrerStats
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT p.telegram_id, p.first_name, p.referrals_count,
			COUNT(DISTINCT rf.referred_id) AS successful_referrals,
			COALESCE(SUM(CASE WHEN pu.status = 'completed' THEN pu.stars_spent ELSE 0 END), 0) AS referred_revenue
		FROM players p
		JOIN referrals rf ON rf.referrer_id = p.telegram_id AND rf.created_at >= ? AND rf.created_at < ?
		LEFT JOIN purchases pu ON pu.telegram_id = rf.referred_id
		GROUP BY p.telegram_id, p.first_name, p.referrals_count
		ORDER BY successful_referrals DESC, referred_revenue DESC, p.telegram_id ASC
		LIMIT ?`), toMillis(from), toMillis(to), limit)
	if err != nil {
		return nil, fmt.Errorf("ranking referrers: %w", err)
	}
	return rows, nil
}

func (r *AnalyticsRepo) EconomyTotals(ctx context.Context) (store.EconomyTotals, error) {
	var t store.EconomyTotals
	err := r.db.QueryRowxContext(ctx, `SELECT COUNT(*),
			COALESCE(SUM(resources), 0), COALESCE(SUM(crystals), 0),
			COALESCE(SUM(crystals_spent), 0), COALESCE(AVG(level), 0)
		FROM players`).Scan(&t.Players, &t.Resources, &t.Crystals, &t.Spent, &t.AvgLevel)
	if err != nil {
		return t, fmt.Errorf("summing balances: %w", err)
	}
	err = r.db.GetContext(ctx, &t.Purchased, r.db.Rebind(`SELECT COALESCE(SUM(crystals_received), 0)
		FROM purchases WHERE status = ?`), string(event.PurchaseCompleted))
	if err != nil {
		return t, fmt.Errorf("summing purchased crystals: %w", err)
	}
	return t, nil
}

func (r *AnalyticsRepo) DayCounts(ctx context.Context, from, to time.Time) (store.DayCounts, error) {
	var c store.DayCounts
	lo, hi := toMillis(from), toMillis(to)

	if err := r.db.GetContext(ctx, &c.NewPlayers, r.db.Rebind(`SELECT COUNT(*) FROM players
		WHERE created_at >= ? AND created_at < ?`), lo, hi); err != nil {
		return c, fmt.Errorf("counting new players: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, r.db.Rebind(`SELECT COUNT(DISTINCT telegram_id), COUNT(*),
			COALESCE(SUM(resources_received), 0)
		FROM daily_rewards WHERE created_at >= ? AND created_at < ?`), lo, hi,
	).Scan(&c.ActivePlayers, &c.DailyRewards, &c.ResourcesCollected); err != nil {
		return c, fmt.Errorf("counting daily rewards: %w", err)
	}
	if err := r.db.QueryRowxContext(ctx, r.db.Rebind(`SELECT COUNT(*), COALESCE(SUM(stars_spent), 0)
		FROM purchases WHERE status = ? AND created_at >= ? AND created_at < ?`),
		string(event.PurchaseCompleted), lo, hi,
	).Scan(&c.Purchases, &c.Stars); err != nil {
		return c, fmt.Errorf("counting purchases: %w", err)
	}
	if err := r.db.GetContext(ctx, &c.Battles, r.db.Rebind(`SELECT COUNT(*) FROM pvp_battles
		WHERE created_at >= ? AND created_at < ?`), lo, hi); err != nil {
		return c, fmt.Errorf("counting battles: %w", err)
	}
	return c, nil
}

func (r *AnalyticsRepo) AvgPurchase(ctx context.Context) (float64, error) {
	var avg float64
	err := r.db.GetContext(ctx, &avg, r.db.Rebind(`SELECT COALESCE(AVG(stars_spent), 0)
		FROM purchases WHERE status = ?`), string(event.PurchaseCompleted))
	if err != nil {
		return 0, fmt.Errorf("averaging purchases: %w", err)
	}
	return avg, nil
}
