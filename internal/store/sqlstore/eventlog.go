package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// EventLog implements event.Log. Records are insert-only.
type EventLog struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewEventLog returns a new EventLog.
func NewEventLog(db *sqlx.DB, clk clock.Clock) *EventLog {
	return &EventLog{db: db, clock: clk}
}

// Append validates r and inserts it. The record's id and timestamp are
// assigned here when unset.
func (l *EventLog) Append(ctx context.Context, r event.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	now := l.clock.Now()

	switch rec := r.(type) {
	case event.Purchase:
		stamp(&rec.ID, &rec.CreatedAt, now)
		ok, err := insertPurchase(ctx, l.db, rec)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("purchase charge %s: %w", rec.ChargeID, store.ErrDuplicate)
		}
		return rec.ID, nil
	case event.Battle:
		stamp(&rec.ID, &rec.CreatedAt, now)
		return rec.ID, insertBattle(ctx, l.db, rec)
	case event.DailyReward:
		stamp(&rec.ID, &rec.CreatedAt, now)
		return rec.ID, insertDailyReward(ctx, l.db, rec)
	case event.Referral:
		stamp(&rec.ID, &rec.CreatedAt, now)
		return rec.ID, insertReferral(ctx, l.db, rec)
	default:
		return "", fmt.Errorf("appending %s record of type %T: %w", r.Kind(), r, event.ErrInvalidRecord)
	}
}

func stamp(id *string, at *time.Time, now time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if at.IsZero() {
		*at = now
	}
}

// insertPurchase reports false when the charge id was already recorded.
func insertPurchase(ctx context.Context, q sqlx.ExtContext, p event.Purchase) (bool, error) {
	var chargeID sql.NullString
	if p.ChargeID != "" {
		chargeID = sql.NullString{String: p.ChargeID, Valid: true}
	}
	res, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO purchases
		(id, telegram_id, item_type, item_id, amount, stars_spent, crystals_received, status, charge_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (charge_id) DO NOTHING`),
		p.ID, p.TelegramID, p.ItemType, p.ItemID, p.Amount, p.StarsSpent, p.CrystalsReceived,
		string(p.Status), chargeID, p.Payload, toMillis(p.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting purchase: %w", err)
	}
	return n > 0, nil
}

func insertBattle(ctx context.Context, q sqlx.ExtContext, b event.Battle) error {
	_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO pvp_battles
		(id, attacker_id, defender_id, attacker_won, resources_stolen, battle_log, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.AttackerID, b.DefenderID, b.AttackerWon, b.Stolen, string(b.Log), toMillis(b.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting battle: %w", err)
	}
	return nil
}

func insertDailyReward(ctx context.Context, q sqlx.ExtContext, d event.DailyReward) error {
	_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO daily_rewards
		(id, telegram_id, day_number, resources_received, crystals_received, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.TelegramID, d.Day, d.Resources, d.Crystals, toMillis(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting daily reward: %w", err)
	}
	return nil
}

func insertReferral(ctx context.Context, q sqlx.ExtContext, r event.Referral) error {
	_, err := q.ExecContext(ctx, q.Rebind(`INSERT INTO referrals
		(id, referrer_id, referred_id, reward_given, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.ReferrerID, r.ReferredID, r.RewardGiven, toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting referral: %w", err)
	}
	return nil
}
