package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

const playerColumns = `telegram_id, username, first_name, resources, crystals, crystals_spent, level,
	boost_until, shield_until, daily_streak, last_daily_reward, referrals_count, referred_by,
	pvp_wins, pvp_losses, pvp_stolen, created_at, updated_at`

type playerRow struct {
	TelegramID      int64         `db:"telegram_id"`
	Username        string        `db:"username"`
	FirstName       string        `db:"first_name"`
	Resources       int64         `db:"resources"`
	Crystals        int64         `db:"crystals"`
	CrystalsSpent   int64         `db:"crystals_spent"`
	Level           int           `db:"level"`
	BoostUntil      int64         `db:"boost_until"`
	ShieldUntil     int64         `db:"shield_until"`
	DailyStreak     int           `db:"daily_streak"`
	LastDailyReward string        `db:"last_daily_reward"`
	ReferralsCount  int           `db:"referrals_count"`
	ReferredBy      sql.NullInt64 `db:"referred_by"`
	Wins            int           `db:"pvp_wins"`
	Losses          int           `db:"pvp_losses"`
	Stolen          int64         `db:"pvp_stolen"`
	CreatedAt       int64         `db:"created_at"`
	UpdatedAt       int64         `db:"updated_at"`
}

func (r playerRow) toPlayer() *store.Player {
	return &store.Player{
		TelegramID:      r.TelegramID,
		Username:        r.Username,
		FirstName:       r.FirstName,
		Resources:       r.Resources,
		Crystals:        r.Crystals,
		CrystalsSpent:   r.CrystalsSpent,
		Level:           r.Level,
		BoostUntil:      fromMillis(r.BoostUntil),
		ShieldUntil:     fromMillis(r.ShieldUntil),
		DailyStreak:     r.DailyStreak,
		LastDailyReward: r.LastDailyReward,
		ReferralsCount:  r.ReferralsCount,
		ReferredBy:      r.ReferredBy.Int64,
		Wins:            r.Wins,
		Losses:          r.Losses,
		Stolen:          r.Stolen,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
}

// PlayerRepo implements store.PlayerRepository with sqlx.
type PlayerRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewPlayerRepo returns a new PlayerRepo.
func NewPlayerRepo(db *sqlx.DB, clk clock.Clock) *PlayerRepo {
	return &PlayerRepo{db: db, clock: clk}
}

func (r *PlayerRepo) now() int64 { return toMillis(r.clock.Now()) }

func (r *PlayerRepo) GetOrCreate(ctx context.Context, telegramID int64, p store.Profile) (*store.Player, bool, error) {
	now := r.now()
	var row playerRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`INSERT INTO players
		(telegram_id, username, first_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (telegram_id) DO NOTHING
		RETURNING `+playerColumns),
		telegramID, p.Username, p.FirstName, now, now,
	)
	if err == nil {
		return row.toPlayer(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("creating player %d: %w", telegramID, err)
	}

	pl, err := updateReturning(ctx, r.db, telegramID, `UPDATE players
		SET username = ?, first_name = ?, updated_at = ?
		WHERE telegram_id = ?
		RETURNING `+playerColumns,
		p.Username, p.FirstName, now, telegramID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("refreshing player profile: %w", err)
	}
	return pl, false, nil
}

func (r *PlayerRepo) Get(ctx context.Context, telegramID int64) (*store.Player, error) {
	p, err := getPlayer(ctx, r.db, telegramID)
	if err != nil {
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return p, nil
}

func (r *PlayerRepo) ApplyDelta(ctx context.Context, telegramID int64, d store.Delta) (*store.Player, error) {
	p, err := applyDelta(ctx, r.db, telegramID, d, r.now())
	if err != nil {
		return nil, fmt.Errorf("applying delta: %w", err)
	}
	return p, nil
}

func (r *PlayerRepo) RecordPvpOutcome(ctx context.Context, b event.Battle) (*store.Player, *store.Player, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	now := r.clock.Now()
	stamp(&b.ID, &b.CreatedAt, now)
	ms := toMillis(now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	locked, err := lockPlayers(ctx, tx, ms, b.AttackerID, b.DefenderID)
	if err != nil {
		return nil, nil, err
	}
	if locked[b.DefenderID].ShieldUntil.After(now) {
		return nil, nil, fmt.Errorf("player %d: %w", b.DefenderID, store.ErrShielded)
	}

	var attacker, defender *store.Player
	if b.AttackerWon {
		if _, err := applyDelta(ctx, tx, b.DefenderID, store.Delta{Resources: -b.Stolen}, ms); err != nil {
			return nil, nil, fmt.Errorf("debiting defender: %w", err)
		}
		defender, err = updateReturning(ctx, tx, b.DefenderID, `UPDATE players
			SET pvp_losses = pvp_losses + 1, updated_at = ?
			WHERE telegram_id = ? RETURNING `+playerColumns, ms, b.DefenderID)
		if err != nil {
			return nil, nil, fmt.Errorf("updating defender tally: %w", err)
		}
		if _, err := applyDelta(ctx, tx, b.AttackerID, store.Delta{Resources: b.Stolen}, ms); err != nil {
			return nil, nil, fmt.Errorf("crediting attacker: %w", err)
		}
		attacker, err = updateReturning(ctx, tx, b.AttackerID, `UPDATE players
			SET pvp_wins = pvp_wins + 1, pvp_stolen = pvp_stolen + ?, updated_at = ?
			WHERE telegram_id = ? RETURNING `+playerColumns, b.Stolen, ms, b.AttackerID)
		if err != nil {
			return nil, nil, fmt.Errorf("updating attacker tally: %w", err)
		}
	} else {
		defender = locked[b.DefenderID]
		attacker, err = updateReturning(ctx, tx, b.AttackerID, `UPDATE players
			SET pvp_losses = pvp_losses + 1, updated_at = ?
			WHERE telegram_id = ? RETURNING `+playerColumns, ms, b.AttackerID)
		if err != nil {
			return nil, nil, fmt.Errorf("updating attacker tally: %w", err)
		}
	}

	if err := insertBattle(ctx, tx, b); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing battle: %w", err)
	}
	return attacker, defender, nil
}

func (r *PlayerRepo) RecordReferral(ctx context.Context, referrerID, referredID int64) (bool, error) {
	rec := event.Referral{ReferrerID: referrerID, ReferredID: referredID}
	if err := rec.Validate(); err != nil {
		return false, err
	}
	now := r.clock.Now()
	stamp(&rec.ID, &rec.CreatedAt, now)
	ms := toMillis(now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getPlayer(ctx, tx, referrerID); err != nil {
		return false, fmt.Errorf("getting referrer: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE players
		SET referred_by = ?, updated_at = ?
		WHERE telegram_id = ? AND referred_by IS NULL`),
		referrerID, ms, referredID,
	)
	if err != nil {
		return false, fmt.Errorf("linking referral: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("linking referral: %w", err)
	}
	if n == 0 {
		if _, err := getPlayer(ctx, tx, referredID); err != nil {
			return false, fmt.Errorf("getting referred player: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE players
		SET referrals_count = referrals_count + 1, updated_at = ?
		WHERE telegram_id = ?`), ms, referrerID); err != nil {
		return false, fmt.Errorf("incrementing referrals: %w", err)
	}
	if err := insertReferral(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing referral: %w", err)
	}
	return true, nil
}

func (r *PlayerRepo) ClaimDailyReward(ctx context.Context, telegramID int64, day, prevDay string, reward store.RewardFunc) (*store.DailyClaim, error) {
	now := r.clock.Now()
	ms := toMillis(now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := getPlayer(ctx, tx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("getting player: %w", err)
	}
	if p.LastDailyReward == day {
		return nil, store.ErrAlreadyClaimed
	}

	streak := 1
	if p.LastDailyReward == prevDay {
		streak = p.DailyStreak + 1
	}
	d := reward(streak)

	updated, err := updateReturning(ctx, tx, telegramID, `UPDATE players
		SET daily_streak = ?, last_daily_reward = ?,
			resources = resources + ?, crystals = crystals + ?, updated_at = ?
		WHERE telegram_id = ? AND last_daily_reward <> ?
		RETURNING `+playerColumns,
		streak, day, d.Resources, d.Crystals, ms, telegramID, day,
	)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claiming daily reward: %w", err)
	}

	rec := event.DailyReward{
		ID:         uuid.NewString(),
		TelegramID: telegramID,
		Day:        streak,
		Resources:  d.Resources,
		Crystals:   d.Crystals,
		CreatedAt:  now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := insertDailyReward(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing daily reward: %w", err)
	}
	return &store.DailyClaim{Player: updated, Reward: rec}, nil
}

func (r *PlayerRepo) CompletePurchase(ctx context.Context, p event.Purchase) (*store.Player, error) {
	p.Status = event.PurchaseCompleted
	if err := p.Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now()
	stamp(&p.ID, &p.CreatedAt, now)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getPlayer(ctx, tx, p.TelegramID); err != nil {
		return nil, fmt.Errorf("getting buyer: %w", err)
	}
	ok, err := insertPurchase(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("purchase charge %s: %w", p.ChargeID, store.ErrDuplicate)
	}
	pl, err := applyDelta(ctx, tx, p.TelegramID, store.Delta{Crystals: p.CrystalsReceived}, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("crediting purchase: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing purchase: %w", err)
	}
	return pl, nil
}

func (r *PlayerRepo) GrantReward(ctx context.Context, g store.Grant) (bool, error) {
	ms := r.now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getPlayer(ctx, tx, g.TelegramID); err != nil {
		return false, fmt.Errorf("getting grant recipient: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO reward_grants
		(grant_key, telegram_id, resources, crystals, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (grant_key, telegram_id) DO NOTHING`),
		g.Key, g.TelegramID, g.Delta.Resources, g.Delta.Crystals, g.Reason, ms,
	)
	if err != nil {
		return false, fmt.Errorf("recording grant %s: %w", g.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording grant %s: %w", g.Key, err)
	}
	if n == 0 {
		return false, nil
	}
	if _, err := applyDelta(ctx, tx, g.TelegramID, g.Delta, ms); err != nil {
		return false, fmt.Errorf("applying grant %s: %w", g.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing grant %s: %w", g.Key, err)
	}
	return true, nil
}

func (r *PlayerRepo) GrantedKeys(ctx context.Context, telegramID int64, prefix string) ([]string, error) {
	var keys []string
	err := r.db.SelectContext(ctx, &keys, r.db.Rebind(`SELECT grant_key FROM reward_grants
		WHERE telegram_id = ? AND grant_key LIKE ?
		ORDER BY grant_key`), telegramID, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	return keys, nil
}

func (r *PlayerRepo) BuyUpgrade(ctx context.Context, o store.UpgradeOrder) (*store.UpgradePurchase, error) {
	if o.Type == "" || o.Cost == nil {
		return nil, errors.New("upgrade order needs a type and a price")
	}
	ms := r.now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The player row lock serializes concurrent buys of the same line.
	if _, err := lockPlayers(ctx, tx, ms, o.TelegramID); err != nil {
		return nil, err
	}
	var level int
	err = sqlx.GetContext(ctx, tx, &level, tx.Rebind(`SELECT level FROM player_upgrades
		WHERE telegram_id = ? AND upgrade_type = ?`), o.TelegramID, o.Type)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loading upgrade %s: %w", o.Type, err)
	}
	next := level + 1
	if o.MaxLevel > 0 && next > o.MaxLevel {
		return nil, fmt.Errorf("upgrade %s level %d: %w", o.Type, level, store.ErrMaxLevel)
	}
	cost := o.Cost(next)
	if cost < 0 {
		return nil, fmt.Errorf("upgrade %s level %d has negative price %d", o.Type, next, cost)
	}

	p, err := applyDelta(ctx, tx, o.TelegramID, store.Delta{Crystals: -cost}, ms)
	if err != nil {
		return nil, fmt.Errorf("paying for upgrade %s: %w", o.Type, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO player_upgrades
		(telegram_id, upgrade_type, level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (telegram_id, upgrade_type) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at`),
		o.TelegramID, o.Type, next, ms, ms,
	); err != nil {
		return nil, fmt.Errorf("raising upgrade %s: %w", o.Type, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing upgrade: %w", err)
	}
	return &store.UpgradePurchase{
		Player:  p,
		Upgrade: store.Upgrade{Type: o.Type, Level: next, UpdatedAt: fromMillis(ms)},
		Cost:    cost,
	}, nil
}

type upgradeRow struct {
	Type      string `db:"upgrade_type"`
	Level     int    `db:"level"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *PlayerRepo) Upgrades(ctx context.Context, telegramID int64) ([]store.Upgrade, error) {
	var rows []upgradeRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT upgrade_type, level, updated_at FROM player_upgrades
		WHERE telegram_id = ?
		ORDER BY upgrade_type`), telegramID)
	if err != nil {
		return nil, fmt.Errorf("listing upgrades: %w", err)
	}
	if len(rows) == 0 {
		if _, err := r.Get(ctx, telegramID); err != nil {
			return nil, err
		}
	}
	upgrades := make([]store.Upgrade, 0, len(rows))
	for _, row := range rows {
		upgrades = append(upgrades, store.Upgrade{Type: row.Type, Level: row.Level, UpdatedAt: fromMillis(row.UpdatedAt)})
	}
	return upgrades, nil
}

var effectColumns = map[store.EffectKind]string{
	store.EffectBoost:  "boost_until",
	store.EffectShield: "shield_until",
}

func (r *PlayerRepo) ActivateEffect(ctx context.Context, telegramID int64, e store.Effect) (*store.Player, error) {
	column, ok := effectColumns[e.Kind]
	if !ok || e.Duration <= 0 || e.Cost < 0 {
		return nil, fmt.Errorf("invalid effect %s for %s at %d crystals", e.Kind, e.Duration, e.Cost)
	}
	ms := r.now()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := applyDelta(ctx, tx, telegramID, store.Delta{Crystals: -e.Cost}, ms); err != nil {
		return nil, fmt.Errorf("paying for %s: %w", e.Kind, err)
	}
	p, err := updateReturning(ctx, tx, telegramID, `UPDATE players
		SET `+column+` = CASE WHEN `+column+` > ? THEN `+column+` ELSE ? END + ?, updated_at = ?
		WHERE telegram_id = ?
		RETURNING `+playerColumns,
		ms, ms, e.Duration.Milliseconds(), ms, telegramID,
	)
	if err != nil {
		return nil, fmt.Errorf("extending %s: %w", e.Kind, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing %s: %w", e.Kind, err)
	}
	return p, nil
}

func (r *PlayerRepo) RaiseLevel(ctx context.Context, telegramID int64, level int) (*store.Player, error) {
	p, err := updateReturning(ctx, r.db, telegramID, `UPDATE players
		SET level = ?, updated_at = ?
		WHERE telegram_id = ? AND level < ?
		RETURNING `+playerColumns,
		level, r.now(), telegramID, level,
	)
	if errors.Is(err, store.ErrNotFound) {
		return r.Get(ctx, telegramID)
	}
	if err != nil {
		return nil, fmt.Errorf("raising level: %w", err)
	}
	return p, nil
}

func (r *PlayerRepo) Top(ctx context.Context, limit int) ([]store.Player, error) {
	var rows []playerRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT `+playerColumns+` FROM players
		ORDER BY level DESC, crystals DESC, telegram_id ASC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("listing top players: %w", err)
	}
	players := make([]store.Player, 0, len(rows))
	for _, row := range rows {
		players = append(players, *row.toPlayer())
	}
	return players, nil
}

func (r *PlayerRepo) ActiveSince(ctx context.Context, since time.Time) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`SELECT DISTINCT telegram_id FROM daily_rewards
		WHERE created_at >= ?
		ORDER BY telegram_id`), toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("listing active players: %w", err)
	}
	return ids, nil
}

func getPlayer(ctx context.Context, q sqlx.ExtContext, telegramID int64) (*store.Player, error) {
	var row playerRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+playerColumns+` FROM players WHERE telegram_id = ?`), telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("player %d: %w", telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toPlayer(), nil
}

// lockPlayers takes the row locks of ids in ascending order, so transactions
// touching the same pair of players always queue instead of deadlocking.
func lockPlayers(ctx context.Context, tx *sqlx.Tx, now int64, ids ...int64) (map[int64]*store.Player, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	locked := make(map[int64]*store.Player, len(sorted))
	for _, id := range sorted {
		p, err := updateReturning(ctx, tx, id, `UPDATE players SET updated_at = ?
			WHERE telegram_id = ?
			RETURNING `+playerColumns, now, id)
		if err != nil {
			return nil, fmt.Errorf("locking player %d: %w", id, err)
		}
		locked[id] = p
	}
	return locked, nil
}

// applyDelta adds d in a single conditional update so concurrent writers
// never lose an increment. Negative crystal deltas count as spent.
func applyDelta(ctx context.Context, q sqlx.ExtContext, telegramID int64, d store.Delta, now int64) (*store.Player, error) {
	var spent int64
	if d.Crystals < 0 {
		spent = -d.Crystals
	}
	p, err := updateReturning(ctx, q, telegramID, `UPDATE players
		SET resources = resources + ?, crystals = crystals + ?,
			crystals_spent = crystals_spent + ?, updated_at = ?
		WHERE telegram_id = ? AND resources + ? >= 0 AND crystals + ? >= 0
		RETURNING `+playerColumns,
		d.Resources, d.Crystals, spent, now, telegramID, d.Resources, d.Crystals,
	)
	if !errors.Is(err, store.ErrNotFound) {
		return p, err
	}
	if _, gerr := getPlayer(ctx, q, telegramID); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("player %d delta %+v: %w", telegramID, d, store.ErrInvariantViolation)
}

// updateReturning runs an UPDATE ... RETURNING for one player. No matching
// row maps to store.ErrNotFound.
func updateReturning(ctx context.Context, q sqlx.ExtContext, telegramID int64, query string, args ...any) (*store.Player, error) {
	var row playerRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("player %d: %w", telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toPlayer(), nil
}
