package store

import (
	"context"
	"errors"
	"time"

	"github.com/jensholdgaard/starfall-bot/internal/event"
)

var (
	// ErrNotFound is returned when a referenced player does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation is returned when a mutation would leave a
	// balance negative. Nothing is written in that case.
	ErrInvariantViolation = errors.New("balance would become negative")
	// ErrAlreadyClaimed is returned when the daily reward was already
	// claimed for the given day.
	ErrAlreadyClaimed = errors.New("daily reward already claimed")
	// ErrDuplicate is returned when a purchase charge id was already recorded.
	ErrDuplicate = errors.New("duplicate record")
	// ErrMaxLevel is returned when an upgrade cannot go any higher.
	ErrMaxLevel = errors.New("upgrade already at max level")
	// ErrShielded is returned when the defender of a battle has an active shield.
	ErrShielded = errors.New("defender is shielded")
	// ErrExpired is returned for a promo code past its end date.
	ErrExpired = errors.New("expired")
)

// Player represents a registered player.
type Player struct {
	TelegramID      int64
	Username        string
	FirstName       string
	Resources       int64
	Crystals        int64
	CrystalsSpent   int64
	Level           int
	BoostUntil      time.Time
	ShieldUntil     time.Time
	DailyStreak     int
	LastDailyReward string // YYYY-MM-DD, empty if never claimed
	ReferralsCount  int
	ReferredBy      int64 // 0 when not referred
	Wins            int
	Losses          int
	Stolen          int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WinRate returns the PvP win percentage, smoothed so that a new player
// does not divide by zero.
func (p Player) WinRate() int {
	return p.Wins * 100 / (p.Wins + p.Losses + 1)
}

// Profile holds the fields refreshed on every contact.
type Profile struct {
	Username  string
	FirstName string
}

// Delta is a signed change to both balances.
type Delta struct {
	Resources int64
	Crystals  int64
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool { return d.Resources == 0 && d.Crystals == 0 }

// Add returns the sum of two deltas.
func (d Delta) Add(o Delta) Delta {
	return Delta{Resources: d.Resources + o.Resources, Crystals: d.Crystals + o.Crystals}
}

// Grant is an idempotent reward keyed by (Key, TelegramID).
type Grant struct {
	Key        string
	TelegramID int64
	Delta      Delta
	Reason     string
}

// DailyClaim is the outcome of a successful daily reward claim.
type DailyClaim struct {
	Player *Player
	Reward event.DailyReward
}

// RewardFunc computes the daily reward for a streak day.
type RewardFunc func(streak int) Delta

// EffectKind names a timed effect stored on the player.
type EffectKind string

// Timed effects.
const (
	EffectBoost  EffectKind = "boost"
	EffectShield EffectKind = "shield"
)

// Effect is a timed effect bought with crystals.
type Effect struct {
	Kind     EffectKind
	Duration time.Duration
	Cost     int64
}

// Until returns the effect expiry stored on p.
func (p Player) Until(k EffectKind) time.Time {
	if k == EffectShield {
		return p.ShieldUntil
	}
	return p.BoostUntil
}

// Upgrade is the level a player reached in one upgrade line.
type Upgrade struct {
	Type      string
	Level     int
	UpdatedAt time.Time
}

// CostFunc returns the crystal price of reaching level.
type CostFunc func(level int) int64

// UpgradeOrder buys the next level of an upgrade line.
type UpgradeOrder struct {
	TelegramID int64
	Type       string
	MaxLevel   int // 0 means unbounded
	Cost       CostFunc
}

// UpgradePurchase is the outcome of a successful upgrade.
type UpgradePurchase struct {
	Player  *Player
	Upgrade Upgrade
	Cost    int64
}

// PlayerRepository owns player records and every balance mutation.
type PlayerRepository interface {
	// GetOrCreate returns the player, creating it with default balances on
	// first contact. Profile fields are refreshed; balances are untouched.
	GetOrCreate(ctx context.Context, telegramID int64, p Profile) (pl *Player, created bool, err error)
	Get(ctx context.Context, telegramID int64) (*Player, error)
	// ApplyDelta adds both deltas in one statement. It fails with
	// ErrInvariantViolation if either balance would become negative.
	ApplyDelta(ctx context.Context, telegramID int64, d Delta) (*Player, error)
	// RecordPvpOutcome applies the tallies and transfer and writes the
	// battle record in one transaction.
	RecordPvpOutcome(ctx context.Context, b event.Battle) (attacker, defender *Player, err error)
	// RecordReferral links referred to referrer if it has no referrer yet.
	RecordReferral(ctx context.Context, referrerID, referredID int64) (linked bool, err error)
	// ClaimDailyReward claims the reward for day (YYYY-MM-DD). prevDay is
	// the day before, used to continue the streak.
	ClaimDailyReward(ctx context.Context, telegramID int64, day, prevDay string, reward RewardFunc) (*DailyClaim, error)
	// CompletePurchase records a completed purchase and credits its crystals.
	CompletePurchase(ctx context.Context, p event.Purchase) (*Player, error)
	// GrantReward applies g once. A repeated key returns false.
	GrantReward(ctx context.Context, g Grant) (bool, error)
	// GrantedKeys lists the grant keys of a player starting with prefix.
	GrantedKeys(ctx context.Context, telegramID int64, prefix string) ([]string, error)
	// BuyUpgrade spends the price of the next level and raises the upgrade
	// in one transaction.
	BuyUpgrade(ctx context.Context, o UpgradeOrder) (*UpgradePurchase, error)
	// Upgrades lists the upgrade levels of a player.
	Upgrades(ctx context.Context, telegramID int64) ([]Upgrade, error)
	// ActivateEffect spends e.Cost and extends the effect by e.Duration from
	// the later of now and its current expiry.
	ActivateEffect(ctx context.Context, telegramID int64, e Effect) (*Player, error)
	// RaiseLevel sets the level if it is higher than the stored one.
	RaiseLevel(ctx context.Context, telegramID int64, level int) (*Player, error)
	// Top returns players ordered by level, then crystals.
	Top(ctx context.Context, limit int) ([]Player, error)
	// ActiveSince returns the ids of players who claimed a daily reward at or after since.
	ActiveSince(ctx context.Context, since time.Time) ([]int64, error)
}

// PlayerCreation is one row of the growth series.
type PlayerCreation struct {
	TelegramID int64
	CreatedAt  time.Time
	Referred   bool
}

// CohortMember is a player with its latest activity.
type CohortMember struct {
	TelegramID   int64
	CreatedAt    time.Time
	LastActivity time.Time // zero when the player never came back
}

// ReferrerStats aggregates the referrals of one player.
type ReferrerStats struct {
	TelegramID      int64  `json:"telegram_id" db:"telegram_id"`
	FirstName       string `json:"first_name" db:"first_name"`
	ReferralsCount  int    `json:"referrals_count" db:"referrals_count"`
	Successful      int    `json:"successful_referrals" db:"successful_referrals"`
	ReferredRevenue int64  `json:"referred_revenue" db:"referred_revenue"`
}

// EconomyTotals are global balance sums.
type EconomyTotals struct {
	Players   int64
	Resources int64
	Crystals  int64
	Purchased int64
	Spent     int64
	AvgLevel  float64
}

// DayCounts are activity counters for one reporting window.
type DayCounts struct {
	NewPlayers         int64
	ActivePlayers      int64
	Stars              int64
	Purchases          int64
	Battles            int64
	DailyRewards       int64
	ResourcesCollected int64
}

// AnalyticsRepository is the read side of the economy log.
type AnalyticsRepository interface {
	PlayersCreatedSince(ctx context.Context, since time.Time) ([]PlayerCreation, error)
	CompletedPurchasesSince(ctx context.Context, since time.Time) ([]event.Purchase, error)
	// Cohort returns players created in [from, to) with their latest daily reward.
	Cohort(ctx context.Context, from, to time.Time) ([]CohortMember, error)
	// TopReferrers ranks referrers by referrals made in [from, to), revenue
	// of the referred players breaking ties.
	TopReferrers(ctx context.Context, from, to time.Time, limit int) ([]ReferrerStats, error)
	EconomyTotals(ctx context.Context) (EconomyTotals, error)
	DayCounts(ctx context.Context, from, to time.Time) (DayCounts, error)
	// AvgPurchase is the mean stars spent over all completed purchases.
	AvgPurchase(ctx context.Context) (float64, error)
}

// Promo is a stored discount campaign. It applies to purchases made
// before ExpiresAt by players who activated it.
type Promo struct {
	Code      string
	Percent   int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Discount returns stars reduced by the promo percentage, never below one star.
func (p Promo) Discount(stars int) int {
	return max(1, stars*(100-p.Percent)/100)
}

// PromoRepository persists promo campaigns and their activations.
type PromoRepository interface {
	// SavePromo creates or replaces the campaign with p.Code.
	SavePromo(ctx context.Context, p Promo) error
	// Activate records that the player redeemed code. It fails with
	// ErrNotFound for an unknown code and ErrExpired past its end.
	// Activating twice is not an error.
	Activate(ctx context.Context, code string, telegramID int64) (*Promo, error)
	// Activated returns code if the player activated it and it has not
	// expired, ErrNotFound otherwise.
	Activated(ctx context.Context, code string, telegramID int64) (*Promo, error)
	// Best returns the highest unexpired discount the player activated, or
	// ErrNotFound when there is none.
	Best(ctx context.Context, telegramID int64) (*Promo, error)
}

// WatermarkRepository persists the last fired period of scheduled tasks.
type WatermarkRepository interface {
	// LastFired returns the period key of the last completed pass, or
	// ErrNotFound if the task never ran.
	LastFired(ctx context.Context, task string) (string, error)
	SaveFired(ctx context.Context, task, periodKey string, at time.Time) error
}
