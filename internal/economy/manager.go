// Package economy is the single entry point for player state changes.
// Every balance mutation goes through the player repository, which applies
// it atomically at the storage layer.
package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/achievement"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/metrics"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// Daily reward tuning.
const (
	DailyResources     = 50
	DailyMaxMultiplier = 7
	WeeklyBonusDays    = 7
	WeeklyBonus        = 10
)

// DailyReward returns the reward for the given consecutive claim day.
func DailyReward(streak int) store.Delta {
	d := store.Delta{Resources: DailyResources * int64(min(streak, DailyMaxMultiplier))}
	if streak > 0 && streak%WeeklyBonusDays == 0 {
		d.Crystals = WeeklyBonus
	}
	return d
}

// Manager handles player economy operations.
type Manager struct {
	players store.PlayerRepository
	events  event.Log
	clock   clock.Clock
	loc     *time.Location
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewManager returns a new economy Manager. Calendar days are computed in loc.
func NewManager(players store.PlayerRepository, events event.Log, clk clock.Clock, loc *time.Location, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		players: players,
		events:  events,
		clock:   clk,
		loc:     loc,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/economy"),
	}
}

func (m *Manager) start(ctx context.Context, name string, telegramID int64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.Int64("telegram_id", telegramID))
	return m.tracer.Start(ctx, "Manager."+name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// GetOrCreate returns the player, registering it on first contact.
func (m *Manager) GetOrCreate(ctx context.Context, telegramID int64, profile store.Profile) (*store.Player, bool, error) {
	ctx, span := m.start(ctx, "GetOrCreate", telegramID)
	defer span.End()

	p, created, err := m.players.GetOrCreate(ctx, telegramID, profile)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("getting or creating player: %w", err))
	}
	if created {
		m.logger.InfoContext(ctx, "player registered",
			slog.Int64("telegram_id", telegramID),
			slog.String("username", profile.Username),
		)
	}
	return p, created, nil
}

// Player returns a player by Telegram id.
func (m *Manager) Player(ctx context.Context, telegramID int64) (*store.Player, error) {
	ctx, span := m.start(ctx, "Player", telegramID)
	defer span.End()

	p, err := m.players.Get(ctx, telegramID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("getting player: %w", err))
	}
	return p, nil
}

// ApplyDelta adds signed amounts to both balances.
func (m *Manager) ApplyDelta(ctx context.Context, telegramID int64, d store.Delta) (*store.Player, error) {
	ctx, span := m.start(ctx, "ApplyDelta", telegramID,
		attribute.Int64("resources", d.Resources),
		attribute.Int64("crystals", d.Crystals),
	)
	defer span.End()

	p, err := m.players.ApplyDelta(ctx, telegramID, d)
	if err != nil {
		return nil, fail(span, fmt.Errorf("applying delta: %w", err))
	}
	return p, nil
}

// RecordPvpOutcome settles a battle. On a win the attacker takes stolen
// resources from the defender.
func (m *Manager) RecordPvpOutcome(ctx context.Context, b event.Battle) (attacker, defender *store.Player, err error) {
	ctx, span := m.start(ctx, "RecordPvpOutcome", b.AttackerID,
		attribute.Int64("defender_id", b.DefenderID),
		attribute.Bool("attacker_won", b.AttackerWon),
		attribute.Int64("stolen", b.Stolen),
	)
	defer span.End()

	attacker, defender, err = m.players.RecordPvpOutcome(ctx, b)
	if err != nil {
		return nil, nil, fail(span, fmt.Errorf("recording pvp outcome: %w", err))
	}
	m.logger.InfoContext(ctx, "battle recorded",
		slog.Int64("attacker_id", b.AttackerID),
		slog.Int64("defender_id", b.DefenderID),
		slog.Bool("attacker_won", b.AttackerWon),
		slog.Int64("stolen", b.Stolen),
	)
	return attacker, defender, nil
}

// RecordReferral links referred to referrer. It reports false when the
// referred player already had a referrer.
func (m *Manager) RecordReferral(ctx context.Context, referrerID, referredID int64) (bool, error) {
	ctx, span := m.start(ctx, "RecordReferral", referredID, attribute.Int64("referrer_id", referrerID))
	defer span.End()

	linked, err := m.players.RecordReferral(ctx, referrerID, referredID)
	if err != nil {
		return false, fail(span, fmt.Errorf("recording referral: %w", err))
	}
	if linked {
		m.logger.InfoContext(ctx, "referral recorded",
			slog.Int64("referrer_id", referrerID),
			slog.Int64("referred_id", referredID),
		)
	}
	return linked, nil
}

// ClaimDailyReward claims today's reward. It fails with
// store.ErrAlreadyClaimed on a second claim the same day.
func (m *Manager) ClaimDailyReward(ctx context.Context, telegramID int64) (*store.DailyClaim, error) {
	now := m.clock.Now().In(m.loc)
	day := clock.DayKey(now)
	ctx, span := m.start(ctx, "ClaimDailyReward", telegramID, attribute.String("day", day))
	defer span.End()

	prev := clock.DayKey(now.AddDate(0, 0, -1))
	claim, err := m.players.ClaimDailyReward(ctx, telegramID, day, prev, DailyReward)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return nil, fmt.Errorf("claiming daily reward: %w", err)
		}
		return nil, fail(span, fmt.Errorf("claiming daily reward: %w", err))
	}
	metrics.RewardGrantsTotal.WithLabelValues("daily").Inc()
	m.logger.InfoContext(ctx, "daily reward claimed",
		slog.Int64("telegram_id", telegramID),
		slog.Int("streak", claim.Player.DailyStreak),
		slog.Int64("resources", claim.Reward.Resources),
	)
	return claim, nil
}

// CompletePurchase records a paid purchase and credits its crystals.
func (m *Manager) CompletePurchase(ctx context.Context, p event.Purchase) (*store.Player, error) {
	ctx, span := m.start(ctx, "CompletePurchase", p.TelegramID,
		attribute.Int64("stars", p.StarsSpent),
		attribute.Int64("crystals", p.CrystalsReceived),
	)
	defer span.End()

	pl, err := m.players.CompletePurchase(ctx, p)
	if err != nil {
		return nil, fail(span, fmt.Errorf("completing purchase: %w", err))
	}
	metrics.PurchasesTotal.Inc()
	m.logger.InfoContext(ctx, "purchase completed",
		slog.Int64("telegram_id", p.TelegramID),
		slog.Int64("stars", p.StarsSpent),
		slog.Int64("crystals", p.CrystalsReceived),
	)
	return pl, nil
}

// RecordFailedPurchase logs a purchase that was not paid.
func (m *Manager) RecordFailedPurchase(ctx context.Context, p event.Purchase) error {
	ctx, span := m.start(ctx, "RecordFailedPurchase", p.TelegramID)
	defer span.End()

	p.Status = event.PurchaseFailed
	if _, err := m.events.Append(ctx, p); err != nil {
		return fail(span, fmt.Errorf("recording failed purchase: %w", err))
	}
	m.logger.WarnContext(ctx, "purchase failed",
		slog.Int64("telegram_id", p.TelegramID),
		slog.String("payload", p.Payload),
	)
	return nil
}

// GrantReward applies g once per (key, player).
func (m *Manager) GrantReward(ctx context.Context, g store.Grant) (bool, error) {
	ctx, span := m.start(ctx, "GrantReward", g.TelegramID, attribute.String("key", g.Key))
	defer span.End()

	granted, err := m.players.GrantReward(ctx, g)
	if err != nil {
		return false, fail(span, fmt.Errorf("granting %s: %w", g.Key, err))
	}
	if !granted {
		m.logger.DebugContext(ctx, "reward already granted",
			slog.String("key", g.Key),
			slog.Int64("telegram_id", g.TelegramID),
		)
		return false, nil
	}
	metrics.RewardGrantsTotal.WithLabelValues(grantSource(g.Key)).Inc()
	m.logger.InfoContext(ctx, "reward granted",
		slog.String("key", g.Key),
		slog.Int64("telegram_id", g.TelegramID),
		slog.Int64("resources", g.Delta.Resources),
		slog.Int64("crystals", g.Delta.Crystals),
	)
	return true, nil
}

func grantSource(key string) string {
	source, _, _ := strings.Cut(key, ":")
	return source
}

// AwardAchievements evaluates the player's current snapshot and grants every
// achievement not awarded before. It returns the achievements granted by
// this call.
func (m *Manager) AwardAchievements(ctx context.Context, telegramID int64) ([]achievement.Award, error) {
	ctx, span := m.start(ctx, "AwardAchievements", telegramID)
	defer span.End()

	p, err := m.players.Get(ctx, telegramID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("getting player: %w", err))
	}
	keys, err := m.players.GrantedKeys(ctx, telegramID, achievement.KeyPrefix)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing awarded achievements: %w", err))
	}

	var granted []achievement.Award
	for _, a := range achievement.Evaluate(*p, achievement.AwardedSet(keys)) {
		ok, err := m.GrantReward(ctx, store.Grant{
			Key:        achievement.GrantKey(a.ID),
			TelegramID: telegramID,
			Delta:      a.Reward,
			Reason:     a.Name,
		})
		if err != nil {
			return granted, err
		}
		if ok {
			granted = append(granted, a)
		}
	}
	return granted, nil
}

// RaiseLevel stores level if it is above the player's current level.
func (m *Manager) RaiseLevel(ctx context.Context, telegramID int64, level int) (*store.Player, error) {
	ctx, span := m.start(ctx, "RaiseLevel", telegramID, attribute.Int("level", level))
	defer span.End()

	if level < 1 {
		return nil, fail(span, fmt.Errorf("raising level: invalid level %d", level))
	}
	p, err := m.players.RaiseLevel(ctx, telegramID, level)
	if err != nil {
		return nil, fail(span, fmt.Errorf("raising level: %w", err))
	}
	return p, nil
}

// TopPlayers returns the leaderboard.
func (m *Manager) TopPlayers(ctx context.Context, limit int) ([]store.Player, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.TopPlayers", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	players, err := m.players.Top(ctx, limit)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing top players: %w", err))
	}
	return players, nil
}

// ActiveSince returns the players who claimed a daily reward at or after since.
func (m *Manager) ActiveSince(ctx context.Context, since time.Time) ([]int64, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ActiveSince")
	defer span.End()

	ids, err := m.players.ActiveSince(ctx, since)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing active players: %w", err))
	}
	return ids, nil
}
