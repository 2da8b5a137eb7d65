// Package promo implements the scheduled and admin-triggered promotions:
// the daily achievement pass, the weekly contest, the monthly referral
// bonus, broadcasts to active players and promo code campaigns.
package promo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/achievement"
	"github.com/jensholdgaard/starfall-bot/internal/analytics"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/notify"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// Grant key prefixes of scheduled rewards.
const (
	ContestKeyPrefix  = "contest:"
	ReferralKeyPrefix = "referral-bonus:"
)

// ErrInvalidPromo is returned for a malformed promo campaign.
var ErrInvalidPromo = errors.New("invalid promo")

var promoCode = regexp.MustCompile(`^\w+$`)

// Result counts per-recipient outcomes of a batch.
type Result = notify.Result

// Economy is the player state the promotions read and reward.
type Economy interface {
	TopPlayers(ctx context.Context, limit int) ([]store.Player, error)
	ActiveSince(ctx context.Context, since time.Time) ([]int64, error)
	GrantReward(ctx context.Context, g store.Grant) (bool, error)
	AwardAchievements(ctx context.Context, telegramID int64) ([]achievement.Award, error)
}

// Analytics provides the report and referral ranking.
type Analytics interface {
	DailyReport(ctx context.Context) (*analytics.Report, error)
	TopReferrersBetween(ctx context.Context, from, to time.Time, limit int) ([]store.ReferrerStats, error)
}

// Broadcaster sends one text to many players.
type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []int64, text string) notify.Result
}

// Manager runs promotions.
type Manager struct {
	economy     Economy
	analytics   Analytics
	notifier    notify.Notifier
	publisher   notify.Publisher
	broadcaster Broadcaster
	promos      store.PromoRepository
	cfg         config.RewardsConfig
	botUsername string
	clock       clock.Clock
	loc         *time.Location
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Deps groups the collaborators of a Manager.
type Deps struct {
	Economy     Economy
	Analytics   Analytics
	Notifier    notify.Notifier
	Publisher   notify.Publisher
	Broadcaster Broadcaster
	Promos      store.PromoRepository
}

// NewManager returns a promotion Manager. Calendar periods are computed in loc.
func NewManager(d Deps, cfg config.RewardsConfig, botUsername string, clk clock.Clock, loc *time.Location, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{
		economy:     d.Economy,
		analytics:   d.Analytics,
		notifier:    d.Notifier,
		publisher:   d.Publisher,
		broadcaster: d.Broadcaster,
		promos:      d.Promos,
		cfg:         cfg,
		botUsername: botUsername,
		clock:       clk,
		loc:         loc,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/promo"),
	}
}

func (m *Manager) now() time.Time { return m.clock.Now().In(m.loc) }

// RunDaily generates today's report and grants new achievements to every
// player active today. The result counts players, not achievements.
func (m *Manager) RunDaily(ctx context.Context) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RunDaily")
	defer span.End()

	report, err := m.analytics.DailyReport(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("generating daily report: %w", err)
	}
	m.logger.InfoContext(ctx, "daily report ready",
		slog.String("date", report.Date),
		slog.Int64("active", report.Players.ActiveToday),
	)

	ids, err := m.economy.ActiveSince(ctx, clock.StartOfDay(m.now()))
	if err != nil {
		return Result{}, fmt.Errorf("listing active players: %w", err)
	}

	var res Result
	for _, id := range ids {
		awards, err := m.economy.AwardAchievements(ctx, id)
		for _, a := range awards {
			m.notify(ctx, id, achievementMessage(a))
		}
		if err != nil {
			res.Failed++
			m.logger.ErrorContext(ctx, "awarding achievements",
				slog.Int64("telegram_id", id),
				slog.Any("error", err),
			)
			continue
		}
		res.Succeeded++
	}
	span.SetAttributes(attribute.Int("players", len(ids)), attribute.Int("failed", res.Failed))
	return res, nil
}

// RunWeeklyContest publishes the leaderboard and rewards the podium once
// per ISO week.
func (m *Manager) RunWeeklyContest(ctx context.Context) (Result, error) {
	week := clock.WeekKey(m.now())
	ctx, span := m.tracer.Start(ctx, "Manager.RunWeeklyContest", trace.WithAttributes(attribute.String("period", week)))
	defer span.End()

	top, err := m.economy.TopPlayers(ctx, 2*m.cfg.ContestSize)
	if err != nil {
		return Result{}, fmt.Errorf("loading contest leaderboard: %w", err)
	}

	if err := m.publisher.Publish(ctx, m.contestAnnouncement(week, top)); err != nil {
		m.logger.ErrorContext(ctx, "publishing contest summary", slog.Any("error", err))
	}

	var res Result
	for i, reward := range m.cfg.ContestRewards {
		if i >= len(top) {
			break
		}
		p := top[i]
		granted, err := m.economy.GrantReward(ctx, store.Grant{
			Key:        ContestKeyPrefix + week,
			TelegramID: p.TelegramID,
			Delta:      store.Delta{Crystals: reward},
			Reason:     fmt.Sprintf("weekly contest place %d", i+1),
		})
		if err != nil {
			res.Failed++
			m.logger.ErrorContext(ctx, "rewarding contest winner",
				slog.Int64("telegram_id", p.TelegramID),
				slog.Any("error", err),
			)
			continue
		}
		res.Succeeded++
		if granted {
			m.notify(ctx, p.TelegramID, fmt.Sprintf(
				"🎉 *CONGRATULATIONS!*\n\nYou took place %d in the weekly contest!\nYour reward: *%d crystals* 💎\n\nKeep it up! 🚀",
				i+1, reward))
		}
	}
	m.logger.InfoContext(ctx, "weekly contest finished",
		slog.String("week", week),
		slog.Int("rewarded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

func (m *Manager) contestAnnouncement(week string, top []store.Player) notify.Announcement {
	var b strings.Builder
	b.WriteString("*Top players this week:*\n\n")
	for i, p := range top[:min(len(top), m.cfg.ContestSize)] {
		fmt.Fprintf(&b, "%s *%s*\n   Level: %d | Crystals: %d\n   PvP wins: %d\n\n", medal(i), displayName(p), p.Level, p.Crystals, p.Wins)
	}
	if len(m.cfg.ContestRewards) > 0 {
		b.WriteString("*Rewards:*\n")
		for i, r := range m.cfg.ContestRewards {
			fmt.Fprintf(&b, "%s place %d: %d 💎\n", medal(i), i+1, r)
		}
		b.WriteString("\n")
	}
	b.WriteString("Next contest in 7 days!")
	return notify.Announcement{
		Title:      "🏆 WEEKLY CONTEST " + week,
		Body:       b.String(),
		ButtonText: "🚀 PLAY",
		ButtonURL:  m.deepLink("welcome"),
	}
}

func medal(i int) string {
	switch i {
	case 0:
		return "🥇"
	case 1:
		return "🥈"
	case 2:
		return "🥉"
	}
	return fmt.Sprintf("%d.", i+1)
}

func displayName(p store.Player) string {
	if p.FirstName != "" {
		return p.FirstName
	}
	if p.Username != "" {
		return "@" + p.Username
	}
	return fmt.Sprintf("player %d", p.TelegramID)
}

// RunMonthlyReferralBonus rewards the top referrers of the previous
// calendar month with ReferralBonus crystals per successful referral.
// Recipients are independent: one failure does not block the rest.
func (m *Manager) RunMonthlyReferralBonus(ctx context.Context) (Result, error) {
	to := clock.StartOfMonth(m.now())
	from := to.AddDate(0, -1, 0)
	month := clock.MonthKey(from)
	ctx, span := m.tracer.Start(ctx, "Manager.RunMonthlyReferralBonus", trace.WithAttributes(attribute.String("period", month)))
	defer span.End()

	referrers, err := m.analytics.TopReferrersBetween(ctx, from, to, m.cfg.TopReferrers)
	if err != nil {
		return Result{}, fmt.Errorf("loading top referrers: %w", err)
	}

	var res Result
	for _, r := range referrers {
		bonus := int64(r.Successful) * m.cfg.ReferralBonus
		if bonus <= 0 {
			continue
		}
		granted, err := m.economy.GrantReward(ctx, store.Grant{
			Key:        ReferralKeyPrefix + month,
			TelegramID: r.TelegramID,
			Delta:      store.Delta{Crystals: bonus},
			Reason:     fmt.Sprintf("%d successful referrals", r.Successful),
		})
		if err != nil {
			res.Failed++
			m.logger.ErrorContext(ctx, "granting referral bonus",
				slog.Int64("telegram_id", r.TelegramID),
				slog.Any("error", err),
			)
			continue
		}
		res.Succeeded++
		if granted {
			m.notify(ctx, r.TelegramID, fmt.Sprintf(
				"🤝 *REFERRAL BONUS*\n\nYou invited %d friends last month.\nYour bonus: *%d crystals* 💎", r.Successful, bonus))
		}
	}
	m.logger.InfoContext(ctx, "monthly referral bonus finished",
		slog.String("month", month),
		slog.Int("rewarded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// BroadcastToActive sends text to every player who claimed a daily reward
// within the configured number of active days.
func (m *Manager) BroadcastToActive(ctx context.Context, text string) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.BroadcastToActive")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return Result{}, errors.New("broadcast text is empty")
	}
	since := m.now().AddDate(0, 0, -m.cfg.ActiveDays)
	ids, err := m.economy.ActiveSince(ctx, since)
	if err != nil {
		return Result{}, fmt.Errorf("listing active players: %w", err)
	}
	return m.broadcaster.Broadcast(ctx, ids, text), nil
}

// Promo is a discount campaign announced on the channels. ValidUntil is
// the last day of the campaign as YYYY-MM-DD.
type Promo struct {
	Code       string
	Percent    int
	ValidUntil string
}

// Validate checks the campaign fields.
func (p Promo) Validate() error {
	switch {
	case !promoCode.MatchString(p.Code):
		return fmt.Errorf("%w: code %q must be letters, digits or underscores", ErrInvalidPromo, p.Code)
	case p.Percent < 1 || p.Percent > 100:
		return fmt.Errorf("%w: percent %d out of range 1..100", ErrInvalidPromo, p.Percent)
	}
	if _, err := time.Parse(time.DateOnly, strings.TrimSpace(p.ValidUntil)); err != nil {
		return fmt.Errorf("%w: end date %q is not YYYY-MM-DD", ErrInvalidPromo, p.ValidUntil)
	}
	return nil
}

// ExpiresAt is the start of the day after ValidUntil in loc.
func (p Promo) ExpiresAt(loc *time.Location) time.Time {
	d, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(p.ValidUntil), loc)
	if err != nil {
		return time.Time{}
	}
	return d.AddDate(0, 0, 1)
}

// PublishPromo stores a promo campaign and announces it with a deep link
// into the bot. Codes are case-insensitive.
func (m *Manager) PublishPromo(ctx context.Context, p Promo) error {
	p.Code = strings.ToUpper(p.Code)
	ctx, span := m.tracer.Start(ctx, "Manager.PublishPromo", trace.WithAttributes(attribute.String("code", p.Code)))
	defer span.End()

	if err := p.Validate(); err != nil {
		return err
	}
	expires := p.ExpiresAt(m.loc)
	if !expires.After(m.now()) {
		return fmt.Errorf("%w: %s has already ended", ErrInvalidPromo, p.ValidUntil)
	}
	if err := m.promos.SavePromo(ctx, store.Promo{Code: p.Code, Percent: p.Percent, ExpiresAt: expires}); err != nil {
		return fmt.Errorf("storing promo: %w", err)
	}

	a := notify.Announcement{
		Title: "🎁 PROMO!",
		Body: fmt.Sprintf("Use promo code *%s* and get %d%% off every Telegram Stars purchase!\n\nValid until: %s\n\nTap the button below to use it:",
			p.Code, p.Percent, p.ValidUntil),
		ButtonText: "🚀 USE PROMO CODE",
		ButtonURL:  m.deepLink("promo_" + p.Code),
	}
	if err := m.publisher.Publish(ctx, a); err != nil {
		return fmt.Errorf("publishing promo: %w", err)
	}
	m.logger.InfoContext(ctx, "promo published",
		slog.String("code", p.Code),
		slog.Int("percent", p.Percent),
		slog.Time("expires_at", expires),
	)
	return nil
}

// ActivatePromo redeems a code for a player. Redeeming twice is a no-op.
// It returns store.ErrNotFound for unknown codes and store.ErrExpired once
// the campaign has ended.
func (m *Manager) ActivatePromo(ctx context.Context, code string, telegramID int64) (*store.Promo, error) {
	code = strings.ToUpper(code)
	ctx, span := m.tracer.Start(ctx, "Manager.ActivatePromo", trace.WithAttributes(
		attribute.String("code", code),
		attribute.Int64("telegram_id", telegramID),
	))
	defer span.End()

	p, err := m.promos.Activate(ctx, code, telegramID)
	if err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "promo activated", slog.String("code", code), slog.Int64("telegram_id", telegramID))
	return p, nil
}

// ActivatedPromo returns a running promo the player redeemed.
func (m *Manager) ActivatedPromo(ctx context.Context, code string, telegramID int64) (*store.Promo, error) {
	return m.promos.Activated(ctx, strings.ToUpper(code), telegramID)
}

// BestPromo returns the largest running discount the player redeemed, or
// nil when there is none.
func (m *Manager) BestPromo(ctx context.Context, telegramID int64) (*store.Promo, error) {
	p, err := m.promos.Best(ctx, telegramID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (m *Manager) deepLink(payload string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", m.botUsername, payload)
}

// notify sends a direct message. Failures are counted by the notifier and
// only logged here.
func (m *Manager) notify(ctx context.Context, telegramID int64, text string) {
	if err := m.notifier.Send(ctx, telegramID, text); err != nil {
		m.logger.WarnContext(ctx, "notification failed",
			slog.Int64("telegram_id", telegramID),
			slog.Any("error", err),
		)
	}
}

func achievementMessage(a achievement.Award) string {
	var reward []string
	if a.Reward.Crystals > 0 {
		reward = append(reward, fmt.Sprintf("%d 💎", a.Reward.Crystals))
	}
	if a.Reward.Resources > 0 {
		reward = append(reward, fmt.Sprintf("%d ⚡", a.Reward.Resources))
	}
	return fmt.Sprintf("🎖️ *NEW ACHIEVEMENT!*\n\n*%s*\n%s\n\nReward: %s\n\nCongratulations!",
		a.Name, a.Description, strings.Join(reward, " "))
}
