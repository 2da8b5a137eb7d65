// Package analytics derives aggregate statistics from the player table and
// the event log. Every query takes an explicit time window.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

const (
	dateLayout = "2006-01-02"
	day        = 24 * time.Hour

	// HealthyVelocity is the crystal velocity above which the economy
	// counts as healthy.
	HealthyVelocity = 0.7
)

// GrowthPoint counts the players created on one day.
type GrowthPoint struct {
	Date       string `json:"date"`
	NewPlayers int    `json:"new_players"`
	Referred   int    `json:"referred"`
}

// RevenuePoint sums the completed purchases of one day.
type RevenuePoint struct {
	Date          string `json:"date"`
	StarsSpent    int64  `json:"stars_spent"`
	CrystalsGiven int64  `json:"crystals_given"`
	Purchases     int    `json:"purchases_count"`
}

// CohortRow is the retention of the players created on one day.
type CohortRow struct {
	Date string `json:"cohort_date"`
	Size int    `json:"cohort_size"`
	Day1 int    `json:"day1"`
	Day3 int    `json:"day3"`
	Day7 int    `json:"day7"`
}

// Retention is the retention overview.
type Retention struct {
	Day1    string      `json:"day1"`
	Day7    string      `json:"day7"`
	Day30   string      `json:"day30"`
	Cohorts []CohortRow `json:"cohorts"`
}

// Economy is the global crystal balance.
type Economy struct {
	TotalPlayers           int64   `json:"total_players"`
	TotalResources         int64   `json:"total_resources"`
	TotalCrystalsInGame    int64   `json:"total_crystals_in_game"`
	TotalPurchasedCrystals int64   `json:"total_purchased_crystals"`
	TotalCrystalsSpent     int64   `json:"total_crystals_spent"`
	AvgLevel               float64 `json:"avg_level"`
	CrystalVelocity        float64 `json:"crystal_velocity"`
	Healthy                bool    `json:"healthy"`
}

// Report is the daily report.
type Report struct {
	Date      string          `json:"date"`
	Players   PlayersReport   `json:"players"`
	Revenue   RevenueReport   `json:"revenue"`
	Gameplay  GameplayReport  `json:"gameplay"`
	Retention RetentionReport `json:"retention"`
}

type PlayersReport struct {
	Total       int64 `json:"total"`
	NewToday    int64 `json:"new_today"`
	ActiveToday int64 `json:"active_today"`
}

type RevenueReport struct {
	StarsToday     int64 `json:"stars_today"`
	PurchasesToday int64 `json:"purchases_today"`
	AvgPurchase    int64 `json:"avg_purchase"`
}

type GameplayReport struct {
	PvpBattlesToday     int64 `json:"pvp_battles_today"`
	DailyRewardsClaimed int64 `json:"daily_rewards_claimed"`
	ResourcesCollected  int64 `json:"resources_collected"`
}

type RetentionReport struct {
	Day1  string `json:"day1"`
	Day7  string `json:"day7"`
	Day30 string `json:"day30"`
}

// Service answers analytics queries.
type Service struct {
	repo   store.AnalyticsRepository
	cache  ReportCache
	clock  clock.Clock
	loc    *time.Location
	logger *slog.Logger
	tracer trace.Tracer
}

// NewService returns a new analytics Service. Days are bucketed in loc.
func NewService(repo store.AnalyticsRepository, cache ReportCache, clk clock.Clock, loc *time.Location, logger *slog.Logger, tp trace.TracerProvider) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Service{
		repo:   repo,
		cache:  cache,
		clock:  clk,
		loc:    loc,
		logger: logger,
		tracer: tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/analytics"),
	}
}

func (s *Service) now() time.Time { return s.clock.Now().In(s.loc) }

// Growth returns the daily new players over the last days, newest first.
func (s *Service) Growth(ctx context.Context, days int) ([]GrowthPoint, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Growth", trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	rows, err := s.repo.PlayersCreatedSince(ctx, s.windowStart(days))
	if err != nil {
		return nil, fmt.Errorf("loading player growth: %w", err)
	}
	byDate := make(map[string]*GrowthPoint)
	for _, r := range rows {
		key := r.CreatedAt.In(s.loc).Format(dateLayout)
		p, ok := byDate[key]
		if !ok {
			p = &GrowthPoint{Date: key}
			byDate[key] = p
		}
		p.NewPlayers++
		if r.Referred {
			p.Referred++
		}
	}
	out := make([]GrowthPoint, 0, len(byDate))
	for _, p := range byDate {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Revenue returns the daily completed purchase totals over the last days,
// newest first.
func (s *Service) Revenue(ctx context.Context, days int) ([]RevenuePoint, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Revenue", trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	purchases, err := s.repo.CompletedPurchasesSince(ctx, s.windowStart(days))
	if err != nil {
		return nil, fmt.Errorf("loading revenue: %w", err)
	}
	byDate := make(map[string]*RevenuePoint)
	for _, p := range purchases {
		key := p.CreatedAt.In(s.loc).Format(dateLayout)
		r, ok := byDate[key]
		if !ok {
			r = &RevenuePoint{Date: key}
			byDate[key] = r
		}
		r.StarsSpent += p.StarsSpent
		r.CrystalsGiven += p.CrystalsReceived
		r.Purchases++
	}
	out := make([]RevenuePoint, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// windowStart is midnight days-1 days ago, so that days=1 covers today.
func (s *Service) windowStart(days int) time.Time {
	if days < 1 {
		days = 1
	}
	return clock.StartOfDay(s.now()).AddDate(0, 0, -(days - 1))
}

// RetentionRate returns the share of players created in
// [now-2*days, now-days) that came back at least days after signing up,
// formatted as a percentage. An empty cohort yields "0%".
func (s *Service) RetentionRate(ctx context.Context, days int) (string, error) {
	ctx, span := s.tracer.Start(ctx, "Service.RetentionRate", trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	now := s.now()
	window := time.Duration(days) * day
	cohort, err := s.repo.Cohort(ctx, now.Add(-2*window), now.Add(-window))
	if err != nil {
		return "", fmt.Errorf("loading retention cohort: %w", err)
	}
	returned := 0
	for _, m := range cohort {
		if returnedAfter(m, days) {
			returned++
		}
	}
	return formatRate(returned, len(cohort)), nil
}

func returnedAfter(m store.CohortMember, days int) bool {
	if m.LastActivity.IsZero() {
		return false
	}
	return !m.LastActivity.Before(m.CreatedAt.Add(time.Duration(days) * day))
}

func formatRate(returned, total int) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", float64(returned)*100/float64(total))
}

// Cohorts groups the players created in the last 2*days days by creation
// day and counts those that returned after 1, 3 and 7 days.
func (s *Service) Cohorts(ctx context.Context, days int) ([]CohortRow, error) {
	ctx, span := s.tracer.Start(ctx, "Service.Cohorts", trace.WithAttributes(attribute.Int("days", days)))
	defer span.End()

	now := s.now()
	members, err := s.repo.Cohort(ctx, now.Add(-2*time.Duration(days)*day), now)
	if err != nil {
		return nil, fmt.Errorf("loading cohorts: %w", err)
	}
	byDate := make(map[string]*CohortRow)
	for _, m := range members {
		key := m.CreatedAt.In(s.loc).Format(dateLayout)
		row, ok := byDate[key]
		if !ok {
			row = &CohortRow{Date: key}
			byDate[key] = row
		}
		row.Size++
		if returnedAfter(m, 1) {
			row.Day1++
		}
		if returnedAfter(m, 3) {
			row.Day3++
		}
		if returnedAfter(m, 7) {
			row.Day7++
		}
	}
	out := make([]CohortRow, 0, len(byDate))
	for _, r := range byDate {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Retention returns the day 1, 7 and 30 rates with the cohort table of the
// last 2*days days.
func (s *Service) Retention(ctx context.Context, days int) (*Retention, error) {
	rates, err := s.retentionRates(ctx)
	if err != nil {
		return nil, err
	}
	cohorts, err := s.Cohorts(ctx, days)
	if err != nil {
		return nil, err
	}
	return &Retention{Day1: rates.Day1, Day7: rates.Day7, Day30: rates.Day30, Cohorts: cohorts}, nil
}

func (s *Service) retentionRates(ctx context.Context) (RetentionReport, error) {
	var r RetentionReport
	for _, it := range []struct {
		days int
		dst  *string
	}{{1, &r.Day1}, {7, &r.Day7}, {30, &r.Day30}} {
		rate, err := s.RetentionRate(ctx, it.days)
		if err != nil {
			return r, err
		}
		*it.dst = rate
	}
	return r, nil
}

// TopReferrers ranks the players whose referrals in the last days were the
// most successful.
func (s *Service) TopReferrers(ctx context.Context, days, limit int) ([]store.ReferrerStats, error) {
	now := s.now()
	return s.TopReferrersBetween(ctx, now.Add(-time.Duration(days)*day), now, limit)
}

// TopReferrersBetween ranks referrers by referrals made in [from, to).
func (s *Service) TopReferrersBetween(ctx context.Context, from, to time.Time, limit int) ([]store.ReferrerStats, error) {
	ctx, span := s.tracer.Start(ctx, "Service.TopReferrers", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	stats, err := s.repo.TopReferrers(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("loading top referrers: %w", err)
	}
	return stats, nil
}

// EconomyBalance returns the crystal balance of the whole game. The
// velocity is spent/purchased with purchased clamped to at least 1.
func (s *Service) EconomyBalance(ctx context.Context) (*Economy, error) {
	ctx, span := s.tracer.Start(ctx, "Service.EconomyBalance")
	defer span.End()

	t, err := s.repo.EconomyTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading economy totals: %w", err)
	}
	v := Velocity(t.Spent, t.Purchased)
	return &Economy{
		TotalPlayers:           t.Players,
		TotalResources:         t.Resources,
		TotalCrystalsInGame:    t.Crystals,
		TotalPurchasedCrystals: t.Purchased,
		TotalCrystalsSpent:     t.Spent,
		AvgLevel:               math.Round(t.AvgLevel*100) / 100,
		CrystalVelocity:        v,
		Healthy:                v > HealthyVelocity,
	}, nil
}

// Velocity returns spent/max(purchased, 1) rounded to two decimals.
func Velocity(spent, purchased int64) float64 {
	return math.Round(float64(spent)/float64(max(purchased, 1))*100) / 100
}

// DailyReport returns today's report, computing it on the first call of
// the day and serving the cached copy afterwards.
func (s *Service) DailyReport(ctx context.Context) (*Report, error) {
	now := s.now()
	key := now.Format(dateLayout)
	ctx, span := s.tracer.Start(ctx, "Service.DailyReport", trace.WithAttributes(attribute.String("date", key)))
	defer span.End()

	if r, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "report cache unavailable", slog.Any("error", err))
	} else if ok {
		return r, nil
	}

	r, err := s.buildReport(ctx, key, clock.StartOfDay(now))
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, r); err != nil {
		s.logger.WarnContext(ctx, "caching daily report", slog.Any("error", err))
	}
	s.logger.InfoContext(ctx, "daily report generated",
		slog.String("date", key),
		slog.Int64("new_players", r.Players.NewToday),
		slog.Int64("stars", r.Revenue.StarsToday),
	)
	return r, nil
}

func (s *Service) buildReport(ctx context.Context, key string, from time.Time) (*Report, error) {
	to := from.AddDate(0, 0, 1)
	counts, err := s.repo.DayCounts(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("loading day counts: %w", err)
	}
	totals, err := s.repo.EconomyTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading economy totals: %w", err)
	}
	avg, err := s.repo.AvgPurchase(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading average purchase: %w", err)
	}
	retention, err := s.retentionRates(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{
		Date: key,
		Players: PlayersReport{
			Total:       totals.Players,
			NewToday:    counts.NewPlayers,
			ActiveToday: counts.ActivePlayers,
		},
		Revenue: RevenueReport{
			StarsToday:     counts.Stars,
			PurchasesToday: counts.Purchases,
			AvgPurchase:    int64(math.Round(avg)),
		},
		Gameplay: GameplayReport{
			PvpBattlesToday:     counts.Battles,
			DailyRewardsClaimed: counts.DailyRewards,
			ResourcesCollected:  counts.ResourcesCollected,
		},
		Retention: retention,
	}, nil
}
