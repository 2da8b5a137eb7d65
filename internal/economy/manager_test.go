package economy_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/starfall-bot/internal/achievement"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/economy"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

var (
	testTP     = noop.NewTracerProvider()
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow    = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

// mockPlayerRepo implements store.PlayerRepository in memory.
type mockPlayerRepo struct {
	mu       sync.Mutex
	players  map[int64]*store.Player
	grants   map[string]bool
	upgrades map[int64]map[string]int
	claims   []string
	err      error
}

func newMockPlayerRepo() *mockPlayerRepo {
	return &mockPlayerRepo{
		players:  make(map[int64]*store.Player),
		grants:   make(map[string]bool),
		upgrades: make(map[int64]map[string]int),
	}
}

func (m *mockPlayerRepo) GetOrCreate(_ context.Context, id int64, pr store.Profile) (*store.Player, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	p, ok := m.players[id]
	if !ok {
		p = &store.Player{TelegramID: id, Resources: 100, Level: 1}
		m.players[id] = p
	}
	p.Username, p.FirstName = pr.Username, pr.FirstName
	cp := *p
	return &cp, !ok, nil
}

func (m *mockPlayerRepo) get(id int64) (*store.Player, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.players[id]
	if !ok {
		return nil, fmt.Errorf("player %d: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (m *mockPlayerRepo) Get(_ context.Context, id int64) (*store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlayerRepo) apply(id int64, d store.Delta) (*store.Player, error) {
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if p.Resources+d.Resources < 0 || p.Crystals+d.Crystals < 0 {
		return nil, store.ErrInvariantViolation
	}
	p.Resources += d.Resources
	p.Crystals += d.Crystals
	cp := *p
	return &cp, nil
}

func (m *mockPlayerRepo) ApplyDelta(_ context.Context, id int64, d store.Delta) (*store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apply(id, d)
}

func (m *mockPlayerRepo) RecordPvpOutcome(_ context.Context, b event.Battle) (*store.Player, *store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.get(b.AttackerID)
	if err != nil {
		return nil, nil, err
	}
	d, err := m.get(b.DefenderID)
	if err != nil {
		return nil, nil, err
	}
	if b.AttackerWon {
		a.Resources += b.Stolen
		d.Resources -= b.Stolen
		a.Wins++
		d.Losses++
	} else {
		a.Losses++
	}
	ac, dc := *a, *d
	return &ac, &dc, nil
}

func (m *mockPlayerRepo) RecordReferral(_ context.Context, referrer, referred int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(referrer)
	if err != nil {
		return false, err
	}
	p, err := m.get(referred)
	if err != nil {
		return false, err
	}
	if p.ReferredBy != 0 {
		return false, nil
	}
	p.ReferredBy = referrer
	r.ReferralsCount++
	return true, nil
}

func (m *mockPlayerRepo) ClaimDailyReward(_ context.Context, id int64, day, prevDay string, reward store.RewardFunc) (*store.DailyClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if p.LastDailyReward == day {
		return nil, store.ErrAlreadyClaimed
	}
	streak := 1
	if p.LastDailyReward == prevDay {
		streak = p.DailyStreak + 1
	}
	d := reward(streak)
	p.DailyStreak, p.LastDailyReward = streak, day
	p.Resources += d.Resources
	p.Crystals += d.Crystals
	m.claims = append(m.claims, day)
	cp := *p
	return &store.DailyClaim{Player: &cp, Reward: event.DailyReward{TelegramID: id, Day: streak, Resources: d.Resources, Crystals: d.Crystals}}, nil
}

func (m *mockPlayerRepo) CompletePurchase(_ context.Context, pu event.Purchase) (*store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pu.ChargeID == "" {
		return nil, event.ErrInvalidRecord
	}
	key := "charge:" + pu.ChargeID
	if m.grants[key] {
		return nil, store.ErrDuplicate
	}
	p, err := m.apply(pu.TelegramID, store.Delta{Crystals: pu.CrystalsReceived})
	if err != nil {
		return nil, err
	}
	m.grants[key] = true
	return p, nil
}

func (m *mockPlayerRepo) GrantReward(_ context.Context, g store.Grant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s/%d", g.Key, g.TelegramID)
	if m.grants[key] {
		return false, nil
	}
	if _, err := m.apply(g.TelegramID, g.Delta); err != nil {
		return false, err
	}
	m.grants[key] = true
	return true, nil
}

func (m *mockPlayerRepo) GrantedKeys(_ context.Context, id int64, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	suffix := fmt.Sprintf("/%d", id)
	var keys []string
	for k := range m.grants {
		if strings.HasPrefix(k, prefix) && strings.HasSuffix(k, suffix) {
			keys = append(keys, strings.TrimSuffix(k, suffix))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mockPlayerRepo) BuyUpgrade(_ context.Context, o store.UpgradeOrder) (*store.UpgradePurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(o.TelegramID); err != nil {
		return nil, err
	}
	next := m.upgrades[o.TelegramID][o.Type] + 1
	if o.MaxLevel > 0 && next > o.MaxLevel {
		return nil, store.ErrMaxLevel
	}
	cost := o.Cost(next)
	p, err := m.apply(o.TelegramID, store.Delta{Crystals: -cost})
	if err != nil {
		return nil, err
	}
	if m.upgrades[o.TelegramID] == nil {
		m.upgrades[o.TelegramID] = map[string]int{}
	}
	m.upgrades[o.TelegramID][o.Type] = next
	return &store.UpgradePurchase{Player: p, Upgrade: store.Upgrade{Type: o.Type, Level: next}, Cost: cost}, nil
}

func (m *mockPlayerRepo) Upgrades(_ context.Context, id int64) ([]store.Upgrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(id); err != nil {
		return nil, err
	}
	var out []store.Upgrade
	for t, level := range m.upgrades[id] {
		out = append(out, store.Upgrade{Type: t, Level: level})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *mockPlayerRepo) ActivateEffect(_ context.Context, id int64, e store.Effect) (*store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.apply(id, store.Delta{Crystals: -e.Cost})
	if err != nil {
		return nil, err
	}
	stored := m.players[id]
	from := p.Until(e.Kind)
	if from.Before(testNow) {
		from = testNow
	}
	until := from.Add(e.Duration)
	if e.Kind == store.EffectShield {
		stored.ShieldUntil = until
	} else {
		stored.BoostUntil = until
	}
	cp := *stored
	return &cp, nil
}

func (m *mockPlayerRepo) RaiseLevel(_ context.Context, id int64, level int) (*store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if level > p.Level {
		p.Level = level
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlayerRepo) Top(_ context.Context, limit int) ([]store.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Player, 0, len(m.players))
	for _, p := range m.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Crystals > out[j].Crystals
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPlayerRepo) ActiveSince(context.Context, time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, p := range m.players {
		if p.LastDailyReward != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// mockEventLog implements event.Log.
type mockEventLog struct {
	records []event.Record
}

func (m *mockEventLog) Append(_ context.Context, r event.Record) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	m.records = append(m.records, r)
	return fmt.Sprintf("rec-%d", len(m.records)), nil
}

func newManager(repo *mockPlayerRepo, clk clock.Clock) (*economy.Manager, *mockEventLog) {
	log := &mockEventLog{}
	return economy.NewManager(repo, log, clk, time.UTC, testLogger, testTP), log
}

func TestDailyReward(t *testing.T) {
	tests := []struct {
		streak int
		want   store.Delta
	}{
		{streak: 1, want: store.Delta{Resources: 50}},
		{streak: 3, want: store.Delta{Resources: 150}},
		{streak: 7, want: store.Delta{Resources: 350, Crystals: 10}},
		{streak: 8, want: store.Delta{Resources: 350}},
		{streak: 14, want: store.Delta{Resources: 350, Crystals: 10}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("day %d", tt.streak), func(t *testing.T) {
			if got := economy.DailyReward(tt.streak); got != tt.want {
				t.Errorf("DailyReward(%d) = %+v, want %+v", tt.streak, got, tt.want)
			}
		})
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()

	p, created, err := mgr.GetOrCreate(ctx, 42, store.Profile{Username: "nova"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if !created || p.Resources != 100 || p.Level != 1 {
		t.Errorf("first contact = %+v created=%v, want defaults", p, created)
	}

	_, created, err = mgr.GetOrCreate(ctx, 42, store.Profile{Username: "nova2"})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if created {
		t.Error("second contact reported created")
	}
}

func TestManager_GetOrCreate_RepoError(t *testing.T) {
	repo := newMockPlayerRepo()
	repo.err = errors.New("db down")
	mgr, _ := newManager(repo, clock.Mock{T: testNow})

	if _, _, err := mgr.GetOrCreate(context.Background(), 1, store.Profile{}); err == nil {
		t.Fatal("expected error when repo fails")
	}
}

func TestManager_ApplyDelta(t *testing.T) {
	tests := []struct {
		name    string
		delta   store.Delta
		wantErr error
		want    int64
	}{
		{name: "credit", delta: store.Delta{Resources: 50}, want: 150},
		{name: "debit to zero", delta: store.Delta{Resources: -100}, want: 0},
		{name: "overdraw", delta: store.Delta{Resources: -101}, wantErr: store.ErrInvariantViolation, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockPlayerRepo()
			mgr, _ := newManager(repo, clock.Mock{T: testNow})
			ctx := context.Background()
			_, _, _ = mgr.GetOrCreate(ctx, 1, store.Profile{})

			_, err := mgr.ApplyDelta(ctx, 1, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ApplyDelta() error = %v, want %v", err, tt.wantErr)
			}
			p, _ := mgr.Player(ctx, 1)
			if p.Resources != tt.want {
				t.Errorf("resources = %d, want %d", p.Resources, tt.want)
			}
		})
	}
}

func TestManager_ClaimDailyReward(t *testing.T) {
	repo := newMockPlayerRepo()
	clk := clock.NewManual(testNow)
	mgr, _ := newManager(repo, clk)
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 7, store.Profile{})

	claim, err := mgr.ClaimDailyReward(ctx, 7)
	if err != nil {
		t.Fatalf("ClaimDailyReward() error = %v", err)
	}
	if claim.Player.DailyStreak != 1 || claim.Reward.Resources != 50 {
		t.Errorf("first claim = streak %d reward %d, want 1/50", claim.Player.DailyStreak, claim.Reward.Resources)
	}

	if _, err := mgr.ClaimDailyReward(ctx, 7); !errors.Is(err, store.ErrAlreadyClaimed) {
		t.Fatalf("second claim error = %v, want ErrAlreadyClaimed", err)
	}

	clk.Advance(24 * time.Hour)
	claim, err = mgr.ClaimDailyReward(ctx, 7)
	if err != nil {
		t.Fatalf("next day claim error = %v", err)
	}
	if claim.Player.DailyStreak != 2 || claim.Reward.Resources != 100 {
		t.Errorf("next day = streak %d reward %d, want 2/100", claim.Player.DailyStreak, claim.Reward.Resources)
	}

	clk.Advance(48 * time.Hour)
	claim, err = mgr.ClaimDailyReward(ctx, 7)
	if err != nil {
		t.Fatalf("claim after gap error = %v", err)
	}
	if claim.Player.DailyStreak != 1 {
		t.Errorf("streak after gap = %d, want 1", claim.Player.DailyStreak)
	}
}

func TestManager_ClaimDailyReward_Timezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	repo := newMockPlayerRepo()
	// 22:30 UTC is already the next calendar day at UTC+3.
	mgr := economy.NewManager(repo, &mockEventLog{}, clock.Mock{T: time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)}, loc, testLogger, testTP)
	_, _, _ = mgr.GetOrCreate(context.Background(), 1, store.Profile{})

	if _, err := mgr.ClaimDailyReward(context.Background(), 1); err != nil {
		t.Fatalf("ClaimDailyReward() error = %v", err)
	}
	if got := repo.claims[0]; got != "2025-03-11" {
		t.Errorf("claimed day = %q, want 2025-03-11", got)
	}
}

func TestManager_RecordPvpOutcome(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 1, store.Profile{})
	_, _, _ = mgr.GetOrCreate(ctx, 2, store.Profile{})
	_, _ = mgr.ApplyDelta(ctx, 2, store.Delta{Resources: 100})

	a, d, err := mgr.RecordPvpOutcome(ctx, event.Battle{AttackerID: 1, DefenderID: 2, AttackerWon: true, Stolen: 50})
	if err != nil {
		t.Fatalf("RecordPvpOutcome() error = %v", err)
	}
	if a.Resources != 150 || a.Wins != 1 || d.Resources != 150 || d.Losses != 1 {
		t.Errorf("attacker=%+v defender=%+v", a, d)
	}
}

func TestManager_RecordReferral(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 1, store.Profile{})
	_, _, _ = mgr.GetOrCreate(ctx, 2, store.Profile{})

	linked, err := mgr.RecordReferral(ctx, 1, 2)
	if err != nil || !linked {
		t.Fatalf("first referral = %v, %v; want linked", linked, err)
	}
	linked, err = mgr.RecordReferral(ctx, 1, 2)
	if err != nil || linked {
		t.Fatalf("second referral = %v, %v; want no-op", linked, err)
	}
	p, _ := mgr.Player(ctx, 1)
	if p.ReferralsCount != 1 {
		t.Errorf("referrals = %d, want 1", p.ReferralsCount)
	}

	if _, err := mgr.RecordReferral(ctx, 99, 2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown referrer error = %v, want ErrNotFound", err)
	}
}

func TestManager_Purchases(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, log := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 5, store.Profile{})

	pu := event.Purchase{TelegramID: 5, ItemType: "crystals", StarsSpent: 50, CrystalsReceived: 100, ChargeID: "ch-1"}
	p, err := mgr.CompletePurchase(ctx, pu)
	if err != nil {
		t.Fatalf("CompletePurchase() error = %v", err)
	}
	if p.Crystals != 100 {
		t.Errorf("crystals = %d, want 100", p.Crystals)
	}
	if _, err := mgr.CompletePurchase(ctx, pu); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("replayed charge error = %v, want ErrDuplicate", err)
	}

	if err := mgr.RecordFailedPurchase(ctx, event.Purchase{TelegramID: 5, ItemType: "crystals", Payload: "crystals:100"}); err != nil {
		t.Fatalf("RecordFailedPurchase() error = %v", err)
	}
	if len(log.records) != 1 {
		t.Fatalf("log records = %d, want 1", len(log.records))
	}
	if got := log.records[0].(event.Purchase).Status; got != event.PurchaseFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

func TestManager_AwardAchievements(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 3, store.Profile{})
	_, _ = mgr.RaiseLevel(ctx, 3, 10)

	awards, err := mgr.AwardAchievements(ctx, 3)
	if err != nil {
		t.Fatalf("AwardAchievements() error = %v", err)
	}
	if len(awards) != 1 || awards[0].ID != achievement.Veteran {
		t.Fatalf("awards = %+v, want Veteran", awards)
	}
	p, _ := mgr.Player(ctx, 3)
	if p.Crystals != 100 || p.Resources != 600 {
		t.Errorf("balances = %d/%d, want 600 resources 100 crystals", p.Resources, p.Crystals)
	}

	// Already awarded.
	awards, err = mgr.AwardAchievements(ctx, 3)
	if err != nil {
		t.Fatalf("second AwardAchievements() error = %v", err)
	}
	if len(awards) != 0 {
		t.Errorf("second pass awards = %+v, want none", awards)
	}
}

func TestManager_GrantReward_Idempotent(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 4, store.Profile{})

	g := store.Grant{Key: "contest:2025-W11", TelegramID: 4, Delta: store.Delta{Crystals: 1000}}
	for i, want := range []bool{true, false} {
		got, err := mgr.GrantReward(ctx, g)
		if err != nil {
			t.Fatalf("GrantReward() #%d error = %v", i, err)
		}
		if got != want {
			t.Errorf("GrantReward() #%d = %v, want %v", i, got, want)
		}
	}
}

func TestManager_RaiseLevel(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	_, _, _ = mgr.GetOrCreate(ctx, 8, store.Profile{})

	if _, err := mgr.RaiseLevel(ctx, 8, 0); err == nil {
		t.Error("expected error for level 0")
	}
	p, _ := mgr.RaiseLevel(ctx, 8, 5)
	if p.Level != 5 {
		t.Errorf("level = %d, want 5", p.Level)
	}
	p, _ = mgr.RaiseLevel(ctx, 8, 3)
	if p.Level != 5 {
		t.Errorf("level after lower value = %d, want 5", p.Level)
	}
}

func TestManager_TopPlayers(t *testing.T) {
	repo := newMockPlayerRepo()
	mgr, _ := newManager(repo, clock.Mock{T: testNow})
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		_, _, _ = mgr.GetOrCreate(ctx, id, store.Profile{})
		_, _ = mgr.RaiseLevel(ctx, id, int(id))
	}

	top, err := mgr.TopPlayers(ctx, 2)
	if err != nil {
		t.Fatalf("TopPlayers() error = %v", err)
	}
	if len(top) != 2 || top[0].TelegramID != 3 || top[1].TelegramID != 2 {
		t.Errorf("top = %+v", top)
	}
}
