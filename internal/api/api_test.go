package api_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/starfall-bot/internal/analytics"
	"github.com/jensholdgaard/starfall-bot/internal/api"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/economy"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/health"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

const (
	adminID  = int64(777)
	botToken = "123456:TEST-TOKEN"
)

var (
	testTP     = noop.NewTracerProvider()
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow    = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
)

func init() { gin.SetMode(gin.TestMode) }

// stubAnalytics implements api.Analytics.
type stubAnalytics struct {
	err error
}

func (s *stubAnalytics) Growth(context.Context, int) ([]analytics.GrowthPoint, error) {
	return []analytics.GrowthPoint{{Date: "2025-03-10", NewPlayers: 4, Referred: 1}}, s.err
}

func (s *stubAnalytics) Revenue(context.Context, int) ([]analytics.RevenuePoint, error) {
	return []analytics.RevenuePoint{{Date: "2025-03-10", StarsSpent: 100}}, s.err
}

func (s *stubAnalytics) Retention(context.Context, int) (*analytics.Retention, error) {
	return &analytics.Retention{Day1: "0%", Day7: "0%", Day30: "0%"}, s.err
}

func (s *stubAnalytics) TopReferrers(_ context.Context, _, limit int) ([]store.ReferrerStats, error) {
	return []store.ReferrerStats{{TelegramID: 1, Successful: limit}}, s.err
}

func (s *stubAnalytics) DailyReport(context.Context) (*analytics.Report, error) {
	return &analytics.Report{Date: "2025-03-10"}, s.err
}

func (s *stubAnalytics) EconomyBalance(context.Context) (*analytics.Economy, error) {
	return &analytics.Economy{CrystalVelocity: 0.8, Healthy: true}, s.err
}

// stubProgress implements api.Progress.
type stubProgress struct {
	levels    map[int64]int
	resources map[int64]int64
	crystals  map[int64]int64
	upgrades  map[int64]map[string]int
	shielded  map[int64]bool
	battles   []event.Battle
}

func (s *stubProgress) RaiseLevel(_ context.Context, id int64, level int) (*store.Player, error) {
	cur, ok := s.levels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if level > cur {
		s.levels[id] = level
	}
	return &store.Player{TelegramID: id, Level: s.levels[id]}, nil
}

func (s *stubProgress) ApplyDelta(_ context.Context, id int64, d store.Delta) (*store.Player, error) {
	cur, ok := s.resources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur+d.Resources < 0 || d.Crystals < 0 {
		return nil, fmt.Errorf("applying delta: %w", store.ErrInvariantViolation)
	}
	s.resources[id] = cur + d.Resources
	return &store.Player{TelegramID: id, Resources: s.resources[id]}, nil
}

func (s *stubProgress) RecordPvpOutcome(_ context.Context, b event.Battle) (*store.Player, *store.Player, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	if _, ok := s.resources[b.DefenderID]; !ok {
		return nil, nil, store.ErrNotFound
	}
	if s.shielded[b.DefenderID] {
		return nil, nil, fmt.Errorf("player %d: %w", b.DefenderID, store.ErrShielded)
	}
	if s.resources[b.DefenderID] < b.Stolen {
		return nil, nil, store.ErrInvariantViolation
	}
	s.battles = append(s.battles, b)
	s.resources[b.DefenderID] -= b.Stolen
	s.resources[b.AttackerID] += b.Stolen
	attacker := &store.Player{TelegramID: b.AttackerID, Resources: s.resources[b.AttackerID]}
	defender := &store.Player{TelegramID: b.DefenderID, Resources: s.resources[b.DefenderID]}
	if b.AttackerWon {
		attacker.Wins, defender.Losses = 1, 1
	} else {
		attacker.Losses, defender.Wins = 1, 1
	}
	return attacker, defender, nil
}

func (s *stubProgress) BuyUpgrade(_ context.Context, id int64, upgradeType string) (*store.UpgradePurchase, error) {
	line, ok := economy.UpgradeLines[upgradeType]
	if !ok {
		return nil, economy.ErrUnknownItem
	}
	cur, ok := s.crystals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := s.upgrades[id][upgradeType] + 1
	if next > line.MaxLevel {
		return nil, store.ErrMaxLevel
	}
	cost := line.Cost(next)
	if cur < cost {
		return nil, fmt.Errorf("buying upgrade: %w", store.ErrInvariantViolation)
	}
	s.crystals[id] = cur - cost
	if s.upgrades[id] == nil {
		s.upgrades[id] = map[string]int{}
	}
	s.upgrades[id][upgradeType] = next
	return &store.UpgradePurchase{
		Player:  &store.Player{TelegramID: id, Crystals: s.crystals[id]},
		Upgrade: store.Upgrade{Type: upgradeType, Level: next},
		Cost:    cost,
	}, nil
}

func (s *stubProgress) Upgrades(_ context.Context, id int64) ([]store.Upgrade, error) {
	if _, ok := s.crystals[id]; !ok {
		return nil, store.ErrNotFound
	}
	var out []store.Upgrade
	for t, l := range s.upgrades[id] {
		out = append(out, store.Upgrade{Type: t, Level: l})
	}
	return out, nil
}

func (s *stubProgress) ActivateEffect(_ context.Context, id int64, kind store.EffectKind) (*store.Player, error) {
	e, ok := economy.Effects[kind]
	if !ok {
		return nil, economy.ErrUnknownItem
	}
	cur, ok := s.crystals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if cur < e.Cost {
		return nil, store.ErrInvariantViolation
	}
	s.crystals[id] = cur - e.Cost
	p := &store.Player{TelegramID: id, Crystals: s.crystals[id]}
	if kind == store.EffectShield {
		p.ShieldUntil = testNow.Add(e.Duration)
	} else {
		p.BoostUntil = testNow.Add(e.Duration)
	}
	return p, nil
}

func newServer(an api.Analytics, prog api.Progress) *api.Server {
	clk := clock.Mock{T: testNow}
	h := health.NewHandler(clk)
	h.SetReady(true)
	return api.NewServer(api.Options{AdminID: adminID, BotToken: botToken, InitDataTTL: 24 * time.Hour}, an, prog, h, clk, testLogger, testTP)
}

func do(t *testing.T, s *api.Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestAnalyticsEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		auth     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "growth", path: "/api/analytics/growth", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"new_players":4`},
		{name: "revenue", path: "/api/analytics/revenue", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"stars_spent":100`},
		{name: "retention", path: "/api/analytics/retention", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"day30":"0%"`},
		{name: "referrers", path: "/api/analytics/referrers", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"successful_referrals":50`},
		{name: "daily", path: "/api/analytics/daily", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"date":"2025-03-10"`},
		{name: "economy", path: "/api/analytics/economy", auth: "Bearer 777", wantCode: http.StatusOK, wantBody: `"healthy":true`},
		{name: "missing auth", path: "/api/analytics/growth", wantCode: http.StatusForbidden},
		{name: "wrong admin", path: "/api/analytics/growth", auth: "Bearer 778", wantCode: http.StatusForbidden},
		{name: "no bearer prefix", path: "/api/analytics/growth", auth: "777", wantCode: http.StatusForbidden},
		{name: "unknown type", path: "/api/analytics/churn", auth: "Bearer 777", wantCode: http.StatusBadRequest},
		{name: "auth before type check", path: "/api/analytics/churn", wantCode: http.StatusForbidden},
		{name: "query failure", path: "/api/analytics/daily", auth: "Bearer 777", err: errors.New("db down"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(&stubAnalytics{err: tt.err}, &stubProgress{})
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			w := do(t, s, req)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
			if tt.wantCode == http.StatusInternalServerError {
				assert.NotContains(t, w.Body.String(), "db down")
			}
		})
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	s := newServer(&stubAnalytics{}, &stubProgress{})
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		w := do(t, s, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

// signedInitData builds init data the way Telegram signs it.
func signedInitData(userID int64, authDate time.Time) string {
	v := api.NewInitDataValidator(botToken, 0, clock.Mock{T: testNow})
	fields := url.Values{}
	fields.Set("query_id", "AAH")
	fields.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))
	fields.Set("user", fmt.Sprintf(`{"id":%d,"first_name":"Nova"}`, userID))
	fields.Set("hash", v.Sign(fields))
	return fields.Encode()
}

func TestInitDataValidator(t *testing.T) {
	v := api.NewInitDataValidator(botToken, time.Hour, clock.Mock{T: testNow})

	id, err := v.Validate(signedInitData(42, testNow.Add(-time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = v.Validate("")
	assert.ErrorIs(t, err, api.ErrInitDataMissing)

	_, err = v.Validate(signedInitData(42, testNow.Add(-2*time.Hour)))
	assert.ErrorIs(t, err, api.ErrInitDataExpired)

	tampered := strings.Replace(signedInitData(42, testNow), "%22id%22%3A42", "%22id%22%3A43", 1)
	_, err = v.Validate(tampered)
	assert.ErrorIs(t, err, api.ErrInitDataHash)

	other := api.NewInitDataValidator("999:OTHER", time.Hour, clock.Mock{T: testNow})
	_, err = other.Validate(signedInitData(42, testNow))
	assert.ErrorIs(t, err, api.ErrInitDataHash)
}

func TestProgressEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		initData  string
		body      string
		wantCode  int
		wantLevel int
	}{
		{name: "raises level", initData: signedInitData(42, testNow), body: `{"level":7}`, wantCode: http.StatusOK, wantLevel: 7},
		{name: "lower level keeps stored", initData: signedInitData(42, testNow), body: `{"level":2}`, wantCode: http.StatusOK, wantLevel: 5},
		{name: "invalid level", initData: signedInitData(42, testNow), body: `{"level":0}`, wantCode: http.StatusBadRequest},
		{name: "malformed body", initData: signedInitData(42, testNow), body: `{`, wantCode: http.StatusBadRequest},
		{name: "unknown player", initData: signedInitData(99, testNow), body: `{"level":3}`, wantCode: http.StatusNotFound},
		{name: "unsigned", initData: "user=%7B%22id%22%3A42%7D", body: `{"level":9}`, wantCode: http.StatusUnauthorized},
		{name: "missing header", body: `{"level":9}`, wantCode: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &stubProgress{levels: map[int64]int{42: 5}}
			s := newServer(&stubAnalytics{}, prog)
			req := httptest.NewRequest(http.MethodPost, "/api/progress", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.initData != "" {
				req.Header.Set("X-Telegram-Init-Data", tt.initData)
			}
			w := do(t, s, req)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp struct {
				Level int `json:"level"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantLevel, resp.Level)
		})
	}
}

func postJSON(t *testing.T, s *api.Server, path, initData, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Init-Data", initData)
	return do(t, s, req)
}

func TestSpendEndpoint(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantCode      int
		wantResources int64
	}{
		{name: "spends resources", body: `{"resources":40}`, wantCode: http.StatusOK, wantResources: 60},
		{name: "exact balance", body: `{"resources":100}`, wantCode: http.StatusOK, wantResources: 0},
		{name: "overdraw", body: `{"resources":101}`, wantCode: http.StatusConflict, wantResources: 100},
		{name: "negative amount", body: `{"resources":-5}`, wantCode: http.StatusBadRequest, wantResources: 100},
		{name: "nothing to spend", body: `{}`, wantCode: http.StatusBadRequest, wantResources: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &stubProgress{resources: map[int64]int64{42: 100}}
			s := newServer(&stubAnalytics{}, prog)

			w := postJSON(t, s, "/api/spend", signedInitData(42, testNow), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantResources, prog.resources[42])
		})
	}
}

func TestPvpEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		attacker    int64
		body        string
		wantCode    int
		wantBattles int
	}{
		{name: "won", attacker: 42, body: `{"defender_id":7,"won":true,"stolen":50,"log":{"rounds":3}}`, wantCode: http.StatusOK, wantBattles: 1},
		{name: "lost", attacker: 42, body: `{"defender_id":7,"won":false}`, wantCode: http.StatusOK, wantBattles: 1},
		{name: "stolen on a loss", attacker: 42, body: `{"defender_id":7,"won":false,"stolen":5}`, wantCode: http.StatusBadRequest},
		{name: "self attack", attacker: 7, body: `{"defender_id":7,"won":true,"stolen":5}`, wantCode: http.StatusBadRequest},
		{name: "unknown defender", attacker: 42, body: `{"defender_id":99,"won":true,"stolen":5}`, wantCode: http.StatusNotFound},
		{name: "defender too poor", attacker: 42, body: `{"defender_id":7,"won":true,"stolen":500}`, wantCode: http.StatusConflict},
		{name: "missing defender", attacker: 42, body: `{"won":true}`, wantCode: http.StatusBadRequest},
		{name: "shielded defender", attacker: 42, body: `{"defender_id":9,"won":true,"stolen":5}`, wantCode: http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &stubProgress{
				resources: map[int64]int64{42: 100, 7: 200, 9: 200},
				shielded:  map[int64]bool{9: true},
			}
			s := newServer(&stubAnalytics{}, prog)

			w := postJSON(t, s, "/api/pvp", signedInitData(tt.attacker, testNow), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			require.Len(t, prog.battles, tt.wantBattles)
			if tt.wantBattles == 0 {
				return
			}
			assert.Equal(t, tt.attacker, prog.battles[0].AttackerID)
		})
	}

	t.Run("transfers resources", func(t *testing.T) {
		prog := &stubProgress{resources: map[int64]int64{42: 100, 7: 200}}
		s := newServer(&stubAnalytics{}, prog)

		w := postJSON(t, s, "/api/pvp", signedInitData(42, testNow), `{"defender_id":7,"won":true,"stolen":50}`)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Attacker struct {
				Resources int64 `json:"resources"`
				Wins      int   `json:"wins"`
			} `json:"attacker"`
			Defender struct {
				Losses int `json:"losses"`
			} `json:"defender"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, int64(150), resp.Attacker.Resources)
		assert.Equal(t, 1, resp.Attacker.Wins)
		assert.Equal(t, 1, resp.Defender.Losses)
		assert.Equal(t, int64(150), prog.resources[7])
	})
}

func TestUpgradeEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		level        int
		wantCode     int
		wantCrystals int64
		wantLevel    int
	}{
		{name: "first level", body: `{"type":"mining"}`, wantCode: http.StatusOK, wantCrystals: 80, wantLevel: 1},
		{name: "next level", body: `{"type":"mining"}`, level: 2, wantCode: http.StatusOK, wantCrystals: 40, wantLevel: 3},
		{name: "max level", body: `{"type":"mining"}`, level: 10, wantCode: http.StatusConflict, wantCrystals: 100, wantLevel: 10},
		{name: "too expensive", body: `{"type":"attack"}`, level: 4, wantCode: http.StatusConflict, wantCrystals: 100, wantLevel: 4},
		{name: "unknown type", body: `{"type":"warp"}`, wantCode: http.StatusBadRequest, wantCrystals: 100},
		{name: "missing type", body: `{}`, wantCode: http.StatusBadRequest, wantCrystals: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			prog := &stubProgress{
				crystals: map[int64]int64{42: 100},
				upgrades: map[int64]map[string]int{42: {}},
			}
			if tt.level > 0 {
				prog.upgrades[42][req.Type] = tt.level
			}
			s := newServer(&stubAnalytics{}, prog)

			w := postJSON(t, s, "/api/upgrade", signedInitData(42, testNow), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCrystals, prog.crystals[42])
			assert.Equal(t, tt.wantLevel, prog.upgrades[42][req.Type])
		})
	}

	t.Run("lists levels", func(t *testing.T) {
		prog := &stubProgress{
			crystals: map[int64]int64{42: 0},
			upgrades: map[int64]map[string]int{42: {"mining": 3, "defense": 1}},
		}
		s := newServer(&stubAnalytics{}, prog)

		req := httptest.NewRequest(http.MethodGet, "/api/upgrades", nil)
		req.Header.Set("X-Telegram-Init-Data", signedInitData(42, testNow))
		w := do(t, s, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Upgrades map[string]int `json:"upgrades"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, map[string]int{"mining": 3, "defense": 1}, resp.Upgrades)
	})

	t.Run("unknown player", func(t *testing.T) {
		prog := &stubProgress{crystals: map[int64]int64{}, upgrades: map[int64]map[string]int{}}
		s := newServer(&stubAnalytics{}, prog)

		w := postJSON(t, s, "/api/upgrade", signedInitData(42, testNow), `{"type":"mining"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEffectEndpoint(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		crystals     int64
		wantCode     int
		wantCrystals int64
		wantField    string
	}{
		{name: "boost", body: `{"kind":"boost"}`, crystals: 100, wantCode: http.StatusOK, wantCrystals: 50, wantField: "boost_until"},
		{name: "shield", body: `{"kind":"shield"}`, crystals: 100, wantCode: http.StatusOK, wantCrystals: 70, wantField: "shield_until"},
		{name: "cannot afford", body: `{"kind":"boost"}`, crystals: 20, wantCode: http.StatusConflict, wantCrystals: 20},
		{name: "unknown kind", body: `{"kind":"cloak"}`, crystals: 100, wantCode: http.StatusBadRequest, wantCrystals: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prog := &stubProgress{crystals: map[int64]int64{42: tt.crystals}}
			s := newServer(&stubAnalytics{}, prog)

			w := postJSON(t, s, "/api/effect", signedInitData(42, testNow), tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantCrystals, prog.crystals[42])
			if tt.wantField == "" {
				return
			}
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			until, err := time.Parse(time.RFC3339, resp[tt.wantField].(string))
			require.NoError(t, err)
			assert.True(t, until.After(testNow))
		})
	}
}
