// Package api serves the HTTP surface: health checks, Prometheus metrics,
// the admin analytics endpoints and the web app state sync.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/analytics"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/economy"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/health"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// Analytics answers the admin analytics queries.
type Analytics interface {
	Growth(ctx context.Context, days int) ([]analytics.GrowthPoint, error)
	Revenue(ctx context.Context, days int) ([]analytics.RevenuePoint, error)
	Retention(ctx context.Context, days int) (*analytics.Retention, error)
	TopReferrers(ctx context.Context, days, limit int) ([]store.ReferrerStats, error)
	DailyReport(ctx context.Context) (*analytics.Report, error)
	EconomyBalance(ctx context.Context) (*analytics.Economy, error)
}

// Progress applies the state changes reported by the web app.
type Progress interface {
	RaiseLevel(ctx context.Context, telegramID int64, level int) (*store.Player, error)
	ApplyDelta(ctx context.Context, telegramID int64, d store.Delta) (*store.Player, error)
	RecordPvpOutcome(ctx context.Context, b event.Battle) (attacker, defender *store.Player, err error)
	BuyUpgrade(ctx context.Context, telegramID int64, upgradeType string) (*store.UpgradePurchase, error)
	Upgrades(ctx context.Context, telegramID int64) ([]store.Upgrade, error)
	ActivateEffect(ctx context.Context, telegramID int64, kind store.EffectKind) (*store.Player, error)
}

// Window sizes of the analytics endpoints.
const (
	GrowthDays     = 30
	RevenueDays    = 30
	RetentionDays  = 30
	ReferrerDays   = 30
	ReferrersLimit = 50
)

// Options configures a Server.
type Options struct {
	Port        int
	AdminID     int64
	BotToken    string
	InitDataTTL time.Duration
}

// Server is the HTTP server.
type Server struct {
	engine    *gin.Engine
	srv       *http.Server
	analytics Analytics
	progress  Progress
	adminID   string
	auth      *InitDataValidator
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewServer builds the router. Health routes are mounted when h is non-nil.
func NewServer(opts Options, an Analytics, prog Progress, h *health.Handler, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:    engine,
		analytics: an,
		progress:  prog,
		adminID:   strconv.FormatInt(opts.AdminID, 10),
		auth:      NewInitDataValidator(opts.BotToken, opts.InitDataTTL, clk),
		logger:    logger,
		tracer:    tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/api"),
	}

	if h != nil {
		h.Register(engine)
	}
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := engine.Group("/api")
	apiGroup.GET("/analytics/:type", s.requireAdmin(), s.getAnalytics)
	player := apiGroup.Group("", s.requireInitData())
	player.POST("/progress", s.postProgress)
	player.POST("/spend", s.postSpend)
	player.POST("/pvp", s.postPvp)
	player.GET("/upgrades", s.getUpgrades)
	player.POST("/upgrade", s.postUpgrade)
	player.POST("/effect", s.postEffect)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	s.logger.InfoContext(ctx, "starting http server", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.ErrorContext(ctx, "http server error", slog.Any("error", err))
	}
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) getAnalytics(c *gin.Context) {
	kind := c.Param("type")
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.getAnalytics",
		trace.WithAttributes(attribute.String("type", kind)),
	)
	defer span.End()

	var (
		body any
		err  error
	)
	switch kind {
	case "growth":
		body, err = s.analytics.Growth(ctx, GrowthDays)
	case "revenue":
		body, err = s.analytics.Revenue(ctx, RevenueDays)
	case "retention":
		body, err = s.analytics.Retention(ctx, RetentionDays)
	case "referrers":
		body, err = s.analytics.TopReferrers(ctx, ReferrerDays, ReferrersLimit)
	case "daily":
		body, err = s.analytics.DailyReport(ctx)
	case "economy":
		body, err = s.analytics.EconomyBalance(ctx)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown analytics type"})
		return
	}
	if err != nil {
		span.RecordError(err)
		s.logger.ErrorContext(ctx, "analytics query failed",
			slog.String("type", kind),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, body)
}

type progressRequest struct {
	Level int `json:"level" binding:"required,min=1"`
}

func (s *Server) postProgress(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.postProgress",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	p, err := s.progress.RaiseLevel(ctx, id, req.Level)
	if err != nil {
		s.fail(c, span, "progress sync failed", id, err)
		return
	}
	c.JSON(http.StatusOK, playerBody(p))
}

// spendRequest holds amounts to deduct. Both are non-negative.
type spendRequest struct {
	Resources int64 `json:"resources" binding:"min=0"`
	Crystals  int64 `json:"crystals" binding:"min=0"`
}

func (s *Server) postSpend(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.postSpend",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Resources == 0 && req.Crystals == 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	p, err := s.progress.ApplyDelta(ctx, id, store.Delta{Resources: -req.Resources, Crystals: -req.Crystals})
	if err != nil {
		s.fail(c, span, "spend failed", id, err)
		return
	}
	c.JSON(http.StatusOK, playerBody(p))
}

type pvpRequest struct {
	DefenderID int64           `json:"defender_id" binding:"required"`
	Won        bool            `json:"won"`
	Stolen     int64           `json:"stolen" binding:"min=0"`
	Log        json.RawMessage `json:"log"`
}

func (s *Server) postPvp(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.postPvp",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	var req pvpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	attacker, defender, err := s.progress.RecordPvpOutcome(ctx, event.Battle{
		AttackerID:  id,
		DefenderID:  req.DefenderID,
		AttackerWon: req.Won,
		Stolen:      req.Stolen,
		Log:         req.Log,
	})
	if err != nil {
		s.fail(c, span, "pvp outcome failed", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"attacker": playerBody(attacker),
		"defender": gin.H{
			"telegram_id": defender.TelegramID,
			"level":       defender.Level,
			"wins":        defender.Wins,
			"losses":      defender.Losses,
		},
	})
}

func (s *Server) getUpgrades(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.getUpgrades",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	upgrades, err := s.progress.Upgrades(ctx, id)
	if err != nil {
		s.fail(c, span, "listing upgrades failed", id, err)
		return
	}
	levels := make(map[string]int, len(upgrades))
	for _, u := range upgrades {
		levels[u.Type] = u.Level
	}
	c.JSON(http.StatusOK, gin.H{"upgrades": levels})
}

type upgradeRequest struct {
	Type string `json:"type" binding:"required"`
}

func (s *Server) postUpgrade(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.postUpgrade",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	res, err := s.progress.BuyUpgrade(ctx, id, req.Type)
	if err != nil {
		s.fail(c, span, "buying upgrade failed", id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"player":  playerBody(res.Player),
		"upgrade": gin.H{"type": res.Upgrade.Type, "level": res.Upgrade.Level},
		"cost":    res.Cost,
	})
}

type effectRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) postEffect(c *gin.Context) {
	id := c.GetInt64(ctxTelegramID)
	ctx, span := s.tracer.Start(c.Request.Context(), "Server.postEffect",
		trace.WithAttributes(attribute.Int64("telegram_id", id)),
	)
	defer span.End()

	var req effectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	p, err := s.progress.ActivateEffect(ctx, id, store.EffectKind(req.Kind))
	if err != nil {
		s.fail(c, span, "activating effect failed", id, err)
		return
	}
	c.JSON(http.StatusOK, playerBody(p))
}

func playerBody(p *store.Player) gin.H {
	body := gin.H{
		"telegram_id": p.TelegramID,
		"level":       p.Level,
		"resources":   p.Resources,
		"crystals":    p.Crystals,
		"wins":        p.Wins,
		"losses":      p.Losses,
	}
	if !p.BoostUntil.IsZero() {
		body["boost_until"] = p.BoostUntil.UTC().Format(time.RFC3339)
	}
	if !p.ShieldUntil.IsZero() {
		body["shield_until"] = p.ShieldUntil.UTC().Format(time.RFC3339)
	}
	return body
}

// fail maps a state change error to its status code.
func (s *Server) fail(c *gin.Context, span trace.Span, msg string, id int64, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown player"})
	case errors.Is(err, event.ErrInvalidRecord), errors.Is(err, economy.ErrUnknownItem):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, store.ErrMaxLevel):
		c.JSON(http.StatusConflict, gin.H{"error": "max level reached"})
	case errors.Is(err, store.ErrShielded):
		c.JSON(http.StatusConflict, gin.H{"error": "defender is shielded"})
	case errors.Is(err, store.ErrInvariantViolation):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient balance"})
	default:
		span.RecordError(err)
		s.logger.ErrorContext(c.Request.Context(), msg,
			slog.Int64("telegram_id", id),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
