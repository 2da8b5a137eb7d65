package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jensholdgaard/starfall-bot/internal/analytics"
	"github.com/jensholdgaard/starfall-bot/internal/api"
	"github.com/jensholdgaard/starfall-bot/internal/bot"
	"github.com/jensholdgaard/starfall-bot/internal/bot/commands"
	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/economy"
	"github.com/jensholdgaard/starfall-bot/internal/health"
	"github.com/jensholdgaard/starfall-bot/internal/leader"
	"github.com/jensholdgaard/starfall-bot/internal/notify"
	"github.com/jensholdgaard/starfall-bot/internal/promo"
	"github.com/jensholdgaard/starfall-bot/internal/scheduler"
	"github.com/jensholdgaard/starfall-bot/internal/store"
	"github.com/jensholdgaard/starfall-bot/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/starfall-bot/internal/store/postgres"
	_ "github.com/jensholdgaard/starfall-bot/internal/store/sqlite"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return fmt.Errorf("loading timezone: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "database", Check: repos.Ping}}

	var cache analytics.ReportCache = analytics.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		cache = analytics.NewRedisCache(rdb, "starfall:report:", cfg.Redis.ReportTTL)
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
		logger.InfoContext(ctx, "report cache backed by redis", slog.String("addr", cfg.Redis.Addr))
	}

	economyMgr := economy.NewManager(repos.Players, repos.Events, clk, loc, logger, tp.TracerProvider)
	analyticsSvc := analytics.NewService(repos.Analytics, cache, clk, loc, logger, tp.TracerProvider)

	healthHandler := health.NewHandler(clk, checkers...)

	// The HTTP surface runs on all replicas.
	server := api.NewServer(api.Options{
		Port:        cfg.Server.Port,
		AdminID:     cfg.Telegram.AdminID,
		BotToken:    cfg.Telegram.Token,
		InitDataTTL: cfg.Telegram.InitDataTTL,
	}, analyticsSvc, economyMgr, healthHandler, clk, logger, tp.TracerProvider)
	go server.Start(ctx)

	// startBot is the work only the leader runs: polling Telegram and
	// firing scheduled tasks.
	startBot := func(ctx context.Context) error {
		telegramBot, err := bot.New(cfg.Telegram, logger)
		if err != nil {
			return fmt.Errorf("creating bot: %w", err)
		}

		notifier := notify.NewTelegram(telegramBot.API(), cfg.Telegram.Channel, cfg.Telegram.SendTimeout)
		publishers := []notify.Publisher{notifier}
		if cfg.Discord.Enabled() {
			session, err := discordgo.New("Bot " + cfg.Discord.Token)
			if err != nil {
				return fmt.Errorf("creating discord session: %w", err)
			}
			publishers = append(publishers, notify.NewDiscord(session, cfg.Discord.ChannelID))
			logger.InfoContext(ctx, "mirroring announcements to discord", slog.String("channel", cfg.Discord.ChannelID))
		}

		promoMgr := promo.NewManager(promo.Deps{
			Economy:     economyMgr,
			Analytics:   analyticsSvc,
			Notifier:    notifier,
			Publisher:   notify.NewMulti(logger, publishers...),
			Broadcaster: notify.NewBroadcaster(notifier, cfg.Rewards.BroadcastConcurrency, cfg.Rewards.BroadcastRate, logger, tp.TracerProvider),
			Promos:      repos.Promos,
		}, cfg.Rewards, cfg.Telegram.BotUsername, clk, loc, logger, tp.TracerProvider)

		jobs, err := scheduler.Jobs(cfg.Scheduler,
			batch(promoMgr.RunDaily),
			batch(promoMgr.RunWeeklyContest),
			batch(promoMgr.RunMonthlyReferralBonus),
		)
		if err != nil {
			return fmt.Errorf("building scheduled jobs: %w", err)
		}
		runner := scheduler.NewRunner(jobs, repos.Watermarks, clk, loc, cfg.Scheduler.PollInterval, logger, tp.TracerProvider)
		handlers := commands.NewHandlers(telegramBot.API(), economyMgr, analyticsSvc, promoMgr, cfg.Telegram, logger, tp.TracerProvider)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runner.Run(ctx) })
		g.Go(func() error { return telegramBot.Start(ctx, handlers) })

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "starfallbot is running", slog.String("version", version))

		err = g.Wait()
		healthHandler.SetReady(false)
		return err
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, leader.Callbacks{
			OnStartedLeading: func(ctx context.Context) {
				if botErr := startBot(ctx); botErr != nil {
					logger.ErrorContext(ctx, "bot stopped with error", slog.Any("error", botErr))
					cancel()
				}
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership, shutting down...")
				cancel()
			},
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else if botErr := startBot(ctx); botErr != nil {
		return botErr
	}
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}

// batch adapts a promotion pass to a scheduled task.
func batch(f func(context.Context) (promo.Result, error)) scheduler.Task {
	return func(ctx context.Context) error {
		_, err := f(ctx)
		return err
	}
}
