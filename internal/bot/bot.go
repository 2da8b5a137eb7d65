package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jensholdgaard/starfall-bot/internal/config"
)

// UpdateHandler processes one Telegram update.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u tgbotapi.Update)
}

// Bot wraps the Telegram client and its long polling loop.
type Bot struct {
	api    *tgbotapi.BotAPI
	cfg    config.TelegramConfig
	logger *slog.Logger
}

// New creates a new Bot instance. It verifies the token with getMe.
func New(cfg config.TelegramConfig, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram client: %w", err)
	}
	return &Bot{api: api, cfg: cfg, logger: logger}, nil
}

// API returns the underlying client, shared with the notifier.
func (b *Bot) API() *tgbotapi.BotAPI { return b.api }

// Start polls for updates and hands each one to h until ctx is done.
// Updates are handled concurrently; Start waits for in-flight handlers
// before returning.
func (b *Bot) Start(ctx context.Context, h UpdateHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.logger.InfoContext(ctx, "bot is ready", slog.String("user", b.api.Self.UserName))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.HandleUpdate(ctx, upd)
			}()
		}
	}
}
