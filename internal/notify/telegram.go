package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/jensholdgaard/starfall-bot/internal/metrics"
)

// Sender is the subset of *tgbotapi.BotAPI used to deliver messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends direct messages and posts to a Telegram channel.
type Telegram struct {
	api     Sender
	channel string
	timeout time.Duration
}

// NewTelegram returns a Telegram notifier. channel is the @username of the
// announcement channel; timeout bounds every send.
func NewTelegram(api Sender, channel string, timeout time.Duration) *Telegram {
	return &Telegram{api: api, channel: channel, timeout: timeout}
}

func (t *Telegram) Name() string { return "telegram" }

// Send delivers text to a player. Failures wrap ErrSendFailed.
func (t *Telegram) Send(ctx context.Context, telegramID int64, text string) error {
	msg := tgbotapi.NewMessage(telegramID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	err := t.send(ctx, msg)
	metrics.NotificationsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		return fmt.Errorf("%w: chat %d: %w", ErrSendFailed, telegramID, err)
	}
	return nil
}

// Publish posts a to the announcement channel.
func (t *Telegram) Publish(ctx context.Context, a Announcement) error {
	msg := tgbotapi.NewMessageToChannel(t.channel, fmt.Sprintf("*%s*\n\n%s", a.Title, a.Body))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if a.ButtonURL != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(a.ButtonText, a.ButtonURL)),
		)
	}
	if err := t.send(ctx, msg); err != nil {
		return fmt.Errorf("%w: channel %s: %w", ErrSendFailed, t.channel, err)
	}
	return nil
}

// send runs the blocking Bot API call under the configured timeout.
func (t *Telegram) send(ctx context.Context, c tgbotapi.Chattable) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		_, err := t.api.Send(c)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
