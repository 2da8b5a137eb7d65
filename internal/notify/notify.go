// Package notify delivers direct messages to players and announcements to
// public channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jensholdgaard/starfall-bot/internal/metrics"
)

// ErrSendFailed marks a delivery failure. Callers count it and move on.
var ErrSendFailed = errors.New("send failed")

// Notifier sends a direct message to a player.
type Notifier interface {
	Send(ctx context.Context, telegramID int64, text string) error
}

// Announcement is a channel post with an optional link button.
type Announcement struct {
	Title      string
	Body       string
	ButtonText string
	ButtonURL  string
}

// Publisher posts announcements to a channel.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, a Announcement) error
}

// Multi publishes to every publisher. A failing publisher does not stop
// the others; their errors are joined.
type Multi struct {
	publishers []Publisher
	logger     *slog.Logger
}

func NewMulti(logger *slog.Logger, publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers, logger: logger}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Publish(ctx context.Context, a Announcement) error {
	var errs []error
	for _, p := range m.publishers {
		err := p.Publish(ctx, a)
		metrics.AnnouncementsTotal.WithLabelValues(p.Name(), metrics.Outcome(err)).Inc()
		if err != nil {
			m.logger.ErrorContext(ctx, "announcement failed",
				slog.String("publisher", p.Name()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
