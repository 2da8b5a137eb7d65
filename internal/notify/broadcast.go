package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Result counts the outcome of a batch operation.
type Result struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Broadcaster sends one message to many players with bounded concurrency
// and a global send rate.
type Broadcaster struct {
	notifier    Notifier
	concurrency int
	limiter     *rate.Limiter
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewBroadcaster returns a Broadcaster running at most concurrency sends at
// once and perSecond sends per second. perSecond <= 0 disables throttling.
func NewBroadcaster(n Notifier, concurrency int, perSecond float64, logger *slog.Logger, tp trace.TracerProvider) *Broadcaster {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Broadcaster{
		notifier:    n,
		concurrency: max(concurrency, 1),
		limiter:     rate.NewLimiter(limit, 1),
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/notify"),
	}
}

// Broadcast sends text to every recipient. Individual failures are logged
// and counted; they never abort the batch.
func (b *Broadcaster) Broadcast(ctx context.Context, recipients []int64, text string) Result {
	ctx, span := b.tracer.Start(ctx, "Broadcaster.Broadcast",
		trace.WithAttributes(attribute.Int("recipients", len(recipients))),
	)
	defer span.End()

	var sent, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, id := range recipients {
		g.Go(func() error {
			if err := b.limiter.Wait(ctx); err != nil {
				failed.Add(1)
				return nil
			}
			if err := b.notifier.Send(ctx, id, text); err != nil {
				failed.Add(1)
				b.logger.WarnContext(ctx, "broadcast send failed",
					slog.Int64("telegram_id", id),
					slog.Any("error", err),
				)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Succeeded: int(sent.Load()), Failed: int(failed.Load())}
	span.SetAttributes(attribute.Int("succeeded", res.Succeeded), attribute.Int("failed", res.Failed))
	b.logger.InfoContext(ctx, "broadcast finished",
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
	)
	return res
}
