package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jensholdgaard/starfall-bot/internal/metrics"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// ErrUnknownItem is returned for an upgrade or effect the shop does not sell.
var ErrUnknownItem = errors.New("unknown shop item")

// UpgradeLine is an upgrade sold level by level. Level n costs BaseCost*n crystals.
type UpgradeLine struct {
	Type     string
	BaseCost int64
	MaxLevel int
}

// Cost returns the crystal price of reaching level.
func (u UpgradeLine) Cost(level int) int64 { return u.BaseCost * int64(level) }

// UpgradeLines lists the upgrades players can buy.
var UpgradeLines = map[string]UpgradeLine{
	"mining":  {Type: "mining", BaseCost: 20, MaxLevel: 10},
	"storage": {Type: "storage", BaseCost: 15, MaxLevel: 10},
	"attack":  {Type: "attack", BaseCost: 30, MaxLevel: 10},
	"defense": {Type: "defense", BaseCost: 30, MaxLevel: 10},
}

// Effects lists the timed effects players can buy.
var Effects = map[store.EffectKind]store.Effect{
	store.EffectBoost:  {Kind: store.EffectBoost, Duration: 24 * time.Hour, Cost: 50},
	store.EffectShield: {Kind: store.EffectShield, Duration: 8 * time.Hour, Cost: 30},
}

// UpgradeTypes returns the sold upgrade types in a stable order.
func UpgradeTypes() []string {
	types := make([]string, 0, len(UpgradeLines))
	for t := range UpgradeLines {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// BuyUpgrade spends crystals on the next level of an upgrade line.
func (m *Manager) BuyUpgrade(ctx context.Context, telegramID int64, upgradeType string) (*store.UpgradePurchase, error) {
	ctx, span := m.start(ctx, "BuyUpgrade", telegramID, attribute.String("upgrade", upgradeType))
	defer span.End()

	line, ok := UpgradeLines[upgradeType]
	if !ok {
		return nil, fail(span, fmt.Errorf("upgrade %q: %w", upgradeType, ErrUnknownItem))
	}
	res, err := m.players.BuyUpgrade(ctx, store.UpgradeOrder{
		TelegramID: telegramID,
		Type:       line.Type,
		MaxLevel:   line.MaxLevel,
		Cost:       line.Cost,
	})
	if err != nil {
		return nil, fail(span, fmt.Errorf("buying upgrade: %w", err))
	}
	metrics.CrystalsSpentTotal.WithLabelValues("upgrade").Add(float64(res.Cost))
	m.logger.InfoContext(ctx, "upgrade bought",
		slog.Int64("telegram_id", telegramID),
		slog.String("upgrade", line.Type),
		slog.Int("level", res.Upgrade.Level),
		slog.Int64("cost", res.Cost),
	)
	return res, nil
}

// Upgrades lists the upgrade levels of a player.
func (m *Manager) Upgrades(ctx context.Context, telegramID int64) ([]store.Upgrade, error) {
	ctx, span := m.start(ctx, "Upgrades", telegramID)
	defer span.End()

	upgrades, err := m.players.Upgrades(ctx, telegramID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing upgrades: %w", err))
	}
	return upgrades, nil
}

// ActivateEffect buys a boost or shield. Buying it again while it runs
// extends it.
func (m *Manager) ActivateEffect(ctx context.Context, telegramID int64, kind store.EffectKind) (*store.Player, error) {
	ctx, span := m.start(ctx, "ActivateEffect", telegramID, attribute.String("effect", string(kind)))
	defer span.End()

	e, ok := Effects[kind]
	if !ok {
		return nil, fail(span, fmt.Errorf("effect %q: %w", kind, ErrUnknownItem))
	}
	p, err := m.players.ActivateEffect(ctx, telegramID, e)
	if err != nil {
		return nil, fail(span, fmt.Errorf("activating %s: %w", kind, err))
	}
	metrics.CrystalsSpentTotal.WithLabelValues(string(kind)).Add(float64(e.Cost))
	m.logger.InfoContext(ctx, "effect activated",
		slog.Int64("telegram_id", telegramID),
		slog.String("effect", string(kind)),
		slog.Time("until", p.Until(kind)),
	)
	return p, nil
}
