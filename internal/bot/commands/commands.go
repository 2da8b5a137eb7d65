package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/starfall-bot/internal/analytics"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/event"
	"github.com/jensholdgaard/starfall-bot/internal/metrics"
	"github.com/jensholdgaard/starfall-bot/internal/promo"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// TopLimit is the number of players listed by /top.
const TopLimit = 10

// API is the part of the Telegram client the handlers use.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Economy is the player state behind the commands.
type Economy interface {
	GetOrCreate(ctx context.Context, telegramID int64, p store.Profile) (*store.Player, bool, error)
	Player(ctx context.Context, telegramID int64) (*store.Player, error)
	RecordReferral(ctx context.Context, referrerID, referredID int64) (bool, error)
	ClaimDailyReward(ctx context.Context, telegramID int64) (*store.DailyClaim, error)
	CompletePurchase(ctx context.Context, p event.Purchase) (*store.Player, error)
	RecordFailedPurchase(ctx context.Context, p event.Purchase) error
	TopPlayers(ctx context.Context, limit int) ([]store.Player, error)
}

// Analytics backs the admin reports.
type Analytics interface {
	DailyReport(ctx context.Context) (*analytics.Report, error)
	EconomyBalance(ctx context.Context) (*analytics.Economy, error)
}

// Promotions backs the admin campaign commands.
type Promotions interface {
	BroadcastToActive(ctx context.Context, text string) (promo.Result, error)
	RunWeeklyContest(ctx context.Context) (promo.Result, error)
	PublishPromo(ctx context.Context, p promo.Promo) error
	ActivatePromo(ctx context.Context, code string, telegramID int64) (*store.Promo, error)
	ActivatedPromo(ctx context.Context, code string, telegramID int64) (*store.Promo, error)
	BestPromo(ctx context.Context, telegramID int64) (*store.Promo, error)
}

// Pack is a crystal bundle sold for Telegram Stars.
type Pack struct {
	Crystals int64
	Stars    int
}

// Packs lists the bundles offered by /buy.
var Packs = []Pack{
	{Crystals: 100, Stars: 50},
	{Crystals: 550, Stars: 250},
	{Crystals: 1200, Stars: 500},
}

// Handlers process Telegram updates.
type Handlers struct {
	api         API
	economy     Economy
	analytics   Analytics
	promotions  Promotions
	adminID     int64
	botUsername string
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(api API, economy Economy, an Analytics, promotions Promotions, cfg config.TelegramConfig, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		api:         api,
		economy:     economy,
		analytics:   an,
		promotions:  promotions,
		adminID:     cfg.AdminID,
		botUsername: cfg.BotUsername,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/starfall-bot/internal/bot/commands"),
	}
}

// HandleUpdate dispatches one update.
func (h *Handlers) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	if u.PreCheckoutQuery != nil {
		h.handlePreCheckout(ctx, u.PreCheckoutQuery)
		return
	}
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}
	switch {
	case msg.SuccessfulPayment != nil:
		h.handlePayment(ctx, msg)
		return
	case len(msg.NewChatMembers) > 0:
		h.handleNewMembers(ctx, msg)
		return
	case !msg.IsCommand():
		return
	}

	name := msg.Command()
	ctx, span := h.tracer.Start(ctx, "HandleUpdate",
		trace.WithAttributes(
			attribute.String("command", name),
			attribute.Int64("telegram_id", msg.From.ID),
		),
	)
	defer span.End()

	switch name {
	case "start":
		h.handleStart(ctx, msg)
	case "daily":
		h.handleDaily(ctx, msg)
	case "profile":
		h.handleProfile(ctx, msg)
	case "top":
		h.handleTop(ctx, msg)
	case "buy":
		h.handleBuy(ctx, msg)
	case "admin":
		h.handleAdmin(ctx, msg)
	default:
		name = "unknown"
		h.reply(ctx, msg.Chat.ID, "Unknown command")
	}
	metrics.CommandsTotal.WithLabelValues(name).Inc()
}

func profile(u *tgbotapi.User) store.Profile {
	return store.Profile{Username: u.UserName, FirstName: u.FirstName}
}

func (h *Handlers) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	id := msg.From.ID
	p, created, err := h.economy.GetOrCreate(ctx, id, profile(msg.From))
	if err != nil {
		h.logger.ErrorContext(ctx, "creating player failed", slog.Int64("telegram_id", id), slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ Something went wrong, please try again later.")
		return
	}

	payload := msg.CommandArguments()
	if ref, ok := strings.CutPrefix(payload, "ref_"); ok && created {
		h.linkReferral(ctx, ref, id)
	}

	text := fmt.Sprintf("🚀 Welcome to Starfall Empire, %s!\n\n"+
		"Build stations, fight other commanders and collect rewards.\n\n"+
		"/daily - claim your daily reward\n"+
		"/profile - your empire\n"+
		"/top - the strongest commanders\n"+
		"/buy - crystal packs\n\n"+
		"Invite friends: https://t.me/%s?start=ref_%d",
		displayName(*p), h.botUsername, id)
	if code, ok := strings.CutPrefix(payload, "promo_"); ok && code != "" {
		text += h.activatePromo(ctx, code, id)
	}
	h.reply(ctx, msg.Chat.ID, text)
}

// activatePromo redeems a deep-linked promo code and returns the line
// appended to the welcome text.
func (h *Handlers) activatePromo(ctx context.Context, code string, id int64) string {
	p, err := h.promotions.ActivatePromo(ctx, code, id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		return fmt.Sprintf("\n\n⚠️ Promo code %s is not valid or has expired.", code)
	case err != nil:
		h.logger.ErrorContext(ctx, "activating promo failed", slog.Int64("telegram_id", id), slog.String("code", code), slog.Any("error", err))
		return "\n\n⚠️ Your promo code could not be activated right now, please try the link again later."
	}
	return fmt.Sprintf("\n\n🎁 Promo code %s activated: -%d%% on crystal packs until %s!",
		p.Code, p.Percent, p.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
}

// linkReferral records the referral of a player created by this /start.
// Unknown or invalid referrers are ignored.
func (h *Handlers) linkReferral(ctx context.Context, raw string, referredID int64) {
	referrerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		h.logger.DebugContext(ctx, "ignoring malformed referral payload", slog.String("payload", raw))
		return
	}
	if _, err := h.economy.RecordReferral(ctx, referrerID, referredID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, event.ErrInvalidRecord) {
			h.logger.DebugContext(ctx, "ignoring referral", slog.Int64("referrer_id", referrerID), slog.Any("error", err))
			return
		}
		h.logger.ErrorContext(ctx, "recording referral failed", slog.Int64("referrer_id", referrerID), slog.Any("error", err))
	}
}

func (h *Handlers) handleDaily(ctx context.Context, msg *tgbotapi.Message) {
	id := msg.From.ID
	if _, _, err := h.economy.GetOrCreate(ctx, id, profile(msg.From)); err != nil {
		h.logger.ErrorContext(ctx, "creating player failed", slog.Int64("telegram_id", id), slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ Something went wrong, please try again later.")
		return
	}
	claim, err := h.economy.ClaimDailyReward(ctx, id)
	switch {
	case errors.Is(err, store.ErrAlreadyClaimed):
		h.reply(ctx, msg.Chat.ID, "⏳ You already claimed today's reward. Come back tomorrow!")
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "daily claim failed", slog.Int64("telegram_id", id), slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ Something went wrong, please try again later.")
		return
	}
	text := fmt.Sprintf("🎁 *Day %d reward!*\n\n+%d resources", claim.Player.DailyStreak, claim.Reward.Resources)
	if claim.Reward.Crystals > 0 {
		text += fmt.Sprintf("\n+%d 💎 weekly bonus", claim.Reward.Crystals)
	}
	h.replyMarkdown(ctx, msg.Chat.ID, text)
}

func (h *Handlers) handleProfile(ctx context.Context, msg *tgbotapi.Message) {
	p, err := h.economy.Player(ctx, msg.From.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.reply(ctx, msg.Chat.ID, "You have no empire yet. Use /start first.")
			return
		}
		h.logger.ErrorContext(ctx, "loading profile failed", slog.Int64("telegram_id", msg.From.ID), slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ Something went wrong, please try again later.")
		return
	}
	h.replyMarkdown(ctx, msg.Chat.ID, fmt.Sprintf("👤 *%s*\n\n"+
		"⭐ Level: %d\n"+
		"⚙️ Resources: %d\n"+
		"💎 Crystals: %d\n"+
		"🔥 Daily streak: %d\n"+
		"⚔️ PvP: %d wins / %d losses (%d%%)\n"+
		"🤝 Referrals: %d",
		escape(displayName(*p)), p.Level, p.Resources, p.Crystals, p.DailyStreak,
		p.Wins, p.Losses, p.WinRate(), p.ReferralsCount))
}

func (h *Handlers) handleTop(ctx context.Context, msg *tgbotapi.Message) {
	players, err := h.economy.TopPlayers(ctx, TopLimit)
	if err != nil {
		h.logger.ErrorContext(ctx, "listing top players failed", slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ Something went wrong, please try again later.")
		return
	}
	if len(players) == 0 {
		h.reply(ctx, msg.Chat.ID, "No commanders yet.")
		return
	}
	var b strings.Builder
	b.WriteString("🏆 *Top commanders*\n\n")
	for i, p := range players {
		fmt.Fprintf(&b, "%d. %s - level %d, %d 💎\n", i+1, escape(displayName(p)), p.Level, p.Crystals)
	}
	h.replyMarkdown(ctx, msg.Chat.ID, b.String())
}

// handleBuy sends one invoice per pack, discounted by the best promo the
// player has activated.
func (h *Handlers) handleBuy(ctx context.Context, msg *tgbotapi.Message) {
	discount, err := h.promotions.BestPromo(ctx, msg.From.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "loading promo failed, selling at full price", slog.Int64("telegram_id", msg.From.ID), slog.Any("error", err))
	}
	for _, pack := range Packs {
		title := fmt.Sprintf("%d crystals", pack.Crystals)
		stars, code := pack.Stars, ""
		if discount != nil {
			stars, code = discount.Discount(pack.Stars), discount.Code
			title += fmt.Sprintf(" (-%d%%)", discount.Percent)
		}
		inv := tgbotapi.NewInvoice(msg.Chat.ID,
			title,
			"Crystals for boosts, shields and upgrades in Starfall Empire",
			packPayload(pack.Crystals, code),
			"", "", "XTR",
			[]tgbotapi.LabeledPrice{{Label: "Crystals", Amount: stars}},
		)
		inv.SuggestedTipAmounts = []int{}
		if _, err := h.api.Send(inv); err != nil {
			h.logger.ErrorContext(ctx, "sending invoice failed", slog.Int64("telegram_id", msg.From.ID), slog.Any("error", err))
			h.reply(ctx, msg.Chat.ID, "❌ The shop is unavailable right now.")
			return
		}
	}
}

// packPayload encodes an invoice as crystals:N or crystals:N:CODE.
func packPayload(crystals int64, code string) string {
	if code == "" {
		return fmt.Sprintf("crystals:%d", crystals)
	}
	return fmt.Sprintf("crystals:%d:%s", crystals, code)
}

// parsePayload returns the pack and promo code of an invoice payload.
func parsePayload(payload string) (Pack, string, bool) {
	raw, ok := strings.CutPrefix(payload, "crystals:")
	if !ok {
		return Pack{}, "", false
	}
	raw, code, _ := strings.Cut(raw, ":")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Pack{}, "", false
	}
	for _, p := range Packs {
		if p.Crystals == n {
			return p, code, true
		}
	}
	return Pack{}, "", false
}

// priceMatches reports whether a checkout charges what the invoice offered:
// the pack price, or the discounted price of a running promo the payer
// activated.
func (h *Handlers) priceMatches(ctx context.Context, q *tgbotapi.PreCheckoutQuery) bool {
	pack, code, ok := parsePayload(q.InvoicePayload)
	if !ok {
		return false
	}
	if code == "" {
		return pack.Stars == q.TotalAmount
	}
	if q.From == nil {
		return false
	}
	p, err := h.promotions.ActivatedPromo(ctx, code, q.From.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.ErrorContext(ctx, "loading promo failed", slog.String("code", code), slog.Any("error", err))
		}
		return false
	}
	return p.Discount(pack.Stars) == q.TotalAmount
}

func (h *Handlers) handlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	ctx, span := h.tracer.Start(ctx, "HandlePreCheckout",
		trace.WithAttributes(attribute.String("payload", q.InvoicePayload)),
	)
	defer span.End()

	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: q.ID, OK: true}
	if !h.priceMatches(ctx, q) {
		answer.OK = false
		answer.ErrorMessage = "This offer is no longer available."
	}
	if _, err := h.api.Request(answer); err != nil {
		h.logger.ErrorContext(ctx, "answering pre-checkout failed", slog.String("query_id", q.ID), slog.Any("error", err))
	}
	if answer.OK || q.From == nil {
		return
	}
	declined := event.Purchase{
		TelegramID: q.From.ID,
		ItemType:   "crystals",
		StarsSpent: int64(q.TotalAmount),
		Payload:    q.InvoicePayload,
	}
	if err := h.economy.RecordFailedPurchase(ctx, declined); err != nil {
		h.logger.WarnContext(ctx, "recording declined purchase failed", slog.String("query_id", q.ID), slog.Any("error", err))
	}
}

func (h *Handlers) handlePayment(ctx context.Context, msg *tgbotapi.Message) {
	pay := msg.SuccessfulPayment
	ctx, span := h.tracer.Start(ctx, "HandlePayment",
		trace.WithAttributes(
			attribute.Int64("telegram_id", msg.From.ID),
			attribute.String("payload", pay.InvoicePayload),
		),
	)
	defer span.End()

	purchase := event.Purchase{
		TelegramID: msg.From.ID,
		ItemType:   "crystals",
		StarsSpent: int64(pay.TotalAmount),
		Status:     event.PurchaseCompleted,
		ChargeID:   pay.TelegramPaymentChargeID,
		Payload:    pay.InvoicePayload,
	}
	pack, _, ok := parsePayload(pay.InvoicePayload)
	if !ok {
		h.logger.ErrorContext(ctx, "payment for unknown pack", slog.Int64("telegram_id", msg.From.ID), slog.String("payload", pay.InvoicePayload))
		h.reply(ctx, msg.Chat.ID, "❌ We could not match your payment. Please contact support.")
		return
	}
	purchase.ItemID = strconv.FormatInt(pack.Crystals, 10)
	purchase.Amount = pack.Crystals
	purchase.CrystalsReceived = pack.Crystals

	if _, _, err := h.economy.GetOrCreate(ctx, msg.From.ID, profile(msg.From)); err != nil {
		h.logger.ErrorContext(ctx, "creating player failed", slog.Int64("telegram_id", msg.From.ID), slog.Any("error", err))
		return
	}
	p, err := h.economy.CompletePurchase(ctx, purchase)
	switch {
	case errors.Is(err, store.ErrDuplicate):
		h.logger.WarnContext(ctx, "duplicate payment ignored", slog.String("charge_id", pay.TelegramPaymentChargeID))
		return
	case err != nil:
		h.logger.ErrorContext(ctx, "completing purchase failed", slog.Int64("telegram_id", msg.From.ID), slog.Any("error", err))
		h.reply(ctx, msg.Chat.ID, "❌ We could not credit your crystals. Please contact support.")
		return
	}
	h.reply(ctx, msg.Chat.ID, fmt.Sprintf("✅ Thank you! +%d 💎\nBalance: %d 💎", pack.Crystals, p.Crystals))
}

func (h *Handlers) handleNewMembers(ctx context.Context, msg *tgbotapi.Message) {
	for _, m := range msg.NewChatMembers {
		if m.IsBot {
			continue
		}
		text := fmt.Sprintf("🎮 Welcome to *Starfall Empire*, %s!\n\n"+
			"A space strategy right inside Telegram:\n"+
			"🎯 build stations\n⚔️ fight other players\n💫 collect rewards", escape(m.FirstName))
		out := tgbotapi.NewMessage(msg.Chat.ID, text)
		out.ParseMode = tgbotapi.ModeMarkdown
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("🚀 PLAY NOW", fmt.Sprintf("https://t.me/%s?start=welcome", h.botUsername)),
		))
		if _, err := h.api.Send(out); err != nil {
			h.logger.WarnContext(ctx, "sending welcome failed", slog.Int64("chat_id", msg.Chat.ID), slog.Any("error", err))
		}
	}
}

const adminHelp = "🛠 *Admin panel*\n\n" +
	"/admin stats - statistics\n" +
	"/admin broadcast TEXT - message active players\n" +
	"/admin contest - run the weekly contest\n" +
	"/admin promo CODE PERCENT YYYY-MM-DD - promo campaign\n" +
	"/admin economy - economy balance"

func (h *Handlers) handleAdmin(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From.ID != h.adminID {
		h.logger.WarnContext(ctx, "admin command denied", slog.Int64("telegram_id", msg.From.ID))
		h.reply(ctx, msg.Chat.ID, "⛔ Access denied")
		return
	}

	sub, rest, _ := strings.Cut(strings.TrimSpace(msg.CommandArguments()), " ")
	rest = strings.TrimSpace(rest)
	var (
		text string
		err  error
	)
	switch sub {
	case "stats":
		text, err = h.adminStats(ctx)
	case "broadcast":
		text, err = h.adminBroadcast(ctx, rest)
	case "contest":
		text, err = h.adminContest(ctx)
	case "promo":
		text, err = h.adminPromo(ctx, rest)
	case "economy":
		text, err = h.adminEconomy(ctx)
	default:
		text = adminHelp
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "admin command failed", slog.String("subcommand", sub), slog.Any("error", err))
		if errors.Is(err, promo.ErrInvalidPromo) {
			h.reply(ctx, msg.Chat.ID, fmt.Sprintf("❌ %s", err))
			return
		}
		h.reply(ctx, msg.Chat.ID, "❌ Command failed")
		return
	}
	h.replyMarkdown(ctx, msg.Chat.ID, text)
}

func (h *Handlers) adminStats(ctx context.Context) (string, error) {
	r, err := h.analytics.DailyReport(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("📊 *ADMIN STATS*\n\n"+
		"📅 Date: %s\n\n"+
		"👥 *Players:*\nTotal: %d\nNew today: %d\nActive today: %d\n\n"+
		"💰 *Revenue:*\nStars today: %d\nPurchases today: %d\nAverage purchase: %d⭐\n\n"+
		"🎮 *Gameplay:*\nPvP battles: %d\nDaily rewards: %d\nResources collected: %d\n\n"+
		"📈 *Retention:*\nDay 1: %s\nDay 7: %s\nDay 30: %s",
		r.Date,
		r.Players.Total, r.Players.NewToday, r.Players.ActiveToday,
		r.Revenue.StarsToday, r.Revenue.PurchasesToday, r.Revenue.AvgPurchase,
		r.Gameplay.PvpBattlesToday, r.Gameplay.DailyRewardsClaimed, r.Gameplay.ResourcesCollected,
		r.Retention.Day1, r.Retention.Day7, r.Retention.Day30,
	), nil
}

func (h *Handlers) adminBroadcast(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "Usage: /admin broadcast TEXT", nil
	}
	res, err := h.promotions.BroadcastToActive(ctx, text)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Broadcast sent: %d succeeded, %d failed", res.Succeeded, res.Failed), nil
}

func (h *Handlers) adminContest(ctx context.Context) (string, error) {
	res, err := h.promotions.RunWeeklyContest(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Contest finished: %d rewarded, %d failed", res.Succeeded, res.Failed), nil
}

// adminPromo parses "CODE PERCENT YYYY-MM-DD".
func (h *Handlers) adminPromo(ctx context.Context, args string) (string, error) {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) != 3 {
		return "Usage: /admin promo CODE PERCENT YYYY-MM-DD", nil
	}
	percent, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", fmt.Errorf("%w: percent %q is not a number", promo.ErrInvalidPromo, fields[1])
	}
	p := promo.Promo{Code: fields[0], Percent: percent, ValidUntil: strings.TrimSpace(fields[2])}
	if err := h.promotions.PublishPromo(ctx, p); err != nil {
		return "", err
	}
	return "✅ Promo campaign published!", nil
}

func (h *Handlers) adminEconomy(ctx context.Context) (string, error) {
	e, err := h.analytics.EconomyBalance(ctx)
	if err != nil {
		return "", err
	}
	verdict := "⚠️ Spending needs a push"
	if e.Healthy {
		verdict = "✅ Healthy economy"
	}
	return fmt.Sprintf("💰 *ECONOMY BALANCE*\n\n"+
		"Players: %d\n"+
		"Crystals in game: %d 💎\n"+
		"Crystals purchased: %d 💎\n"+
		"Crystals spent: %d 💎\n"+
		"Velocity: %.2f\n\n"+
		"*Verdict:* %s",
		e.TotalPlayers, e.TotalCrystalsInGame, e.TotalPurchasedCrystals, e.TotalCrystalsSpent,
		e.CrystalVelocity, verdict,
	), nil
}

func displayName(p store.Player) string {
	switch {
	case p.Username != "":
		return "@" + p.Username
	case p.FirstName != "":
		return p.FirstName
	default:
		return fmt.Sprintf("Commander %d", p.TelegramID)
	}
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func (h *Handlers) reply(ctx context.Context, chatID int64, text string) {
	h.send(ctx, tgbotapi.NewMessage(chatID, text))
}

func (h *Handlers) replyMarkdown(ctx context.Context, chatID int64, text string) {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = tgbotapi.ModeMarkdown
	h.send(ctx, out)
}

func (h *Handlers) send(ctx context.Context, out tgbotapi.MessageConfig) {
	if _, err := h.api.Send(out); err != nil {
		h.logger.WarnContext(ctx, "sending reply failed", slog.Int64("chat_id", out.ChatID), slog.Any("error", err))
	}
}
