// Package event defines the immutable records of the economy log. Every
// record is a tagged variant validated before it reaches storage.
package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrInvalidRecord is returned when a record fails validation.
var ErrInvalidRecord = errors.New("invalid record")

// Kind identifies a record variant.
type Kind string

const (
	KindPurchase    Kind = "purchase"
	KindBattle      Kind = "battle"
	KindDailyReward Kind = "daily_reward"
	KindReferral    Kind = "referral"
)

// Record is implemented by every log record variant.
type Record interface {
	Kind() Kind
	Validate() error
}

// Log is the append-only writer side of the economy log.
type Log interface {
	// Append validates and inserts one record, returning its id.
	Append(ctx context.Context, r Record) (string, error)
}

// PurchaseStatus is the state of a Telegram Stars purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Purchase records a Telegram Stars payment.
type Purchase struct {
	ID               string
	TelegramID       int64
	ItemType         string
	ItemID           string
	Amount           int64
	StarsSpent       int64
	CrystalsReceived int64
	Status           PurchaseStatus
	ChargeID         string // telegram_payment_charge_id; unique when set
	Payload          string
	CreatedAt        time.Time
}

// Battle records one PvP fight.
type Battle struct {
	ID          string
	AttackerID  int64
	DefenderID  int64
	AttackerWon bool
	Stolen      int64
	Log         json.RawMessage
	CreatedAt   time.Time
}

// DailyReward records one daily reward claim.
type DailyReward struct {
	ID         string
	TelegramID int64
	Day        int // streak day the claim was made on
	Resources  int64
	Crystals   int64
	CreatedAt  time.Time
}

// Referral records a new referral link.
type Referral struct {
	ID          string
	ReferrerID  int64
	ReferredID  int64
	RewardGiven bool
	CreatedAt   time.Time
}

func (Purchase) Kind() Kind    { return KindPurchase }
func (Battle) Kind() Kind      { return KindBattle }
func (DailyReward) Kind() Kind { return KindDailyReward }
func (Referral) Kind() Kind    { return KindReferral }

// Validate checks the purchase fields.
func (p Purchase) Validate() error {
	switch {
	case p.TelegramID == 0:
		return invalid(p, "missing player")
	case p.ItemType == "":
		return invalid(p, "missing item type")
	case p.StarsSpent < 0 || p.CrystalsReceived < 0 || p.Amount < 0:
		return invalid(p, "negative amount")
	}
	switch p.Status {
	case PurchasePending, PurchaseCompleted, PurchaseFailed:
	default:
		return invalid(p, fmt.Sprintf("unknown status %q", p.Status))
	}
	if p.Status == PurchaseCompleted && p.ChargeID == "" {
		return invalid(p, "completed purchase without charge id")
	}
	return nil
}

// Validate checks the battle fields.
func (b Battle) Validate() error {
	switch {
	case b.AttackerID == 0 || b.DefenderID == 0:
		return invalid(b, "missing player")
	case b.AttackerID == b.DefenderID:
		return invalid(b, "player cannot attack themselves")
	case b.Stolen < 0:
		return invalid(b, "negative stolen amount")
	case !b.AttackerWon && b.Stolen != 0:
		return invalid(b, "resources transferred on a lost attack")
	case len(b.Log) > 0 && !json.Valid(b.Log):
		return invalid(b, "battle log is not valid JSON")
	}
	return nil
}

// Validate checks the daily reward fields.
func (d DailyReward) Validate() error {
	switch {
	case d.TelegramID == 0:
		return invalid(d, "missing player")
	case d.Day < 1:
		return invalid(d, "day must be positive")
	case d.Resources < 0 || d.Crystals < 0:
		return invalid(d, "negative reward")
	}
	return nil
}

// Validate checks the referral fields.
func (r Referral) Validate() error {
	switch {
	case r.ReferrerID == 0 || r.ReferredID == 0:
		return invalid(r, "missing player")
	case r.ReferrerID == r.ReferredID:
		return invalid(r, "self referral")
	}
	return nil
}

func invalid(r Record, reason string) error {
	return fmt.Errorf("%s: %s: %w", r.Kind(), reason, ErrInvalidRecord)
}
