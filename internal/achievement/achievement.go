// Package achievement evaluates the fixed achievement table against a
// player snapshot. It performs no I/O; callers persist what was awarded.
package achievement

import (
	"strings"

	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// ID identifies an achievement.
type ID string

const (
	Tycoon         ID = "first_1000"
	Veteran        ID = "level_10"
	PvpKing        ID = "pvp_king"
	ReferralMaster ID = "referral_master"
	DailyFan       ID = "daily_fan"
)

// KeyPrefix prefixes the grant keys of achievement rewards.
const KeyPrefix = "achievement:"

// Rule is one row of the achievement table.
type Rule struct {
	ID          ID
	Name        string
	Description string
	Reward      store.Delta
	Met         func(p store.Player) bool
}

// Award is an achievement earned by a player.
type Award struct {
	ID          ID
	Name        string
	Description string
	Reward      store.Delta
}

var rules = []Rule{
	{
		ID:          Tycoon,
		Name:        "Tycoon",
		Description: "Hold 1000 resources",
		Reward:      store.Delta{Crystals: 50},
		Met:         func(p store.Player) bool { return p.Resources >= 1000 },
	},
	{
		ID:          Veteran,
		Name:        "Veteran",
		Description: "Reach level 10",
		Reward:      store.Delta{Crystals: 100, Resources: 500},
		Met:         func(p store.Player) bool { return p.Level >= 10 },
	},
	{
		ID:          PvpKing,
		Name:        "PvP King",
		Description: "Win 50 PvP battles",
		Reward:      store.Delta{Crystals: 200},
		Met:         func(p store.Player) bool { return p.Wins >= 50 },
	},
	{
		ID:          ReferralMaster,
		Name:        "Referral Master",
		Description: "Invite 10 friends",
		Reward:      store.Delta{Crystals: 300},
		Met:         func(p store.Player) bool { return p.ReferralsCount >= 10 },
	},
	{
		ID:          DailyFan,
		Name:        "Devoted Player",
		Description: "Claim the daily reward 30 days in a row",
		Reward:      store.Delta{Crystals: 500},
		Met:         func(p store.Player) bool { return p.DailyStreak >= 30 },
	},
}

// Evaluate returns every achievement p qualifies for that is not in awarded,
// in table order.
func Evaluate(p store.Player, awarded map[ID]bool) []Award {
	var out []Award
	for _, r := range rules {
		if awarded[r.ID] || !r.Met(p) {
			continue
		}
		out = append(out, Award{ID: r.ID, Name: r.Name, Description: r.Description, Reward: r.Reward})
	}
	return out
}

// GrantKey returns the reward grant key of an achievement.
func GrantKey(id ID) string { return KeyPrefix + string(id) }

// AwardedSet rebuilds the awarded set from persisted grant keys. Keys
// without the achievement prefix are ignored.
func AwardedSet(keys []string) map[ID]bool {
	set := make(map[ID]bool, len(keys))
	for _, k := range keys {
		if id, ok := strings.CutPrefix(k, KeyPrefix); ok {
			set[ID(id)] = true
		}
	}
	return set
}
