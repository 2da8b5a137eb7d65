package achievement_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/jensholdgaard/starfall-bot/internal/achievement"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		player  store.Player
		awarded map[achievement.ID]bool
		want    []achievement.ID
	}{
		{
			name:   "fresh player earns nothing",
			player: store.Player{Resources: 100, Level: 1},
		},
		{
			name:   "rich veteran",
			player: store.Player{Resources: 1000, Level: 10},
			want:   []achievement.ID{achievement.Tycoon, achievement.Veteran},
		},
		{
			name:    "already awarded ids are skipped",
			player:  store.Player{Resources: 5000, Level: 12},
			awarded: map[achievement.ID]bool{achievement.Tycoon: true},
			want:    []achievement.ID{achievement.Veteran},
		},
		{
			name:   "every rule at its threshold",
			player: store.Player{Resources: 1000, Level: 10, Wins: 50, ReferralsCount: 10, DailyStreak: 30},
			want: []achievement.ID{
				achievement.Tycoon, achievement.Veteran, achievement.PvpKing,
				achievement.ReferralMaster, achievement.DailyFan,
			},
		},
		{
			name:   "one below every threshold",
			player: store.Player{Resources: 999, Level: 9, Wins: 49, ReferralsCount: 9, DailyStreak: 29},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []achievement.ID
			for _, a := range achievement.Evaluate(tt.player, tt.awarded) {
				got = append(got, a.ID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVeteranReward(t *testing.T) {
	awards := achievement.Evaluate(store.Player{Level: 10}, nil)
	if assert.Len(t, awards, 1) {
		assert.Equal(t, store.Delta{Crystals: 100, Resources: 500}, awards[0].Reward)
	}
}

func TestAwardedSet(t *testing.T) {
	set := achievement.AwardedSet([]string{
		achievement.GrantKey(achievement.Veteran),
		"contest:2025-W11",
		achievement.GrantKey(achievement.DailyFan),
	})
	assert.Equal(t, map[achievement.ID]bool{achievement.Veteran: true, achievement.DailyFan: true}, set)
}

func TestEvaluateProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("Veteran is returned iff level >= 10", prop.ForAll(
		func(level int) bool {
			got := hasAward(achievement.Evaluate(store.Player{Level: level}, nil), achievement.Veteran)
			return got == (level >= 10)
		},
		gen.IntRange(-5, 100),
	))

	properties.Property("an awarded achievement is never returned again", prop.ForAll(
		func(resources int64, level, wins, referrals, streak int) bool {
			p := store.Player{Resources: resources, Level: level, Wins: wins, ReferralsCount: referrals, DailyStreak: streak}
			awarded := map[achievement.ID]bool{}
			for _, a := range achievement.Evaluate(p, awarded) {
				awarded[a.ID] = true
			}
			return len(achievement.Evaluate(p, awarded)) == 0
		},
		gen.Int64Range(0, 5000),
		gen.IntRange(1, 40),
		gen.IntRange(0, 100),
		gen.IntRange(0, 20),
		gen.IntRange(0, 60),
	))

	properties.Property("rewards are never negative", prop.ForAll(
		func(resources int64, level int) bool {
			for _, a := range achievement.Evaluate(store.Player{Resources: resources, Level: level}, nil) {
				if a.Reward.Resources < 0 || a.Reward.Crystals < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 5000),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func hasAward(awards []achievement.Award, id achievement.ID) bool {
	for _, a := range awards {
		if a.ID == id {
			return true
		}
	}
	return false
}
