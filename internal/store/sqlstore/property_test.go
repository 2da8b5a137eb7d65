package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

func TestPlayerRepo_BalanceProperties(t *testing.T) {
	repos := newTestRepos(t, clock.Mock{T: epoch})
	ctx := context.Background()
	var nextID int64

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("balances never go negative and rejected deltas change nothing", prop.ForAll(
		func(resources, crystals []int64) bool {
			nextID++
			id := nextID
			p, _, err := repos.Players.GetOrCreate(ctx, id, store.Profile{})
			if err != nil {
				return false
			}
			wantRes, wantCry, wantSpent := p.Resources, p.Crystals, p.CrystalsSpent

			n := min(len(resources), len(crystals))
			for i := 0; i < n; i++ {
				d := store.Delta{Resources: resources[i], Crystals: crystals[i]}
				_, err := repos.Players.ApplyDelta(ctx, id, d)
				if wantRes+d.Resources < 0 || wantCry+d.Crystals < 0 {
					if !errors.Is(err, store.ErrInvariantViolation) {
						return false
					}
				} else {
					if err != nil {
						return false
					}
					wantRes += d.Resources
					wantCry += d.Crystals
					if d.Crystals < 0 {
						wantSpent -= d.Crystals
					}
				}

				got, err := repos.Players.Get(ctx, id)
				if err != nil || got.Resources < 0 || got.Crystals < 0 {
					return false
				}
				if got.Resources != wantRes || got.Crystals != wantCry || got.CrystalsSpent != wantSpent {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.Int64Range(-150, 150)),
		gen.SliceOfN(12, gen.Int64Range(-20, 20)),
	))

	properties.TestingRun(t)
}

func TestPlayerRepo_GrantRewardOnce(t *testing.T) {
	repos := newTestRepos(t, clock.Mock{T: epoch})
	ctx := context.Background()
	mustCreate(t, repos, 1, "A")

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	var round int
	properties.Property("repeating a grant key applies its delta once", prop.ForAll(
		func(repeats int, crystals int64) bool {
			round++
			before, err := repos.Players.Get(ctx, 1)
			require.NoError(t, err)

			g := store.Grant{
				Key:        fmt.Sprintf("contest:round-%d", round),
				TelegramID: 1,
				Delta:      store.Delta{Crystals: crystals},
				Reason:     "property",
			}
			granted := 0
			for i := 0; i < repeats; i++ {
				ok, err := repos.Players.GrantReward(ctx, g)
				require.NoError(t, err)
				if ok {
					granted++
				}
			}

			after, err := repos.Players.Get(ctx, 1)
			require.NoError(t, err)
			return granted == 1 && after.Crystals == before.Crystals+crystals
		},
		gen.IntRange(1, 4),
		gen.Int64Range(0, 500),
	))

	properties.TestingRun(t)
}
