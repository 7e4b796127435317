package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	require.Equal(t, 0, TierFree.Rank())
	require.Equal(t, 1, TierJive.Rank())
	require.Equal(t, 2, TierJigga.Rank())

	require.True(t, TierJigga.AtLeast(TierJive))
	require.True(t, TierJive.AtLeast(TierJive))
	require.False(t, TierFree.AtLeast(TierJive))
}

func TestTierPlans(t *testing.T) {
	require.EqualValues(t, 0, TierFree.Plan().MonthlyCredits)
	require.EqualValues(t, 50, TierFree.Plan().ImagesLimit)
	require.EqualValues(t, 500_000, TierJive.Plan().MonthlyCredits)
	require.EqualValues(t, 200, TierJive.Plan().ImagesLimit)
	require.EqualValues(t, 2_000_000, TierJigga.Plan().MonthlyCredits)
	require.EqualValues(t, 1_000, TierJigga.Plan().ImagesLimit)

	// Unknown tiers are treated as FREE rather than panicking.
	require.Equal(t, TierFree.Plan(), Tier("MYSTERY").Plan())
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("JIVE")
	require.True(t, ok)
	require.Equal(t, TierJive, tier)

	_, ok = ParseTier("jive")
	require.False(t, ok, "parsing is case sensitive; callers normalise first")

	_, ok = ParseTier("")
	require.False(t, ok)
}

func TestSubscriptionAvailableClampsAtZero(t *testing.T) {
	sub := Subscription{Credits: 100, MonthlyCredits: 500, CreditsUsed: 250}
	require.EqualValues(t, 350, sub.Available())

	sub.CreditsUsed = 700
	require.EqualValues(t, 0, sub.Available())
}

func TestPercentRemaining(t *testing.T) {
	sub := Subscription{Tier: TierJive, MonthlyCredits: 500_000, CreditsUsed: 460_000}
	require.InDelta(t, 8.0, sub.PercentRemaining(), 0.001)

	// FREE has no monthly allocation, so the scan can never flag it.
	free := Subscription{Tier: TierFree, Credits: 100}
	require.Zero(t, free.PercentRemaining())

	// Purchased balance counts toward the remaining share.
	topped := Subscription{Tier: TierJive, MonthlyCredits: 500_000, CreditsUsed: 500_000, Credits: 50_000}
	require.InDelta(t, 10.0, topped.PercentRemaining(), 0.001)
}
