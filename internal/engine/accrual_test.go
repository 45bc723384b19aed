package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

func TestAccumulatorMonotonic(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	pos := position("a", domain.OutcomeA)

	last := new(big.Int)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.m.Stake(ctx, pos, ether(1)))
		rpu := s.m.Pools()[domain.OutcomeA].RewardPerUnitStored
		assert.True(t, rpu.Cmp(last) >= 0, "accumulator decreased at step %d", i)
		last = new(big.Int).Set(rpu)
		s.clock.Advance(3600)
	}
}

func TestEmptyPoolAccruesNothing(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()

	// Outcome B never receives stake; outcome A churns the clock forward.
	a := position("a", domain.OutcomeA)
	require.NoError(t, s.m.Stake(ctx, a, ether(1)))
	s.clock.T = testEnd - 1
	require.NoError(t, s.m.Stake(ctx, a, ether(1)))

	b := position("b", domain.OutcomeB)
	s.clock.T = testEnd + day
	assert.Zero(t, s.m.Pools()[domain.OutcomeB].RewardPerUnitStored.Sign())
	assert.Zero(t, s.m.Earned(b).Sign())
}

// Accrual stops at the end of the window: a position's earned units are the
// same one second after close and one week after.
func TestAccrualCappedAtEndTime(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	pos := position("a", domain.OutcomeA)
	require.NoError(t, s.m.Stake(ctx, pos, ether(1)))

	s.clock.T = testEnd + 1
	atClose := s.m.Earned(pos)

	s.clock.T = testExpiry + day
	assert.Equal(t, atClose, s.m.Earned(pos))
	assert.Equal(t, big.NewInt(3*day), atClose)
}

// Earlier stake of the same amount on the same outcome earns at least as
// much as a later one, measured at the same time.
func TestTimeWeightingOrdering(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()

	early := position("early", domain.OutcomeA)
	late := position("late", domain.OutcomeA)

	require.NoError(t, s.m.Stake(ctx, early, ether(2)))
	s.clock.Advance(day)
	require.NoError(t, s.m.Stake(ctx, late, ether(2)))

	s.clock.T = testEnd
	earnedEarly := s.m.Earned(early)
	earnedLate := s.m.Earned(late)
	assert.True(t, earnedEarly.Cmp(earnedLate) >= 0,
		"early staker earned %s < late staker %s", earnedEarly, earnedLate)

	// The first day was earned by the early staker alone.
	soloDay := big.NewInt(day)
	diff := new(big.Int).Sub(earnedEarly, earnedLate)
	assert.True(t, diff.Cmp(new(big.Int).Sub(soloDay, big.NewInt(2))) >= 0)
}

// Earned (read-only) must match what a checkpoint would produce. A stake
// checkpoints the position before adding balance, so pending units right
// after a stake equal Earned right before it.
func TestEarnedMatchesCheckpoint(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()

	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeA)
	require.NoError(t, s.m.Stake(ctx, a, ether(3)))
	s.clock.Advance(7200)
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))
	s.clock.Advance(day)

	for _, pos := range []*domain.StakePosition{a, b} {
		want := s.m.Earned(pos)
		require.NoError(t, s.m.Stake(ctx, pos, ether(0.1)))
		assert.Equal(t, want, pos.PendingRewardUnits, "account %s", pos.Account)
	}
}

// Earned never mutates state: repeated probes at the same instant agree, and
// a probe leaves the accumulator untouched.
func TestEarnedIsReadOnly(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	pos := position("a", domain.OutcomeA)
	require.NoError(t, s.m.Stake(ctx, pos, ether(1)))
	s.clock.Advance(1000)

	pool := s.m.Pools()[domain.OutcomeA]
	rpuBefore := new(big.Int).Set(pool.RewardPerUnitStored)
	lastBefore := pool.LastAccrualTime

	first := s.m.Earned(pos)
	second := s.m.Earned(pos)
	assert.Equal(t, first, second)
	assert.Equal(t, rpuBefore, pool.RewardPerUnitStored)
	assert.Equal(t, lastBefore, pool.LastAccrualTime)
}

func TestRewardRateFloors(t *testing.T) {
	assert.Equal(t, big.NewInt(0), rewardRate(big.NewInt(100), 0))
	assert.Equal(t, big.NewInt(3), rewardRate(big.NewInt(10), 3))
	want := new(big.Int).Quo(ether(5), big.NewInt(3*day))
	assert.Equal(t, want, rewardRate(ether(5), 3*day))
}
