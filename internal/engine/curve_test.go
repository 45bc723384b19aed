package engine

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

func TestCurveOut(t *testing.T) {
	// An empty pool prices just under 1:1 (the 0.3% fee plus virtual-reserve
	// slippage).
	out := curveOut(ether(1), InitialReserve, new(big.Int))
	assert.True(t, out.Cmp(ether(1)) < 0)
	floor := new(big.Int).Quo(new(big.Int).Mul(ether(1), big.NewInt(99)), big.NewInt(100))
	assert.True(t, out.Cmp(floor) > 0, "out %s below 99%% of input", out)

	// With stake in the pool the price worsens.
	reserve := new(big.Int).Sub(InitialReserve, out)
	second := curveOut(ether(1), reserve, ether(1))
	assert.True(t, second.Cmp(out) < 0)
}

func TestCurveEarlyStakerGetsMoreShares(t *testing.T) {
	s := newTestMarket(t, domain.PricingCurve)
	ctx := context.Background()

	early := position("early", domain.OutcomeA)
	late := position("late", domain.OutcomeA)

	require.NoError(t, s.m.Stake(ctx, early, ether(1)))
	require.NoError(t, s.m.Stake(ctx, late, ether(1)))

	assert.True(t, early.Shares.Cmp(late.Shares) > 0,
		"early shares %s <= late shares %s", early.Shares, late.Shares)

	pool := s.m.Pools()[domain.OutcomeA]
	assert.Equal(t, ether(2), pool.TotalStaked)
	sold := new(big.Int).Sub(InitialReserve, pool.Reserve)
	assert.Equal(t, new(big.Int).Add(early.Shares, late.Shares), sold)
}

func TestCurveClaimProRata(t *testing.T) {
	s := newTestMarket(t, domain.PricingCurve)
	ctx := context.Background()

	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	c := position("c", domain.OutcomeB)

	require.NoError(t, s.m.Stake(ctx, a, ether(5)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))
	require.NoError(t, s.m.Stake(ctx, c, ether(2)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeB))

	pot := ether(8)
	sold := new(big.Int).Sub(InitialReserve, s.m.Pools()[domain.OutcomeB].Reserve)
	sharesB := new(big.Int).Set(b.Shares)

	payoutB, err := s.m.Claim(ctx, b)
	require.NoError(t, err)
	wantB := new(big.Int).Mul(pot, sharesB)
	wantB.Quo(wantB, sold)
	assert.Equal(t, wantB, payoutB.Total)

	payoutC, err := s.m.Claim(ctx, c)
	require.NoError(t, err)

	// The two winners split the entire pot by share ownership; rounding dust
	// may leave at most a few units unpaid.
	paid := new(big.Int).Add(payoutB.Total, payoutC.Total)
	dust := new(big.Int).Sub(pot, paid)
	assert.True(t, dust.Sign() >= 0)
	assert.True(t, dust.Cmp(big.NewInt(1000)) < 0, "dust %s", dust)

	// b entered first with half of c's stake but better pricing, so b's
	// payout exceeds half of c's.
	half := new(big.Int).Quo(payoutC.Total, big.NewInt(2))
	assert.True(t, payoutB.Total.Cmp(half) > 0)

	// Losing side cannot claim.
	_, err = s.m.Claim(ctx, a)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)

	// Shares are burned; a second claim has nothing left.
	_, err = s.m.Claim(ctx, b)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
}

func TestCurveClaimTransferFailureRestoresShares(t *testing.T) {
	s := newTestMarket(t, domain.PricingCurve)
	ctx := context.Background()
	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, a, ether(1)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))

	sharesBefore := new(big.Int).Set(a.Shares)
	s.treasury.failNext = true
	_, err := s.m.Claim(ctx, a)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, sharesBefore, a.Shares)

	_, err = s.m.Claim(ctx, a)
	require.NoError(t, err)
}
