package engine

import (
	"context"
	"math/big"

	"github.com/predictlabs/settler/internal/domain"
)

// InitialReserve is the synthetic share reserve each curve pool starts with.
// Large relative to realistic stake sizes so early slippage stays gentle.
var InitialReserve = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)

var (
	feeNum   = big.NewInt(997)
	feeDenom = big.NewInt(1000)
)

// curveOut prices a stake of amountIn against the pool's synthetic share
// reserve using a 0.3%-fee constant-product swap. The value side of the pair
// is seeded with a virtual reserve equal to the initial share reserve, so an
// empty pool prices near 1:1 instead of handing the whole reserve to the
// first staker:
//
//	out = in·997·reserve / ((virtual + totalStaked)·1000 + in·997)
func curveOut(amountIn, reserve, totalStaked *big.Int) *big.Int {
	inWithFee := new(big.Int).Mul(amountIn, feeNum)
	num := new(big.Int).Mul(inWithFee, reserve)
	denom := new(big.Int).Add(InitialReserve, totalStaked)
	denom.Mul(denom, feeDenom)
	denom.Add(denom, inWithFee)
	return num.Quo(num, denom)
}

// initCurvePool sets the synthetic reserve on first use.
func initCurvePool(pool *domain.OutcomePool) {
	if pool.Reserve.Sign() == 0 {
		pool.Reserve.Set(InitialReserve)
	}
}

// stakeCurve converts staked value into bonding-curve shares. Earlier stakes
// receive more shares per unit of value, which rewards early entry without
// any time accounting.
func (m *Market) stakeCurve(pos *domain.StakePosition, amount *big.Int, now int64) error {
	pool := m.pool(pos.Outcome)
	initCurvePool(pool)

	out := curveOut(amount, pool.Reserve, pool.TotalStaked)
	pool.Reserve.Sub(pool.Reserve, out)
	pool.TotalStaked.Add(pool.TotalStaked, amount)
	pos.Balance.Add(pos.Balance, amount)
	pos.Shares.Add(pos.Shares, out)

	m.emit(domain.EventStakeRecorded, pos.Account, pos.Outcome.String(), new(big.Int).Set(amount), now)
	return nil
}

// claimCurve pays a winning position its pro-rata slice of the entire pot by
// share ownership:
//
//	payout = (totalStakedA + totalStakedB) · shares / (initialReserve - reserve)
//
// Principal is not returned separately; it is embedded in the pro-rata split.
// Balances stay on record so the pot denominator is stable across claims;
// double claims are blocked by the zeroed share balance.
func (m *Market) claimCurve(ctx context.Context, pos *domain.StakePosition, now int64) (*Payout, error) {
	if pos.Shares.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}
	winner := m.hdr.Resolution.Winner()
	pool := m.pool(winner)
	initCurvePool(pool)

	sold := new(big.Int).Sub(InitialReserve, pool.Reserve)
	if sold.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}

	pot := new(big.Int).Add(m.pools[0].TotalStaked, m.pools[1].TotalStaked)
	total := new(big.Int).Mul(pot, pos.Shares)
	total.Quo(total, sold)
	if total.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}

	posBefore := pos.Clone()
	pos.Shares.SetInt64(0)
	pos.PendingRewardUnits.SetInt64(0)

	if err := m.transfer(ctx, pos.Account, total); err != nil {
		*pos = *posBefore
		return nil, err
	}

	m.emit(domain.EventClaimed, pos.Account, winner.String(), total, now)
	return &Payout{Account: pos.Account, Principal: new(big.Int), Reward: new(big.Int), Total: total}, nil
}
