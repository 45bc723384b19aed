// Package engine implements the settlement core for binary-outcome markets:
// the dual-pool stake ledger, the lazy time-weighted reward accrual, the
// payout calculator, and the lifecycle gates around them.
package engine

import (
	"math/big"

	"github.com/predictlabs/settler/internal/domain"
)

// Scale is the fixed-point scale of the reward-per-unit accumulator.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// applicableTime caps the accrual clock at the market's end time. No reward
// accrues past the close of the staking window.
func applicableTime(now, endTime int64) int64 {
	if now < endTime {
		return now
	}
	return endTime
}

// checkpointPool brings the pool's global accumulator current as of now.
// With zero stake the accumulator is left untouched: an empty pool accrues
// nothing until it has stake.
func checkpointPool(pool *domain.OutcomePool, now, endTime int64) {
	at := applicableTime(now, endTime)
	if pool.TotalStaked.Sign() > 0 {
		elapsed := at - pool.LastAccrualTime
		if elapsed > 0 {
			// rewardPerUnitStored += elapsed * Scale / totalStaked
			delta := new(big.Int).Mul(big.NewInt(elapsed), Scale)
			delta.Quo(delta, pool.TotalStaked)
			pool.RewardPerUnitStored.Add(pool.RewardPerUnitStored, delta)
		}
	}
	pool.LastAccrualTime = at
}

// checkpointPosition folds the accumulator delta since the position's last
// checkpoint into its pending reward units and re-snapshots the accumulator.
// Must run against a pool that has already been checkpointed.
func checkpointPosition(pool *domain.OutcomePool, pos *domain.StakePosition) {
	owed := new(big.Int).Sub(pool.RewardPerUnitStored, pos.RewardUnitsPaid)
	owed.Mul(owed, pos.Balance)
	owed.Quo(owed, Scale)
	pos.PendingRewardUnits.Add(pos.PendingRewardUnits, owed)
	pos.RewardUnitsPaid.Set(pool.RewardPerUnitStored)
}

// earnedUnits computes, without mutating anything, the reward units a
// checkpoint would leave on the position as of now. The result matches
// post-checkpoint state exactly.
func earnedUnits(pool *domain.OutcomePool, pos *domain.StakePosition, now, endTime int64) *big.Int {
	perUnit := new(big.Int).Set(pool.RewardPerUnitStored)
	if pool.TotalStaked.Sign() > 0 {
		elapsed := applicableTime(now, endTime) - pool.LastAccrualTime
		if elapsed > 0 {
			delta := new(big.Int).Mul(big.NewInt(elapsed), Scale)
			delta.Quo(delta, pool.TotalStaked)
			perUnit.Add(perUnit, delta)
		}
	}
	owed := new(big.Int).Sub(perUnit, pos.RewardUnitsPaid)
	owed.Mul(owed, pos.Balance)
	owed.Quo(owed, Scale)
	return owed.Add(owed, pos.PendingRewardUnits)
}

// rewardRate is the losing pool's total value spread evenly over each second
// of the open window (floor division). It is the per-second prize rate paid
// to the winning side's time-weighted shares.
func rewardRate(losingTotal *big.Int, openDuration int64) *big.Int {
	if openDuration <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(losingTotal, big.NewInt(openDuration))
}
