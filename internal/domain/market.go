// Package domain defines the core types and collaborator interfaces for the
// settlement service: markets, outcome pools, stake positions, and the
// store/cache/treasury contracts the engine and services depend on.
package domain

import "math/big"

// Outcome identifies one of the two sides of a binary market.
type Outcome uint8

const (
	OutcomeA Outcome = 0 // "yes" / "true" side
	OutcomeB Outcome = 1 // "no" / "false" side
)

// Other returns the opposing outcome.
func (o Outcome) Other() Outcome {
	if o == OutcomeA {
		return OutcomeB
	}
	return OutcomeA
}

// Valid reports whether o is one of the two defined outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

func (o Outcome) String() string {
	if o == OutcomeA {
		return "a"
	}
	return "b"
}

// ParseOutcome converts the wire representation ("a" or "b") back to an Outcome.
func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "a":
		return OutcomeA, true
	case "b":
		return OutcomeB, true
	default:
		return 0, false
	}
}

// Resolution is the recorded result of a market. It is set at most once.
type Resolution uint8

const (
	ResolutionUnset Resolution = iota
	ResolutionA
	ResolutionB
)

// Winner returns the winning outcome. Only meaningful when r != ResolutionUnset.
func (r Resolution) Winner() Outcome {
	if r == ResolutionA {
		return OutcomeA
	}
	return OutcomeB
}

// ResolutionFor returns the Resolution value recording o as the winner.
func ResolutionFor(o Outcome) Resolution {
	if o == OutcomeA {
		return ResolutionA
	}
	return ResolutionB
}

// PricingModel selects the settlement strategy a market was created with.
// The two models are never mixed within one market.
type PricingModel string

const (
	// PricingAccrual is the time-weighted lazy reward-accrual model.
	PricingAccrual PricingModel = "accrual"
	// PricingCurve is the constant-product bonding-curve share model.
	PricingCurve PricingModel = "curve"
)

// Phase is the lifecycle state of a market at a given time.
type Phase string

const (
	PhasePredicting         Phase = "predicting"
	PhaseAwaitingResolution Phase = "awaiting_resolution"
	PhaseResolved           Phase = "resolved"
	PhaseExpired            Phase = "expired"
)

// Market is the immutable header of a settlement market. Only Resolution
// mutates after creation, and only once.
type Market struct {
	ID         string
	Name       string
	Authority  string // address allowed to resolve
	Pricing    PricingModel
	StartTime  int64 // unix seconds, staking opens
	EndTime    int64 // staking closes, accrual stops
	ExpiryTime int64 // unresolved markets become refundable
	Resolution Resolution
	ResolvedAt int64 // unix seconds, zero while unresolved
	CreatedAt  int64
}

// Phase derives the lifecycle state from the clock and resolution flag.
// Transitions are time-driven except for resolution, which is an explicit
// authority action.
func (m Market) Phase(now int64) Phase {
	if m.Resolution != ResolutionUnset {
		return PhaseResolved
	}
	switch {
	case now < m.EndTime:
		return PhasePredicting
	case now < m.ExpiryTime:
		return PhaseAwaitingResolution
	default:
		return PhaseExpired
	}
}

// OpenDuration is the length of the staking window in seconds.
func (m Market) OpenDuration() int64 {
	return m.EndTime - m.StartTime
}

// OutcomePool aggregates all stakes placed on one side of a market.
type OutcomePool struct {
	MarketID string
	Outcome  Outcome

	// TotalStaked is the sum of all position balances on this side.
	TotalStaked *big.Int
	// RewardPerUnitStored is the 1e18 fixed-point accrual accumulator.
	// Monotonically non-decreasing.
	RewardPerUnitStored *big.Int
	// LastAccrualTime is the timestamp of the last checkpoint, capped at the
	// market's end time.
	LastAccrualTime int64

	// Reserve is the remaining synthetic reserve for curve-priced markets.
	// Unused (zero) under accrual pricing.
	Reserve *big.Int
}

// Clone returns a deep copy of the pool.
func (p *OutcomePool) Clone() *OutcomePool {
	if p == nil {
		return nil
	}
	c := *p
	c.TotalStaked = cloneBig(p.TotalStaked)
	c.RewardPerUnitStored = cloneBig(p.RewardPerUnitStored)
	c.Reserve = cloneBig(p.Reserve)
	return &c
}

// StakePosition is one account's ledger entry on one side of a market.
type StakePosition struct {
	MarketID string
	Account  string
	Outcome  Outcome

	// Balance is the staked principal.
	Balance *big.Int
	// RewardUnitsPaid is the accumulator snapshot taken at the last checkpoint.
	RewardUnitsPaid *big.Int
	// PendingRewardUnits is the finalized fixed-point units owed so far.
	PendingRewardUnits *big.Int
	// Shares is the bonding-curve share balance for curve-priced markets.
	Shares *big.Int
}

// NewStakePosition returns a zeroed position for (market, account, outcome).
func NewStakePosition(marketID, account string, outcome Outcome) *StakePosition {
	return &StakePosition{
		MarketID:           marketID,
		Account:            account,
		Outcome:            outcome,
		Balance:            new(big.Int),
		RewardUnitsPaid:    new(big.Int),
		PendingRewardUnits: new(big.Int),
		Shares:             new(big.Int),
	}
}

// Clone returns a deep copy of the position.
func (p *StakePosition) Clone() *StakePosition {
	if p == nil {
		return nil
	}
	c := *p
	c.Balance = cloneBig(p.Balance)
	c.RewardUnitsPaid = cloneBig(p.RewardUnitsPaid)
	c.PendingRewardUnits = cloneBig(p.PendingRewardUnits)
	c.Shares = cloneBig(p.Shares)
	return &c
}

// Zero reports whether the position holds no principal, no pending reward,
// and no curve shares.
func (p *StakePosition) Zero() bool {
	return p.Balance.Sign() == 0 && p.PendingRewardUnits.Sign() == 0 && p.Shares.Sign() == 0
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
