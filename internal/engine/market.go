package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/predictlabs/settler/internal/domain"
)

// Market executes settlement operations against one market's ledger state.
// It owns the market header and both outcome pools for the duration of an
// operation; positions are passed in per call by whoever hydrated them.
//
// Every mutating operation runs under a reentrancy guard: while one is
// executing, a second mutating call against the same instance fails with
// ErrReentrantCall, even when triggered from inside the external transfer.
type Market struct {
	hdr   domain.Market
	pools [2]*domain.OutcomePool

	treasury domain.Treasury
	emitter  domain.Emitter
	clock    domain.Clock

	entered bool
}

// Option configures a Market engine.
type Option func(*Market)

// WithTreasury sets the external transfer primitive used for payouts.
func WithTreasury(t domain.Treasury) Option {
	return func(m *Market) { m.treasury = t }
}

// WithEmitter sets the event emitter. Defaults to a no-op.
func WithEmitter(e domain.Emitter) Option {
	return func(m *Market) { m.emitter = e }
}

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c domain.Clock) Option {
	return func(m *Market) { m.clock = c }
}

// New builds a Market engine over a hydrated header and pool pair. Pools
// fresh from the store may carry a zero accrual time; it snaps to the start
// of the staking window so the first checkpoint integrates from there.
func New(hdr domain.Market, pools [2]*domain.OutcomePool, opts ...Option) *Market {
	m := &Market{
		hdr:     hdr,
		pools:   pools,
		emitter: domain.NoopEmitter{},
		clock:   domain.WallClock{},
	}
	for i := range m.pools {
		if m.pools[i].LastAccrualTime == 0 {
			m.pools[i].LastAccrualTime = hdr.StartTime
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Header returns the market header, including any resolution recorded by
// this instance.
func (m *Market) Header() domain.Market { return m.hdr }

// Pools returns the engine's pool pair.
func (m *Market) Pools() [2]*domain.OutcomePool { return m.pools }

// Phase returns the market's lifecycle phase at the engine's clock.
func (m *Market) Phase() domain.Phase { return m.hdr.Phase(m.clock.Now()) }

func (m *Market) enter() error {
	if m.entered {
		return domain.ErrReentrantCall
	}
	m.entered = true
	return nil
}

func (m *Market) exit() { m.entered = false }

func (m *Market) pool(o domain.Outcome) *domain.OutcomePool { return m.pools[o] }

func (m *Market) emit(typ, account string, outcome string, amount *big.Int, at int64) {
	m.emitter.Emit(domain.Event{
		Type:     typ,
		MarketID: m.hdr.ID,
		Account:  account,
		Outcome:  outcome,
		Amount:   amount,
		At:       at,
	})
}

// Stake records amount of principal behind pos's outcome. Legal only while
// the staking window is open. The accrual checkpoint runs before any balance
// mutation because the accumulator math depends on the pre-update totals.
func (m *Market) Stake(ctx context.Context, pos *domain.StakePosition, amount *big.Int) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()

	if amount == nil || amount.Sign() <= 0 {
		return domain.ErrZeroStake
	}
	now := m.clock.Now()
	if m.hdr.Phase(now) != domain.PhasePredicting || now < m.hdr.StartTime {
		return domain.ErrStakingClosed
	}

	if m.hdr.Pricing == domain.PricingCurve {
		return m.stakeCurve(pos, amount, now)
	}

	pool := m.pool(pos.Outcome)
	checkpointPool(pool, now, m.hdr.EndTime)
	checkpointPosition(pool, pos)

	pool.TotalStaked.Add(pool.TotalStaked, amount)
	pos.Balance.Add(pos.Balance, amount)

	m.emit(domain.EventStakeRecorded, pos.Account, pos.Outcome.String(), new(big.Int).Set(amount), now)
	return nil
}

// Resolve records the winning outcome. Legal only while the market awaits
// resolution, exactly once, and only for the market's authority. Caller
// identity is established upstream; here the explicit authority field is the
// capability predicate.
func (m *Market) Resolve(ctx context.Context, caller string, outcome domain.Outcome) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.exit()

	if !outcome.Valid() {
		return domain.ErrInvalidOutcome
	}
	if caller != m.hdr.Authority {
		return domain.ErrUnauthorized
	}
	if m.hdr.Resolution != domain.ResolutionUnset {
		return domain.ErrAlreadyResolved
	}
	now := m.clock.Now()
	if m.hdr.Phase(now) != domain.PhaseAwaitingResolution {
		return domain.ErrNotResolvable
	}

	m.hdr.Resolution = domain.ResolutionFor(outcome)
	m.hdr.ResolvedAt = now

	m.emit(domain.EventMarketResolved, caller, outcome.String(), nil, now)
	return nil
}

// Payout is the breakdown of a successful claim or withdrawal.
type Payout struct {
	Account   string
	Principal *big.Int
	Reward    *big.Int
	Total     *big.Int
}

// Claim settles a winning position: principal back plus the position's
// time-weighted cut of the losing pool. The position is zeroed before the
// external transfer executes; a transfer failure restores the pre-claim
// state so the claimant can retry.
func (m *Market) Claim(ctx context.Context, pos *domain.StakePosition) (*Payout, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	now := m.clock.Now()
	if m.hdr.Resolution == domain.ResolutionUnset || now < m.hdr.EndTime {
		return nil, domain.ErrNotResolved
	}
	winner := m.hdr.Resolution.Winner()
	if pos.Outcome != winner {
		return nil, domain.ErrNothingToClaim
	}

	if m.hdr.Pricing == domain.PricingCurve {
		return m.claimCurve(ctx, pos, now)
	}

	pool := m.pool(winner)
	poolBefore := pool.Clone()
	posBefore := pos.Clone()

	checkpointPool(pool, now, m.hdr.EndTime)
	checkpointPosition(pool, pos)

	units := new(big.Int).Set(pos.PendingRewardUnits)
	if units.Sign() == 0 {
		return nil, domain.ErrNothingToClaim
	}

	principal := new(big.Int).Set(pos.Balance)
	rate := rewardRate(m.pool(winner.Other()).TotalStaked, m.hdr.OpenDuration())
	reward := new(big.Int).Mul(units, rate)
	total := new(big.Int).Add(principal, reward)

	// Zero the ledger entry before paying out.
	pool.TotalStaked.Sub(pool.TotalStaked, pos.Balance)
	pos.Balance.SetInt64(0)
	pos.PendingRewardUnits.SetInt64(0)

	if err := m.transfer(ctx, pos.Account, total); err != nil {
		*pool = *poolBefore
		*pos = *posBefore
		return nil, err
	}

	m.emit(domain.EventClaimed, pos.Account, winner.String(), total, now)
	return &Payout{Account: pos.Account, Principal: principal, Reward: reward, Total: total}, nil
}

// WithdrawExpired refunds both of an account's principal balances after the
// expiry deadline passes with no resolution. The prize pool is untouched.
// A zero-balance account withdraws zero successfully; this keeps repeated
// withdrawals idempotent.
func (m *Market) WithdrawExpired(ctx context.Context, positions [2]*domain.StakePosition) (*Payout, error) {
	if err := m.enter(); err != nil {
		return nil, err
	}
	defer m.exit()

	now := m.clock.Now()
	if m.hdr.Resolution != domain.ResolutionUnset || now < m.hdr.ExpiryTime {
		return nil, domain.ErrNotExpired
	}

	total := new(big.Int)
	var poolsBefore [2]*domain.OutcomePool
	var posBefore [2]*domain.StakePosition
	for i, pos := range positions {
		poolsBefore[i] = m.pools[i].Clone()
		posBefore[i] = pos.Clone()
		total.Add(total, pos.Balance)
	}
	account := positions[0].Account

	for i, pos := range positions {
		m.pools[i].TotalStaked.Sub(m.pools[i].TotalStaked, pos.Balance)
		pos.Balance.SetInt64(0)
		pos.PendingRewardUnits.SetInt64(0)
		pos.Shares.SetInt64(0)
	}

	if total.Sign() > 0 {
		if err := m.transfer(ctx, account, total); err != nil {
			for i := range positions {
				*m.pools[i] = *poolsBefore[i]
				*positions[i] = *posBefore[i]
			}
			return nil, err
		}
	}

	m.emit(domain.EventExpiredWithdrawal, account, "", total, now)
	return &Payout{Account: account, Principal: total, Reward: new(big.Int), Total: new(big.Int).Set(total)}, nil
}

// Earned reports the reward units a checkpoint would credit pos with right
// now, without mutating any state.
func (m *Market) Earned(pos *domain.StakePosition) *big.Int {
	return earnedUnits(m.pool(pos.Outcome), pos, m.clock.Now(), m.hdr.EndTime)
}

// transfer invokes the external payment primitive exactly once. Failures are
// fatal to the enclosing operation and surfaced, never swallowed.
func (m *Market) transfer(ctx context.Context, to string, amount *big.Int) error {
	if m.treasury == nil {
		return fmt.Errorf("%w: no treasury configured", domain.ErrTransferFailed)
	}
	if err := m.treasury.Transfer(ctx, to, amount); err != nil {
		return fmt.Errorf("%w: pay %s: %v", domain.ErrTransferFailed, to, err)
	}
	return nil
}
