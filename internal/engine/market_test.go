package engine

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

const (
	testStart  = int64(1_000_000)
	day        = int64(86_400)
	testEnd    = testStart + 3*day
	testExpiry = testStart + 7*day

	authority = "0xffffffffffffffffffffffffffffffffffffffff"
)

// ether converts a value with at most one decimal place to 1e18-scale units
// exactly, avoiding float rounding.
func ether(f float64) *big.Int {
	tenths := int64(math.Round(f * 10))
	return new(big.Int).Mul(big.NewInt(tenths), big.NewInt(100_000_000_000_000_000))
}

type recordedTransfer struct {
	to     string
	amount *big.Int
}

// fakeTreasury records transfers and can be told to fail or to call back
// into the engine mid-transfer.
type fakeTreasury struct {
	transfers []recordedTransfer
	failNext  bool
	onPay     func(ctx context.Context)
}

func (t *fakeTreasury) Deposit(ctx context.Context, from string, amount *big.Int) error {
	return nil
}

func (t *fakeTreasury) Transfer(ctx context.Context, to string, amount *big.Int) error {
	if t.failNext {
		t.failNext = false
		return errors.New("rpc unavailable")
	}
	if t.onPay != nil {
		t.onPay(ctx)
	}
	t.transfers = append(t.transfers, recordedTransfer{to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type eventCollector struct {
	events []domain.Event
}

func (c *eventCollector) Emit(e domain.Event) { c.events = append(c.events, e) }

type testSetup struct {
	m        *Market
	clock    *domain.FixedClock
	treasury *fakeTreasury
	events   *eventCollector
}

func newTestMarket(t *testing.T, pricing domain.PricingModel) *testSetup {
	t.Helper()
	hdr := domain.Market{
		ID:         "mkt-1",
		Name:       "btc above 100k",
		Authority:  authority,
		Pricing:    pricing,
		StartTime:  testStart,
		EndTime:    testEnd,
		ExpiryTime: testExpiry,
	}
	pools := [2]*domain.OutcomePool{}
	for i := range pools {
		pools[i] = &domain.OutcomePool{
			MarketID:            hdr.ID,
			Outcome:             domain.Outcome(i),
			TotalStaked:         new(big.Int),
			RewardPerUnitStored: new(big.Int),
			Reserve:             new(big.Int),
		}
	}
	clock := &domain.FixedClock{T: testStart}
	treasury := &fakeTreasury{}
	events := &eventCollector{}
	m := New(hdr, pools, WithClock(clock), WithTreasury(treasury), WithEmitter(events))
	return &testSetup{m: m, clock: clock, treasury: treasury, events: events}
}

func position(account string, outcome domain.Outcome) *domain.StakePosition {
	return domain.NewStakePosition("mkt-1", account, outcome)
}

func TestStakeValidation(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	pos := position("alice", domain.OutcomeA)

	err := s.m.Stake(context.Background(), pos, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrZeroStake)

	err = s.m.Stake(context.Background(), pos, big.NewInt(-5))
	require.ErrorIs(t, err, domain.ErrZeroStake)

	// Window closed.
	s.clock.T = testEnd
	err = s.m.Stake(context.Background(), pos, ether(1))
	require.ErrorIs(t, err, domain.ErrStakingClosed)
	assert.Zero(t, pos.Balance.Sign())
}

func TestStakeUpdatesLedger(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	pos := position("alice", domain.OutcomeA)

	require.NoError(t, s.m.Stake(context.Background(), pos, ether(5)))
	assert.Equal(t, ether(5), pos.Balance)
	assert.Equal(t, ether(5), s.m.Pools()[domain.OutcomeA].TotalStaked)

	// Repeated staking by the same account is unbounded.
	require.NoError(t, s.m.Stake(context.Background(), pos, ether(2)))
	assert.Equal(t, ether(7), pos.Balance)
	assert.Equal(t, ether(7), s.m.Pools()[domain.OutcomeA].TotalStaked)

	require.Len(t, s.events.events, 2)
	assert.Equal(t, domain.EventStakeRecorded, s.events.events[0].Type)
	assert.Equal(t, "alice", s.events.events[0].Account)
}

func TestConservation(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	alice := position("alice", domain.OutcomeA)
	bob := position("bob", domain.OutcomeA)
	carol := position("carol", domain.OutcomeB)

	require.NoError(t, s.m.Stake(context.Background(), alice, ether(5)))
	s.clock.Advance(day)
	require.NoError(t, s.m.Stake(context.Background(), bob, ether(3)))
	require.NoError(t, s.m.Stake(context.Background(), carol, ether(2)))

	sumA := new(big.Int).Add(alice.Balance, bob.Balance)
	assert.Equal(t, sumA, s.m.Pools()[domain.OutcomeA].TotalStaked)
	assert.Equal(t, carol.Balance, s.m.Pools()[domain.OutcomeB].TotalStaked)
}

func TestResolveGates(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()

	// Too early.
	err := s.m.Resolve(ctx, authority, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrNotResolvable)

	// Wrong caller.
	s.clock.T = testEnd
	err = s.m.Resolve(ctx, "0x1111111111111111111111111111111111111111", domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	// Happy path.
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))
	assert.Equal(t, domain.ResolutionA, s.m.Header().Resolution)
	assert.Equal(t, domain.PhaseResolved, s.m.Phase())

	// Second resolution always fails, regardless of argument.
	err = s.m.Resolve(ctx, authority, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
	err = s.m.Resolve(ctx, authority, domain.OutcomeB)
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestResolveAfterExpiryRejected(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	s.clock.T = testExpiry
	err := s.m.Resolve(context.Background(), authority, domain.OutcomeA)
	require.ErrorIs(t, err, domain.ErrNotResolvable)
}

// TestClaimEndToEnd replays the reference scenario: A stakes 5 on outcome-a,
// B stakes 1 and C stakes 2.3 on outcome-b, all at the window open; the
// market resolves to b at the close.
func TestClaimEndToEnd(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()

	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	c := position("c", domain.OutcomeB)

	require.NoError(t, s.m.Stake(ctx, a, ether(5)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))
	require.NoError(t, s.m.Stake(ctx, c, ether(2.3)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeB))

	// rewardRate = losing pool / open duration, floor.
	wantRate := new(big.Int).Quo(ether(5), big.NewInt(3*day))

	// Both b and c entered at open, so their unit counts are proportional
	// to balance: units = balance * (duration*Scale/totalStaked) / Scale.
	perUnit := new(big.Int).Mul(big.NewInt(3*day), Scale)
	perUnit.Quo(perUnit, ether(3.3))
	unitsB := new(big.Int).Mul(ether(1), perUnit)
	unitsB.Quo(unitsB, Scale)
	unitsC := new(big.Int).Mul(ether(2.3), perUnit)
	unitsC.Quo(unitsC, Scale)

	payoutB, err := s.m.Claim(ctx, b)
	require.NoError(t, err)
	wantRewardB := new(big.Int).Mul(unitsB, wantRate)
	assert.Equal(t, ether(1), payoutB.Principal)
	assert.Equal(t, wantRewardB, payoutB.Reward)
	assert.Equal(t, new(big.Int).Add(ether(1), wantRewardB), payoutB.Total)

	payoutC, err := s.m.Claim(ctx, c)
	require.NoError(t, err)
	wantRewardC := new(big.Int).Mul(unitsC, wantRate)
	assert.Equal(t, new(big.Int).Add(ether(2.3), wantRewardC), payoutC.Total)

	// The combined rewards never exceed the losing pool.
	paid := new(big.Int).Add(payoutB.Reward, payoutC.Reward)
	assert.True(t, paid.Cmp(ether(5)) <= 0)

	// Positions are destroyed after a successful claim.
	assert.True(t, b.Zero())
	assert.True(t, c.Zero())

	// The losing side has nothing to claim; its principal stays in the pot.
	_, err = s.m.Claim(ctx, a)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)

	// Transfers went out once per claim, last action of each call.
	require.Len(t, s.treasury.transfers, 2)
	assert.Equal(t, "b", s.treasury.transfers[0].to)
	assert.Equal(t, payoutB.Total, s.treasury.transfers[0].amount)
}

func TestClaimRequiresResolution(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	b := position("b", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))

	s.clock.T = testEnd
	_, err := s.m.Claim(ctx, b)
	require.ErrorIs(t, err, domain.ErrNotResolved)
}

func TestDoubleClaimRejected(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, a, ether(1)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))

	_, err := s.m.Claim(ctx, a)
	require.NoError(t, err)

	// Second claim in immediate succession fails and moves no value.
	before := len(s.treasury.transfers)
	_, err = s.m.Claim(ctx, a)
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
	assert.Len(t, s.treasury.transfers, before)
}

func TestClaimTransferFailureRestoresState(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, a, ether(2)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))

	s.treasury.failNext = true
	_, err := s.m.Claim(ctx, a)
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	// The claimant's balance was not zeroed, so the claim can be retried.
	assert.Equal(t, ether(2), a.Balance)
	assert.Equal(t, ether(2), s.m.Pools()[domain.OutcomeA].TotalStaked)

	payout, err := s.m.Claim(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, ether(2), payout.Principal)
	assert.True(t, a.Zero())
}

func TestReentrantCallRejected(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	a := position("a", domain.OutcomeA)
	b := position("b", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, a, ether(1)))
	require.NoError(t, s.m.Stake(ctx, b, ether(1)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))

	// The treasury calls back into the engine mid-payout; every mutating
	// entry point must refuse while the claim is still executing.
	var inner []error
	s.treasury.onPay = func(ctx context.Context) {
		inner = append(inner, s.m.Stake(ctx, a, ether(1)))
		_, errClaim := s.m.Claim(ctx, a)
		inner = append(inner, errClaim)
	}

	_, err := s.m.Claim(ctx, a)
	require.NoError(t, err)
	require.Len(t, inner, 2)
	assert.ErrorIs(t, inner[0], domain.ErrReentrantCall)
	assert.ErrorIs(t, inner[1], domain.ErrReentrantCall)
}

// TestWithdrawExpired replays the reference expiry scenario: one account
// stakes 1 on a, 0.5 on b, then 2 more on a; no resolution ever lands.
func TestWithdrawExpired(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	posA := position("a", domain.OutcomeA)
	posB := position("a", domain.OutcomeB)

	require.NoError(t, s.m.Stake(ctx, posA, ether(1)))
	require.NoError(t, s.m.Stake(ctx, posB, ether(0.5)))
	s.clock.Advance(day)
	require.NoError(t, s.m.Stake(ctx, posA, ether(2)))

	// Not yet expired.
	s.clock.T = testEnd
	_, err := s.m.WithdrawExpired(ctx, [2]*domain.StakePosition{posA, posB})
	require.ErrorIs(t, err, domain.ErrNotExpired)

	s.clock.T = testExpiry + 1
	payout, err := s.m.WithdrawExpired(ctx, [2]*domain.StakePosition{posA, posB})
	require.NoError(t, err)
	assert.Equal(t, ether(3.5), payout.Total)
	assert.Zero(t, payout.Reward.Sign())
	assert.True(t, posA.Zero())
	assert.True(t, posB.Zero())
	assert.Zero(t, s.m.Pools()[domain.OutcomeA].TotalStaked.Sign())
	assert.Zero(t, s.m.Pools()[domain.OutcomeB].TotalStaked.Sign())

	// A second withdrawal is a successful no-op returning zero.
	payout, err = s.m.WithdrawExpired(ctx, [2]*domain.StakePosition{posA, posB})
	require.NoError(t, err)
	assert.Zero(t, payout.Total.Sign())
	require.Len(t, s.treasury.transfers, 1)
	assert.Equal(t, ether(3.5), s.treasury.transfers[0].amount)
}

func TestWithdrawExpiredRejectedWhenResolved(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	posA := position("a", domain.OutcomeA)
	posB := position("a", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, posA, ether(1)))

	s.clock.T = testEnd
	require.NoError(t, s.m.Resolve(ctx, authority, domain.OutcomeA))

	s.clock.T = testExpiry + 1
	_, err := s.m.WithdrawExpired(ctx, [2]*domain.StakePosition{posA, posB})
	require.ErrorIs(t, err, domain.ErrNotExpired)
}

func TestWithdrawExpiredTransferFailureRestoresState(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)
	ctx := context.Background()
	posA := position("a", domain.OutcomeA)
	posB := position("a", domain.OutcomeB)
	require.NoError(t, s.m.Stake(ctx, posA, ether(2)))

	s.clock.T = testExpiry
	s.treasury.failNext = true
	_, err := s.m.WithdrawExpired(ctx, [2]*domain.StakePosition{posA, posB})
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, ether(2), posA.Balance)
	assert.Equal(t, ether(2), s.m.Pools()[domain.OutcomeA].TotalStaked)
}

func TestPhaseDerivation(t *testing.T) {
	s := newTestMarket(t, domain.PricingAccrual)

	s.clock.T = testStart
	assert.Equal(t, domain.PhasePredicting, s.m.Phase())

	s.clock.T = testEnd - 1
	assert.Equal(t, domain.PhasePredicting, s.m.Phase())

	s.clock.T = testEnd
	assert.Equal(t, domain.PhaseAwaitingResolution, s.m.Phase())

	s.clock.T = testExpiry
	assert.Equal(t, domain.PhaseExpired, s.m.Phase())
}
