package service

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

const (
	svcStart  = int64(1_000_000)
	svcDay    = int64(86_400)
	svcEnd    = svcStart + 3*svcDay
	svcExpiry = svcStart + 7*svcDay
	svcAuth   = "0xffffffffffffffffffffffffffffffffffffffff"
)

func svcEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type memStore struct {
	markets   map[string]domain.Market
	pools     map[string][2]*domain.OutcomePool
	positions map[string]*domain.StakePosition
	claims    []domain.Claim
}

func newMemStore() *memStore {
	return &memStore{
		markets:   make(map[string]domain.Market),
		pools:     make(map[string][2]*domain.OutcomePool),
		positions: make(map[string]*domain.StakePosition),
	}
}

func posKey(marketID, account string, outcome domain.Outcome) string {
	return marketID + "|" + account + "|" + outcome.String()
}

func (m *memStore) Create(ctx context.Context, mk domain.Market) error {
	if _, ok := m.markets[mk.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.markets[mk.ID] = mk
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	mk, ok := m.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *memStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	for _, mk := range m.markets {
		out = append(out, mk)
	}
	return out, nil
}

func (m *memStore) ListInPhase(ctx context.Context, phase domain.Phase, now int64) ([]domain.Market, error) {
	var out []domain.Market
	for _, mk := range m.markets {
		if mk.Phase(now) == phase {
			out = append(out, mk)
		}
	}
	return out, nil
}

func (m *memStore) SetResolution(ctx context.Context, id string, res domain.Resolution, at int64) error {
	mk, ok := m.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	if mk.Resolution != domain.ResolutionUnset {
		return domain.ErrAlreadyResolved
	}
	mk.Resolution = res
	mk.ResolvedAt = at
	m.markets[id] = mk
	return nil
}

func (m *memStore) Count(ctx context.Context) (int64, error) {
	return int64(len(m.markets)), nil
}

func (m *memStore) GetPair(ctx context.Context, marketID string) ([2]*domain.OutcomePool, error) {
	if pair, ok := m.pools[marketID]; ok {
		return [2]*domain.OutcomePool{pair[0].Clone(), pair[1].Clone()}, nil
	}
	pair := [2]*domain.OutcomePool{}
	for i := range pair {
		pair[i] = &domain.OutcomePool{
			MarketID:            marketID,
			Outcome:             domain.Outcome(i),
			TotalStaked:         new(big.Int),
			RewardPerUnitStored: new(big.Int),
			Reserve:             new(big.Int),
		}
	}
	m.pools[marketID] = [2]*domain.OutcomePool{pair[0].Clone(), pair[1].Clone()}
	return pair, nil
}

func (m *memStore) Save(ctx context.Context, p *domain.OutcomePool) error {
	pair := m.pools[p.MarketID]
	pair[p.Outcome] = p.Clone()
	m.pools[p.MarketID] = pair
	return nil
}

func (m *memStore) SavePair(ctx context.Context, pools [2]*domain.OutcomePool) error {
	m.pools[pools[0].MarketID] = [2]*domain.OutcomePool{pools[0].Clone(), pools[1].Clone()}
	return nil
}

type memPositions struct {
	byKey map[string]*domain.StakePosition
}

func newMemPositions() *memPositions {
	return &memPositions{byKey: make(map[string]*domain.StakePosition)}
}

func (m *memPositions) Get(ctx context.Context, marketID, account string, outcome domain.Outcome) (*domain.StakePosition, error) {
	if p, ok := m.byKey[posKey(marketID, account, outcome)]; ok {
		return p.Clone(), nil
	}
	return domain.NewStakePosition(marketID, account, outcome), nil
}

func (m *memPositions) GetPair(ctx context.Context, marketID, account string) ([2]*domain.StakePosition, error) {
	var pair [2]*domain.StakePosition
	for i := range pair {
		p, _ := m.Get(ctx, marketID, account, domain.Outcome(i))
		pair[i] = p
	}
	return pair, nil
}

func (m *memPositions) Save(ctx context.Context, p *domain.StakePosition) error {
	m.byKey[posKey(p.MarketID, p.Account, p.Outcome)] = p.Clone()
	return nil
}

func (m *memPositions) SavePair(ctx context.Context, positions [2]*domain.StakePosition) error {
	for _, p := range positions {
		if err := m.Save(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (m *memPositions) ListByMarket(ctx context.Context, marketID string) ([]*domain.StakePosition, error) {
	var out []*domain.StakePosition
	for _, p := range m.byKey {
		if p.MarketID == marketID && !p.Zero() {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (m *memPositions) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]*domain.StakePosition, error) {
	var out []*domain.StakePosition
	for _, p := range m.byKey {
		if p.Account == account {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

type memClaims struct {
	rows []domain.Claim
}

func (m *memClaims) Insert(ctx context.Context, c domain.Claim) error {
	m.rows = append(m.rows, c)
	return nil
}

func (m *memClaims) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Claim, error) {
	var out []domain.Claim
	for _, c := range m.rows {
		if c.MarketID == marketID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memClaims) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Claim, error) {
	var out []domain.Claim
	for _, c := range m.rows {
		if c.Account == account {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memClaims) SumPaid(ctx context.Context, marketID string) (*big.Int, error) {
	sum := new(big.Int)
	for _, c := range m.rows {
		if c.MarketID == marketID {
			sum.Add(sum, c.Total)
		}
	}
	return sum, nil
}

type memCache struct {
	byID map[string]domain.Market
}

func newMemCache() *memCache { return &memCache{byID: make(map[string]domain.Market)} }

func (m *memCache) Set(ctx context.Context, mk domain.Market) error {
	m.byID[mk.ID] = mk
	return nil
}

func (m *memCache) Get(ctx context.Context, id string) (domain.Market, error) {
	mk, ok := m.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return mk, nil
}

func (m *memCache) Invalidate(ctx context.Context, id string) error {
	delete(m.byID, id)
	return nil
}

type memLocks struct {
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: make(map[string]bool)} }

func (m *memLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() { delete(m.held, key) }, nil
}

type memBus struct {
	published [][]byte
	streamed  [][]byte
}

func (m *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	m.published = append(m.published, payload)
	return nil
}

func (m *memBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (m *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	m.streamed = append(m.streamed, payload)
	return nil
}

func (m *memBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type stubTreasury struct {
	deposits    []*big.Int
	transfers   []*big.Int
	depositErr  error
	transferErr error
}

func (t *stubTreasury) Deposit(ctx context.Context, from string, amount *big.Int) error {
	if t.depositErr != nil {
		return t.depositErr
	}
	t.deposits = append(t.deposits, new(big.Int).Set(amount))
	return nil
}

func (t *stubTreasury) Transfer(ctx context.Context, to string, amount *big.Int) error {
	if t.transferErr != nil {
		return t.transferErr
	}
	t.transfers = append(t.transfers, new(big.Int).Set(amount))
	return nil
}

type stubAuthorizer struct {
	err error
}

func (a *stubAuthorizer) Authorize(authority, marketID string, outcome domain.Outcome, deadline int64, sig []byte) error {
	return a.err
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type svcFixture struct {
	svc       *SettlementService
	store     *memStore
	positions *memPositions
	claims    *memClaims
	locks     *memLocks
	bus       *memBus
	treasury  *stubTreasury
	auth      *stubAuthorizer
	clock     *domain.FixedClock
}

func newSvcFixture(t *testing.T, pricing domain.PricingModel) *svcFixture {
	t.Helper()
	f := &svcFixture{
		store:     newMemStore(),
		positions: newMemPositions(),
		claims:    &memClaims{},
		locks:     newMemLocks(),
		bus:       &memBus{},
		treasury:  &stubTreasury{},
		auth:      &stubAuthorizer{},
		clock:     &domain.FixedClock{T: svcStart},
	}
	f.store.markets["mkt_1"] = domain.Market{
		ID:         "mkt_1",
		Name:       "rate cut by june",
		Authority:  svcAuth,
		Pricing:    pricing,
		StartTime:  svcStart,
		EndTime:    svcEnd,
		ExpiryTime: svcExpiry,
		CreatedAt:  svcStart,
	}
	f.svc = NewSettlementService(SettlementDeps{
		Markets:   f.store,
		Pools:     f.store,
		Positions: f.positions,
		Claims:    f.claims,
		Cache:     newMemCache(),
		Locks:     f.locks,
		Bus:       f.bus,
		Treasury:  f.treasury,
		Auth:      f.auth,
		Clock:     f.clock,
	}, slog.Default())
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestServiceStakePersistsLedger(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	pos, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(5))
	require.NoError(t, err)
	require.Equal(t, svcEther(5), pos.Balance)

	// Deposit collected, pool and position persisted, events out.
	require.Len(t, f.treasury.deposits, 1)
	require.Equal(t, svcEther(5), f.store.pools["mkt_1"][domain.OutcomeA].TotalStaked)
	stored, err := f.positions.Get(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.Equal(t, svcEther(5), stored.Balance)
	require.NotEmpty(t, f.bus.published)
	require.NotEmpty(t, f.bus.streamed)
}

func TestServiceStakeDepositFailureLeavesNoTrace(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	f.treasury.depositErr = errors.New("ledger offline")
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(5))
	require.ErrorContains(t, err, "ledger offline")

	require.True(t, f.store.pools["mkt_1"][domain.OutcomeA].TotalStaked.Sign() == 0)
	stored, err := f.positions.Get(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.True(t, stored.Zero())
	require.Empty(t, f.bus.published)
}

func TestServiceStakeRejectsInvalidInputs(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.Outcome(7), svcEther(1))
	require.ErrorIs(t, err, domain.ErrInvalidOutcome)

	_, err = f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, big.NewInt(0))
	require.ErrorIs(t, err, domain.ErrZeroStake)

	_, err = f.svc.Stake(ctx, "mkt_missing", "alice", domain.OutcomeA, svcEther(1))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestServiceStakeRespectsLock(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	f.locks.held["mkt_1"] = true

	_, err := f.svc.Stake(context.Background(), "mkt_1", "alice", domain.OutcomeA, svcEther(1))
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestServiceResolvePersistsAndInvalidates(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()
	f.clock.T = svcEnd + svcDay

	m, err := f.svc.Resolve(ctx, "mkt_1", domain.OutcomeA, svcEnd+2*svcDay, []byte("sig"))
	require.NoError(t, err)
	require.Equal(t, domain.ResolutionA, m.Resolution)
	require.Equal(t, domain.ResolutionA, f.store.markets["mkt_1"].Resolution)

	// Second resolve fails on the persisted flag.
	_, err = f.svc.Resolve(ctx, "mkt_1", domain.OutcomeB, svcEnd+2*svcDay, []byte("sig"))
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestServiceResolveChecksAuthorization(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()
	f.clock.T = svcEnd + svcDay

	f.auth.err = domain.ErrUnauthorized
	_, err := f.svc.Resolve(ctx, "mkt_1", domain.OutcomeA, svcEnd+2*svcDay, []byte("bad"))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	// Expired deadline rejected before the signature is even checked.
	f.auth.err = nil
	_, err = f.svc.Resolve(ctx, "mkt_1", domain.OutcomeA, svcEnd-svcDay, []byte("sig"))
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestServiceResolveRejectsDistantDeadline(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()
	f.clock.T = svcEnd + svcDay

	svc := NewSettlementService(SettlementDeps{
		Markets:         f.store,
		Pools:           f.store,
		Positions:       f.positions,
		Claims:          f.claims,
		Cache:           newMemCache(),
		Locks:           f.locks,
		Bus:             f.bus,
		Treasury:        f.treasury,
		Auth:            f.auth,
		Clock:           f.clock,
		MaxDeadlineSkew: 10 * time.Minute,
	}, slog.Default())

	_, err := svc.Resolve(ctx, "mkt_1", domain.OutcomeA, f.clock.T+3600, []byte("sig"))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	m, err := svc.Resolve(ctx, "mkt_1", domain.OutcomeA, f.clock.T+300, []byte("sig"))
	require.NoError(t, err)
	require.Equal(t, domain.ResolutionA, m.Resolution)
}

func TestServiceClaimEndToEnd(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(5))
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "mkt_1", "bob", domain.OutcomeB, svcEther(3))
	require.NoError(t, err)

	f.clock.T = svcEnd + svcDay
	_, err = f.svc.Resolve(ctx, "mkt_1", domain.OutcomeA, svcEnd+2*svcDay, []byte("sig"))
	require.NoError(t, err)

	payout, err := f.svc.Claim(ctx, "mkt_1", "alice")
	require.NoError(t, err)
	require.Equal(t, svcEther(5), payout.Principal)
	require.True(t, payout.Reward.Sign() > 0)
	require.Len(t, f.treasury.transfers, 1)
	require.Equal(t, payout.Total, f.treasury.transfers[0])

	// Audit row recorded and ledger zeroed.
	claims, err := f.svc.ClaimsByAccount(ctx, "alice", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, domain.EventClaimed, claims[0].Kind)

	stored, err := f.positions.Get(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.True(t, stored.Zero())

	// Replay finds nothing to claim.
	_, err = f.svc.Claim(ctx, "mkt_1", "alice")
	require.ErrorIs(t, err, domain.ErrNothingToClaim)

	// Losing side has no claim either.
	_, err = f.svc.Claim(ctx, "mkt_1", "bob")
	require.ErrorIs(t, err, domain.ErrNothingToClaim)
}

func TestServiceClaimBeforeResolutionRejected(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(5))
	require.NoError(t, err)

	_, err = f.svc.Claim(ctx, "mkt_1", "alice")
	require.ErrorIs(t, err, domain.ErrNotResolved)
}

func TestServiceClaimTransferFailureKeepsState(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(5))
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "mkt_1", "bob", domain.OutcomeB, svcEther(3))
	require.NoError(t, err)

	f.clock.T = svcEnd + svcDay
	_, err = f.svc.Resolve(ctx, "mkt_1", domain.OutcomeA, svcEnd+2*svcDay, []byte("sig"))
	require.NoError(t, err)

	f.treasury.transferErr = errors.New("payment rail down")
	_, err = f.svc.Claim(ctx, "mkt_1", "alice")
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	// Stored state untouched; the claim can be retried.
	stored, err := f.positions.Get(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.Equal(t, svcEther(5), stored.Balance)
	require.Empty(t, f.claims.rows)

	f.treasury.transferErr = nil
	payout, err := f.svc.Claim(ctx, "mkt_1", "alice")
	require.NoError(t, err)
	require.Equal(t, svcEther(5), payout.Principal)
}

func TestServiceWithdrawExpired(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(2))
	require.NoError(t, err)
	_, err = f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeB, svcEther(1))
	require.NoError(t, err)

	// Not expired yet.
	f.clock.T = svcEnd + svcDay
	_, err = f.svc.WithdrawExpired(ctx, "mkt_1", "alice")
	require.ErrorIs(t, err, domain.ErrNotExpired)

	f.clock.T = svcExpiry
	payout, err := f.svc.WithdrawExpired(ctx, "mkt_1", "alice")
	require.NoError(t, err)
	require.Equal(t, svcEther(3), payout.Total)
	require.True(t, payout.Reward.Sign() == 0)

	claims, err := f.svc.ClaimsByMarket(ctx, "mkt_1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, domain.EventExpiredWithdrawal, claims[0].Kind)

	// Idempotent: a second withdrawal pays zero and records nothing new.
	payout, err = f.svc.WithdrawExpired(ctx, "mkt_1", "alice")
	require.NoError(t, err)
	require.True(t, payout.Total.Sign() == 0)
	claims, err = f.svc.ClaimsByMarket(ctx, "mkt_1", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, claims, 1)
}

func TestServiceEarnedReadOnly(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ctx := context.Background()

	_, err := f.svc.Stake(ctx, "mkt_1", "alice", domain.OutcomeA, svcEther(1))
	require.NoError(t, err)

	f.clock.T = svcStart + svcDay
	earned, err := f.svc.Earned(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.True(t, earned.Sign() > 0)

	again, err := f.svc.Earned(ctx, "mkt_1", "alice", domain.OutcomeA)
	require.NoError(t, err)
	require.Equal(t, earned, again)
}

func TestMarketServiceCreateValidatesWindow(t *testing.T) {
	f := newSvcFixture(t, domain.PricingAccrual)
	ms := NewMarketService(f.store, newMemCache(), f.bus, f.clock, slog.Default())
	ctx := context.Background()

	base := CreateMarketParams{
		Name:       "btc above 100k",
		Authority:  svcAuth,
		Pricing:    domain.PricingAccrual,
		StartTime:  svcStart,
		EndTime:    svcEnd,
		ExpiryTime: svcExpiry,
	}

	m, err := ms.CreateMarket(ctx, base)
	require.NoError(t, err)
	require.NotEmpty(t, m.ID)
	require.Equal(t, domain.PhasePredicting, m.Phase(f.clock.Now()))

	bad := base
	bad.Name = "   "
	_, err = ms.CreateMarket(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidName)

	bad = base
	bad.EndTime = base.StartTime
	_, err = ms.CreateMarket(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	bad = base
	bad.ExpiryTime = base.EndTime
	_, err = ms.CreateMarket(ctx, bad)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)

	// Window entirely in the past.
	f.clock.T = svcExpiry + svcDay
	_, err = ms.CreateMarket(ctx, base)
	require.ErrorIs(t, err, domain.ErrInvalidWindow)
}
