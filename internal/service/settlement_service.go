package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/engine"
)

// SettlementService runs the mutating ledger operations. Every operation
// takes a per-market distributed lock, hydrates the engine from the stores,
// executes, and persists only after the engine (including any external
// transfer) has succeeded. A failed transfer therefore never leaves a
// half-settled market behind.
type SettlementService struct {
	markets   domain.MarketStore
	pools     domain.PoolStore
	positions domain.PositionStore
	claims    domain.ClaimStore
	cache     domain.MarketCache
	locks     domain.LockManager
	bus       domain.EventBus
	treasury  domain.Treasury
	auth      domain.Authorizer
	clock     domain.Clock
	// maxSkew bounds how far in the future a resolve deadline may lie.
	// Zero means unbounded.
	maxSkew time.Duration
	logger  *slog.Logger
}

// SettlementDeps bundles the collaborators of a SettlementService.
type SettlementDeps struct {
	Markets   domain.MarketStore
	Pools     domain.PoolStore
	Positions domain.PositionStore
	Claims    domain.ClaimStore
	Cache     domain.MarketCache
	Locks     domain.LockManager
	Bus       domain.EventBus
	Treasury  domain.Treasury
	Auth      domain.Authorizer
	Clock     domain.Clock
	// MaxDeadlineSkew caps how far ahead of the clock a resolve request's
	// deadline may be. Zero disables the check.
	MaxDeadlineSkew time.Duration
}

// NewSettlementService creates a SettlementService from its dependencies.
func NewSettlementService(deps SettlementDeps, logger *slog.Logger) *SettlementService {
	clock := deps.Clock
	if clock == nil {
		clock = domain.WallClock{}
	}
	return &SettlementService{
		markets:   deps.Markets,
		pools:     deps.Pools,
		positions: deps.Positions,
		claims:    deps.Claims,
		cache:     deps.Cache,
		locks:     deps.Locks,
		bus:       deps.Bus,
		treasury:  deps.Treasury,
		auth:      deps.Auth,
		clock:     clock,
		maxSkew:   deps.MaxDeadlineSkew,
		logger:    logger.With(slog.String("component", "settlement_service")),
	}
}

// eventCollector buffers engine events until the operation has persisted.
type eventCollector struct {
	events []domain.Event
}

func (c *eventCollector) Emit(evt domain.Event) {
	c.events = append(c.events, evt)
}

func (s *SettlementService) flush(ctx context.Context, c *eventCollector) {
	for _, evt := range c.events {
		PublishEvent(ctx, s.bus, s.logger, evt)
	}
}

func (s *SettlementService) hydrate(ctx context.Context, marketID string, collector *eventCollector) (*engine.Market, error) {
	m, err := s.markets.GetByID(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: load market %s: %w", marketID, err)
	}
	pools, err := s.pools.GetPair(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: load pools %s: %w", marketID, err)
	}
	return engine.New(m, pools,
		engine.WithTreasury(s.treasury),
		engine.WithEmitter(collector),
		engine.WithClock(s.clock),
	), nil
}

// Stake stakes amount of an account's funds behind outcome. The ledger
// mutation runs in memory first; the treasury deposit and the store writes
// happen only once the engine accepts the stake.
func (s *SettlementService) Stake(ctx context.Context, marketID, account string, outcome domain.Outcome, amount *big.Int) (*domain.StakePosition, error) {
	if !outcome.Valid() {
		return nil, domain.ErrInvalidOutcome
	}

	unlock, err := s.locks.Acquire(ctx, marketID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("settlement: lock %s: %w", marketID, err)
	}
	defer unlock()

	collector := &eventCollector{}
	eng, err := s.hydrate(ctx, marketID, collector)
	if err != nil {
		return nil, err
	}
	pos, err := s.positions.Get(ctx, marketID, account, outcome)
	if err != nil {
		return nil, fmt.Errorf("settlement: load position: %w", err)
	}

	if err := eng.Stake(ctx, pos, amount); err != nil {
		return nil, err
	}

	// Collect the principal only after the engine accepted the stake. A
	// deposit failure discards the in-memory state; nothing was persisted.
	if err := s.treasury.Deposit(ctx, account, amount); err != nil {
		return nil, err
	}

	if err := s.pools.Save(ctx, eng.Pools()[outcome]); err != nil {
		return nil, fmt.Errorf("settlement: persist pool: %w", err)
	}
	if err := s.positions.Save(ctx, pos); err != nil {
		return nil, fmt.Errorf("settlement: persist position: %w", err)
	}

	s.flush(ctx, collector)
	s.logger.InfoContext(ctx, "stake recorded",
		slog.String("market_id", marketID),
		slog.String("account", account),
		slog.String("outcome", outcome.String()),
		slog.String("amount", amount.String()),
	)
	return pos, nil
}

// Resolve records the winning outcome on behalf of the market's authority.
// The request carries a typed-data signature; a deadline in the past or a
// signature from anyone but the authority is rejected.
func (s *SettlementService) Resolve(ctx context.Context, marketID string, outcome domain.Outcome, deadline int64, sig []byte) (domain.Market, error) {
	if !outcome.Valid() {
		return domain.Market{}, domain.ErrInvalidOutcome
	}
	now := s.clock.Now()
	if now > deadline {
		return domain.Market{}, fmt.Errorf("settlement: authorization expired: %w", domain.ErrUnauthorized)
	}
	if s.maxSkew > 0 && deadline > now+int64(s.maxSkew.Seconds()) {
		return domain.Market{}, fmt.Errorf("settlement: deadline too far ahead: %w", domain.ErrUnauthorized)
	}

	unlock, err := s.locks.Acquire(ctx, marketID, lockTTL)
	if err != nil {
		return domain.Market{}, fmt.Errorf("settlement: lock %s: %w", marketID, err)
	}
	defer unlock()

	collector := &eventCollector{}
	eng, err := s.hydrate(ctx, marketID, collector)
	if err != nil {
		return domain.Market{}, err
	}
	m := eng.Header()

	if err := s.auth.Authorize(m.Authority, marketID, outcome, deadline, sig); err != nil {
		return domain.Market{}, err
	}

	if err := eng.Resolve(ctx, m.Authority, outcome); err != nil {
		return domain.Market{}, err
	}

	resolved := eng.Header()
	if err := s.markets.SetResolution(ctx, marketID, resolved.Resolution, resolved.ResolvedAt); err != nil {
		return domain.Market{}, fmt.Errorf("settlement: persist resolution: %w", err)
	}
	if err := s.cache.Invalidate(ctx, marketID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}

	s.flush(ctx, collector)
	s.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.String("outcome", outcome.String()),
	)
	return resolved, nil
}

// Claim settles the account's winning position and pays it out.
func (s *SettlementService) Claim(ctx context.Context, marketID, account string) (*engine.Payout, error) {
	unlock, err := s.locks.Acquire(ctx, marketID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("settlement: lock %s: %w", marketID, err)
	}
	defer unlock()

	collector := &eventCollector{}
	eng, err := s.hydrate(ctx, marketID, collector)
	if err != nil {
		return nil, err
	}
	m := eng.Header()
	if m.Resolution == domain.ResolutionUnset {
		return nil, domain.ErrNotResolved
	}

	pos, err := s.positions.Get(ctx, marketID, account, m.Resolution.Winner())
	if err != nil {
		return nil, fmt.Errorf("settlement: load position: %w", err)
	}

	payout, err := eng.Claim(ctx, pos)
	if err != nil {
		return nil, err
	}

	// The transfer already happened; a persistence failure here is an
	// incident, not a rollback. Surface it loudly.
	if err := s.pools.SavePair(ctx, eng.Pools()); err != nil {
		s.logger.ErrorContext(ctx, "pool persist failed after payout",
			slog.String("market_id", marketID),
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("settlement: persist pools after payout: %w", err)
	}
	if err := s.positions.Save(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "position persist failed after payout",
			slog.String("market_id", marketID),
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("settlement: persist position after payout: %w", err)
	}

	s.recordClaim(ctx, marketID, account, domain.EventClaimed, payout)
	s.flush(ctx, collector)
	s.logger.InfoContext(ctx, "claim settled",
		slog.String("market_id", marketID),
		slog.String("account", account),
		slog.String("total", payout.Total.String()),
	)
	return payout, nil
}

// WithdrawExpired refunds both of an account's principals from a market that
// expired unresolved.
func (s *SettlementService) WithdrawExpired(ctx context.Context, marketID, account string) (*engine.Payout, error) {
	unlock, err := s.locks.Acquire(ctx, marketID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("settlement: lock %s: %w", marketID, err)
	}
	defer unlock()

	collector := &eventCollector{}
	eng, err := s.hydrate(ctx, marketID, collector)
	if err != nil {
		return nil, err
	}
	positions, err := s.positions.GetPair(ctx, marketID, account)
	if err != nil {
		return nil, fmt.Errorf("settlement: load positions: %w", err)
	}

	payout, err := eng.WithdrawExpired(ctx, positions)
	if err != nil {
		return nil, err
	}

	if err := s.pools.SavePair(ctx, eng.Pools()); err != nil {
		return nil, fmt.Errorf("settlement: persist pools after withdrawal: %w", err)
	}
	if err := s.positions.SavePair(ctx, positions); err != nil {
		return nil, fmt.Errorf("settlement: persist positions after withdrawal: %w", err)
	}

	if payout.Total.Sign() > 0 {
		s.recordClaim(ctx, marketID, account, domain.EventExpiredWithdrawal, payout)
	}
	s.flush(ctx, collector)
	s.logger.InfoContext(ctx, "expired stake withdrawn",
		slog.String("market_id", marketID),
		slog.String("account", account),
		slog.String("total", payout.Total.String()),
	)
	return payout, nil
}

// Earned reports the reward units currently accrued to the account's
// position on outcome, without mutating anything.
func (s *SettlementService) Earned(ctx context.Context, marketID, account string, outcome domain.Outcome) (*big.Int, error) {
	if !outcome.Valid() {
		return nil, domain.ErrInvalidOutcome
	}
	eng, err := s.hydrate(ctx, marketID, &eventCollector{})
	if err != nil {
		return nil, err
	}
	pos, err := s.positions.Get(ctx, marketID, account, outcome)
	if err != nil {
		return nil, fmt.Errorf("settlement: load position: %w", err)
	}
	return eng.Earned(pos), nil
}

// Positions returns the account's positions on both sides of a market.
func (s *SettlementService) Positions(ctx context.Context, marketID, account string) ([2]*domain.StakePosition, error) {
	positions, err := s.positions.GetPair(ctx, marketID, account)
	if err != nil {
		return positions, fmt.Errorf("settlement: load positions: %w", err)
	}
	return positions, nil
}

// AccountPositions returns an account's positions across markets.
func (s *SettlementService) AccountPositions(ctx context.Context, account string, opts domain.ListOpts) ([]*domain.StakePosition, error) {
	positions, err := s.positions.ListByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list account positions: %w", err)
	}
	return positions, nil
}

// ClaimsByMarket returns a market's payout audit log.
func (s *SettlementService) ClaimsByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Claim, error) {
	claims, err := s.claims.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list market claims: %w", err)
	}
	return claims, nil
}

// ClaimsByAccount returns an account's payout history.
func (s *SettlementService) ClaimsByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Claim, error) {
	claims, err := s.claims.ListByAccount(ctx, account, opts)
	if err != nil {
		return nil, fmt.Errorf("settlement: list account claims: %w", err)
	}
	return claims, nil
}

// TotalPaid returns the total value paid out for a market so far.
func (s *SettlementService) TotalPaid(ctx context.Context, marketID string) (*big.Int, error) {
	total, err := s.claims.SumPaid(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("settlement: sum payouts: %w", err)
	}
	return total, nil
}

// recordClaim appends the audit row for a completed payout. The payout has
// already transferred; an audit failure is logged but does not unwind it.
func (s *SettlementService) recordClaim(ctx context.Context, marketID, account, kind string, p *engine.Payout) {
	rec := domain.Claim{
		ID:        "clm_" + uuid.New().String(),
		MarketID:  marketID,
		Account:   account,
		Kind:      kind,
		Principal: p.Principal,
		Reward:    p.Reward,
		Total:     p.Total,
		CreatedAt: time.Unix(s.clock.Now(), 0).UTC(),
	}
	if err := s.claims.Insert(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "claim audit insert failed",
			slog.String("market_id", marketID),
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
	}
}
