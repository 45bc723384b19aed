package domain

import (
	"context"
	"math/big"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists market headers.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	// ListInPhase returns markets that are in the given time-derived phase at
	// now. Used by the lifecycle monitor.
	ListInPhase(ctx context.Context, phase Phase, now int64) ([]Market, error)
	// SetResolution records the resolution outcome. It fails with
	// ErrAlreadyResolved if a resolution is already set.
	SetResolution(ctx context.Context, id string, res Resolution, at int64) error
	Count(ctx context.Context) (int64, error)
}

// PoolStore persists the two outcome pools of each market.
type PoolStore interface {
	// GetPair returns both pools of a market, creating zeroed rows on first use.
	GetPair(ctx context.Context, marketID string) ([2]*OutcomePool, error)
	Save(ctx context.Context, pool *OutcomePool) error
	SavePair(ctx context.Context, pools [2]*OutcomePool) error
}

// PositionStore persists stake positions keyed by (market, account, outcome).
type PositionStore interface {
	// Get returns the position, or a zeroed position if none exists yet.
	Get(ctx context.Context, marketID, account string, outcome Outcome) (*StakePosition, error)
	// GetPair returns the account's positions on both outcomes.
	GetPair(ctx context.Context, marketID, account string) ([2]*StakePosition, error)
	Save(ctx context.Context, pos *StakePosition) error
	SavePair(ctx context.Context, positions [2]*StakePosition) error
	// ListByMarket returns every non-zero position of a market, for snapshots.
	ListByMarket(ctx context.Context, marketID string) ([]*StakePosition, error)
	ListByAccount(ctx context.Context, account string, opts ListOpts) ([]*StakePosition, error)
}

// Claim is the audit record of a payout or expired withdrawal.
type Claim struct {
	ID        string
	MarketID  string
	Account   string
	Kind      string // EventClaimed or EventExpiredWithdrawal
	Principal *big.Int
	Reward    *big.Int
	Total     *big.Int
	CreatedAt time.Time
}

// ClaimStore persists the append-only payout audit log.
type ClaimStore interface {
	Insert(ctx context.Context, c Claim) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Claim, error)
	ListByAccount(ctx context.Context, account string, opts ListOpts) ([]Claim, error)
	// SumPaid returns the total value paid out for a market.
	SumPaid(ctx context.Context, marketID string) (*big.Int, error)
}
