package s3blob

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/predictlabs/settler/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// MarketArchiveStore provides read access to market headers for archival.
type MarketArchiveStore interface {
	GetByID(ctx context.Context, id string) (domain.Market, error)
}

// PoolArchiveStore provides read access to outcome pools for archival.
type PoolArchiveStore interface {
	GetPair(ctx context.Context, marketID string) ([2]*domain.OutcomePool, error)
}

// PositionArchiveStore provides read access to stake positions for archival.
type PositionArchiveStore interface {
	ListByMarket(ctx context.Context, marketID string) ([]*domain.StakePosition, error)
}

// ClaimArchiveStore provides read access to payout records for archival.
type ClaimArchiveStore interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Claim, error)
	SumPaid(ctx context.Context, marketID string) (*big.Int, error)
}

// ---------------------------------------------------------------------------
// Archiver
// ---------------------------------------------------------------------------

// Archiver writes an immutable ledger snapshot of a settled market to object
// storage: the market header, both outcome pools, every stake position, and
// the full payout log. Snapshots are written once; already-archived markets
// are skipped.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	markets   MarketArchiveStore
	pools     PoolArchiveStore
	positions PositionArchiveStore
	claims    ClaimArchiveStore
}

// NewArchiver creates a new Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	markets MarketArchiveStore,
	pools PoolArchiveStore,
	positions PositionArchiveStore,
	claims ClaimArchiveStore,
) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		markets:   markets,
		pools:     pools,
		positions: positions,
		claims:    claims,
	}
}

// marketSnapshot is the JSON document written to object storage. All amounts
// are serialized as decimal strings to survive any JSON number precision.
type marketSnapshot struct {
	ArchivedAt time.Time          `json:"archived_at"`
	Market     snapshotMarket     `json:"market"`
	Pools      [2]snapshotPool    `json:"pools"`
	Positions  []snapshotPosition `json:"positions"`
	Claims     []snapshotClaim    `json:"claims"`
	TotalPaid  string             `json:"total_paid"`
}

type snapshotMarket struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Authority  string `json:"authority"`
	Pricing    string `json:"pricing"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	ExpiryTime int64  `json:"expiry_time"`
	Resolution string `json:"resolution,omitempty"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
}

type snapshotPool struct {
	Outcome             string `json:"outcome"`
	TotalStaked         string `json:"total_staked"`
	RewardPerUnitStored string `json:"reward_per_unit_stored"`
	Reserve             string `json:"reserve,omitempty"`
}

type snapshotPosition struct {
	Account            string `json:"account"`
	Outcome            string `json:"outcome"`
	Balance            string `json:"balance"`
	PendingRewardUnits string `json:"pending_reward_units"`
	Shares             string `json:"shares,omitempty"`
}

type snapshotClaim struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Kind      string    `json:"kind"`
	Principal string    `json:"principal"`
	Reward    string    `json:"reward"`
	Total     string    `json:"total"`
	CreatedAt time.Time `json:"created_at"`
}

// Archived reports whether a snapshot already exists for the market.
func (a *Archiver) Archived(ctx context.Context, marketID string) (bool, error) {
	return a.reader.Exists(ctx, snapshotPath(marketID))
}

// ArchiveMarket assembles the ledger snapshot for a market and uploads it. It
// is idempotent: if the snapshot already exists nothing is written and the
// returned path points at the existing object.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (string, error) {
	path := snapshotPath(marketID)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: check existing: %w", marketID, err)
	}
	if exists {
		return path, nil
	}

	market, err := a.markets.GetByID(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: load market: %w", marketID, err)
	}

	pools, err := a.pools.GetPair(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: load pools: %w", marketID, err)
	}

	positions, err := a.positions.ListByMarket(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: load positions: %w", marketID, err)
	}

	claims, err := a.claims.ListByMarket(ctx, marketID, domain.ListOpts{})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: load claims: %w", marketID, err)
	}

	paid, err := a.claims.SumPaid(ctx, marketID)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: sum payouts: %w", marketID, err)
	}

	snap := buildSnapshot(market, pools, positions, claims, paid)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: marshal: %w", marketID, err)
	}

	if err := a.writer.Put(ctx, path, data, "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive %s: upload: %w", marketID, err)
	}

	return path, nil
}

// buildSnapshot converts domain records into the snapshot wire form.
func buildSnapshot(
	market domain.Market,
	pools [2]*domain.OutcomePool,
	positions []*domain.StakePosition,
	claims []domain.Claim,
	paid *big.Int,
) marketSnapshot {
	snap := marketSnapshot{
		ArchivedAt: time.Now().UTC(),
		Market: snapshotMarket{
			ID:         market.ID,
			Name:       market.Name,
			Authority:  market.Authority,
			Pricing:    string(market.Pricing),
			StartTime:  market.StartTime,
			EndTime:    market.EndTime,
			ExpiryTime: market.ExpiryTime,
			ResolvedAt: market.ResolvedAt,
		},
		Positions: make([]snapshotPosition, 0, len(positions)),
		Claims:    make([]snapshotClaim, 0, len(claims)),
		TotalPaid: paid.String(),
	}

	if market.Resolution != domain.ResolutionUnset {
		snap.Market.Resolution = market.Resolution.Winner().String()
	}

	for i, pool := range pools {
		p := snapshotPool{
			Outcome:             domain.Outcome(i).String(),
			TotalStaked:         pool.TotalStaked.String(),
			RewardPerUnitStored: pool.RewardPerUnitStored.String(),
		}
		if pool.Reserve != nil && pool.Reserve.Sign() > 0 {
			p.Reserve = pool.Reserve.String()
		}
		snap.Pools[i] = p
	}

	for _, pos := range positions {
		sp := snapshotPosition{
			Account:            pos.Account,
			Outcome:            pos.Outcome.String(),
			Balance:            pos.Balance.String(),
			PendingRewardUnits: pos.PendingRewardUnits.String(),
		}
		if pos.Shares != nil && pos.Shares.Sign() > 0 {
			sp.Shares = pos.Shares.String()
		}
		snap.Positions = append(snap.Positions, sp)
	}

	for _, c := range claims {
		snap.Claims = append(snap.Claims, snapshotClaim{
			ID:        c.ID,
			Account:   c.Account,
			Kind:      c.Kind,
			Principal: c.Principal.String(),
			Reward:    c.Reward.String(),
			Total:     c.Total.String(),
			CreatedAt: c.CreatedAt,
		})
	}

	return snap
}

// snapshotPath builds the object key for a market's ledger snapshot.
//
//	archive/markets/mkt_01234567.json
func snapshotPath(marketID string) string {
	return fmt.Sprintf("archive/markets/%s.json", marketID)
}
