package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/settler/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

var _ domain.PoolStore = (*PoolStore)(nil)

const poolCols = `market_id, outcome,
	total_staked::text, reward_per_unit_stored::text, last_accrual_time, reserve::text`

func scanPool(row pgx.Row) (*domain.OutcomePool, error) {
	var p domain.OutcomePool
	var outcome int16
	var staked, rpu, reserve string
	err := row.Scan(&p.MarketID, &outcome, &staked, &rpu, &p.LastAccrualTime, &reserve)
	if err != nil {
		return nil, err
	}
	p.Outcome = domain.Outcome(outcome)
	if p.TotalStaked, err = parseNum(staked); err != nil {
		return nil, err
	}
	if p.RewardPerUnitStored, err = parseNum(rpu); err != nil {
		return nil, err
	}
	if p.Reserve, err = parseNum(reserve); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPair returns both pools of a market, inserting zeroed rows on first use
// so callers always see a complete pair.
func (s *PoolStore) GetPair(ctx context.Context, marketID string) ([2]*domain.OutcomePool, error) {
	var pair [2]*domain.OutcomePool

	_, err := s.pool.Exec(ctx,
		`INSERT INTO outcome_pools (market_id, outcome)
		 VALUES ($1, 0), ($1, 1)
		 ON CONFLICT (market_id, outcome) DO NOTHING`, marketID)
	if err != nil {
		return pair, fmt.Errorf("postgres: seed pools for %s: %w", marketID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+poolCols+` FROM outcome_pools WHERE market_id = $1 ORDER BY outcome`, marketID)
	if err != nil {
		return pair, fmt.Errorf("postgres: get pools for %s: %w", marketID, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return pair, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pair[p.Outcome] = p
		n++
	}
	if err := rows.Err(); err != nil {
		return pair, fmt.Errorf("postgres: iterate pools: %w", err)
	}
	if n != 2 || pair[0] == nil || pair[1] == nil {
		return pair, fmt.Errorf("postgres: market %s has %d pools, want 2", marketID, n)
	}
	return pair, nil
}

const savePoolQuery = `
	UPDATE outcome_pools SET
		total_staked           = $3::numeric,
		reward_per_unit_stored = $4::numeric,
		last_accrual_time      = $5,
		reserve                = $6::numeric,
		updated_at             = NOW()
	WHERE market_id = $1 AND outcome = $2`

// Save persists one pool's mutable columns.
func (s *PoolStore) Save(ctx context.Context, p *domain.OutcomePool) error {
	tag, err := s.pool.Exec(ctx, savePoolQuery,
		p.MarketID, int16(p.Outcome),
		numArg(p.TotalStaked), numArg(p.RewardPerUnitStored),
		p.LastAccrualTime, numArg(p.Reserve),
	)
	if err != nil {
		return fmt.Errorf("postgres: save pool %s/%s: %w", p.MarketID, p.Outcome, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SavePair persists both pools of a market in one transaction so a settlement
// step never leaves the pair half-written.
func (s *PoolStore) SavePair(ctx context.Context, pools [2]*domain.OutcomePool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save pools: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range pools {
		tag, err := tx.Exec(ctx, savePoolQuery,
			p.MarketID, int16(p.Outcome),
			numArg(p.TotalStaked), numArg(p.RewardPerUnitStored),
			p.LastAccrualTime, numArg(p.Reserve),
		)
		if err != nil {
			return fmt.Errorf("postgres: save pool %s/%s: %w", p.MarketID, p.Outcome, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save pools: %w", err)
	}
	return nil
}
