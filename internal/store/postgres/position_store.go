package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/settler/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionCols = `market_id, account, outcome,
	balance::text, reward_units_paid::text, pending_reward_units::text, shares::text`

func scanPosition(row pgx.Row) (*domain.StakePosition, error) {
	var p domain.StakePosition
	var outcome int16
	var balance, paid, pending, shares string
	err := row.Scan(&p.MarketID, &p.Account, &outcome, &balance, &paid, &pending, &shares)
	if err != nil {
		return nil, err
	}
	p.Outcome = domain.Outcome(outcome)
	if p.Balance, err = parseNum(balance); err != nil {
		return nil, err
	}
	if p.RewardUnitsPaid, err = parseNum(paid); err != nil {
		return nil, err
	}
	if p.PendingRewardUnits, err = parseNum(pending); err != nil {
		return nil, err
	}
	if p.Shares, err = parseNum(shares); err != nil {
		return nil, err
	}
	return &p, nil
}

// Get returns the position for (market, account, outcome), or a zeroed
// position when no row exists yet. First stakes start from zero.
func (s *PositionStore) Get(ctx context.Context, marketID, account string, outcome domain.Outcome) (*domain.StakePosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM stake_positions
		 WHERE market_id = $1 AND account = $2 AND outcome = $3`,
		marketID, account, int16(outcome))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewStakePosition(marketID, account, outcome), nil
		}
		return nil, fmt.Errorf("postgres: get position %s/%s/%s: %w", marketID, account, outcome, err)
	}
	return p, nil
}

// GetPair returns the account's positions on both outcomes, zeroed where
// no row exists.
func (s *PositionStore) GetPair(ctx context.Context, marketID, account string) ([2]*domain.StakePosition, error) {
	pair := [2]*domain.StakePosition{
		domain.NewStakePosition(marketID, account, domain.OutcomeA),
		domain.NewStakePosition(marketID, account, domain.OutcomeB),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM stake_positions
		 WHERE market_id = $1 AND account = $2`, marketID, account)
	if err != nil {
		return pair, fmt.Errorf("postgres: get positions %s/%s: %w", marketID, account, err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return pair, fmt.Errorf("postgres: scan position: %w", err)
		}
		pair[p.Outcome] = p
	}
	if err := rows.Err(); err != nil {
		return pair, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return pair, nil
}

const savePositionQuery = `
	INSERT INTO stake_positions (
		market_id, account, outcome,
		balance, reward_units_paid, pending_reward_units, shares, updated_at
	) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, NOW())
	ON CONFLICT (market_id, account, outcome) DO UPDATE SET
		balance              = EXCLUDED.balance,
		reward_units_paid    = EXCLUDED.reward_units_paid,
		pending_reward_units = EXCLUDED.pending_reward_units,
		shares               = EXCLUDED.shares,
		updated_at           = NOW()`

// Save upserts one position.
func (s *PositionStore) Save(ctx context.Context, p *domain.StakePosition) error {
	_, err := s.pool.Exec(ctx, savePositionQuery,
		p.MarketID, p.Account, int16(p.Outcome),
		numArg(p.Balance), numArg(p.RewardUnitsPaid),
		numArg(p.PendingRewardUnits), numArg(p.Shares),
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s/%s/%s: %w", p.MarketID, p.Account, p.Outcome, err)
	}
	return nil
}

// SavePair upserts both of an account's positions in one transaction.
// Expired withdrawals touch both sides and must land together.
func (s *PositionStore) SavePair(ctx context.Context, positions [2]*domain.StakePosition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save positions: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range positions {
		_, err := tx.Exec(ctx, savePositionQuery,
			p.MarketID, p.Account, int16(p.Outcome),
			numArg(p.Balance), numArg(p.RewardUnitsPaid),
			numArg(p.PendingRewardUnits), numArg(p.Shares),
		)
		if err != nil {
			return fmt.Errorf("postgres: save position %s/%s/%s: %w", p.MarketID, p.Account, p.Outcome, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save positions: %w", err)
	}
	return nil
}

// ListByMarket returns every position of a market that still holds principal,
// pending reward, or shares.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]*domain.StakePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM stake_positions
		 WHERE market_id = $1 AND (balance > 0 OR pending_reward_units > 0 OR shares > 0)
		 ORDER BY account, outcome`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", marketID, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// ListByAccount returns an account's positions across markets.
func (s *PositionStore) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]*domain.StakePosition, error) {
	query := `SELECT ` + positionCols + ` FROM stake_positions
		WHERE account = $1 ORDER BY market_id, outcome`
	args := []any{account}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for account %s: %w", account, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

func collectPositions(rows pgx.Rows) ([]*domain.StakePosition, error) {
	var out []*domain.StakePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return out, nil
}
