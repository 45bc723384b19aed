package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/settler/internal/domain"
)

// ClaimStore implements domain.ClaimStore using PostgreSQL. Claims are
// append-only; there is no update path.
type ClaimStore struct {
	pool *pgxpool.Pool
}

// NewClaimStore creates a ClaimStore backed by the given connection pool.
func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{pool: pool}
}

var _ domain.ClaimStore = (*ClaimStore)(nil)

const claimCols = `id, market_id, account, kind,
	principal::text, reward::text, total::text, created_at`

// Insert appends a payout record.
func (s *ClaimStore) Insert(ctx context.Context, c domain.Claim) error {
	const query = `
		INSERT INTO claims (id, market_id, account, kind, principal, reward, total, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.MarketID, c.Account, c.Kind,
		numArg(c.Principal), numArg(c.Reward), numArg(c.Total), c.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert claim %s: %w", c.ID, err)
	}
	return nil
}

func scanClaim(row pgx.Row) (domain.Claim, error) {
	var c domain.Claim
	var principal, reward, total string
	err := row.Scan(&c.ID, &c.MarketID, &c.Account, &c.Kind,
		&principal, &reward, &total, &c.CreatedAt)
	if err != nil {
		return domain.Claim{}, err
	}
	if c.Principal, err = parseNum(principal); err != nil {
		return domain.Claim{}, err
	}
	if c.Reward, err = parseNum(reward); err != nil {
		return domain.Claim{}, err
	}
	if c.Total, err = parseNum(total); err != nil {
		return domain.Claim{}, err
	}
	return c, nil
}

// ListByMarket returns a market's claims, newest first.
func (s *ClaimStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Claim, error) {
	return s.list(ctx, "market_id", marketID, opts)
}

// ListByAccount returns an account's claims across markets, newest first.
func (s *ClaimStore) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Claim, error) {
	return s.list(ctx, "account", account, opts)
}

func (s *ClaimStore) list(ctx context.Context, col, val string, opts domain.ListOpts) ([]domain.Claim, error) {
	query := `SELECT ` + claimCols + ` FROM claims WHERE ` + col + ` = $1 ORDER BY created_at DESC`
	args := []any{val}

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
		return nil, fmt.Errorf("postgres: list claims by %s %s: %w", col, val, err)
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate claims: %w", err)
	}
	return out, nil
}

// SumPaid returns the total value paid out for a market across claims and
// expired withdrawals.
func (s *ClaimStore) SumPaid(ctx context.Context, marketID string) (*big.Int, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total), 0)::text FROM claims WHERE market_id = $1`,
		marketID).Scan(&sum)
	if err != nil {
		return nil, fmt.Errorf("postgres: sum claims for %s: %w", marketID, err)
	}
	return parseNum(sum)
}
