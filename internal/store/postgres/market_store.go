package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/settler/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

const marketCols = `id, name, authority, pricing,
	start_time, end_time, expiry_time,
	resolution, resolved_at, created_at`

// Create inserts a new market header. The header is immutable after insert
// except for the resolution fields, which SetResolution owns.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, name, authority, pricing,
			start_time, end_time, expiry_time,
			resolution, resolved_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Name, m.Authority, string(m.Pricing),
		m.StartTime, m.EndTime, m.ExpiryTime,
		int16(m.Resolution), m.ResolvedAt, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var pricing string
	var resolution int16
	err := row.Scan(
		&m.ID, &m.Name, &m.Authority, &pricing,
		&m.StartTime, &m.EndTime, &m.ExpiryTime,
		&resolution, &m.ResolvedAt, &m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Pricing = domain.PricingModel(pricing)
	m.Resolution = domain.Resolution(resolution)
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// List returns markets ordered by creation time, newest first.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" WHERE created_at >= $%d", argIdx)
		args = append(args, opts.Since.Unix())
		argIdx++
	}

	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

// ListInPhase returns unresolved markets whose time-derived phase at now
// matches phase. Resolved markets are matched on the resolution flag alone.
func (s *MarketStore) ListInPhase(ctx context.Context, phase domain.Phase, now int64) ([]domain.Market, error) {
	var cond string
	switch phase {
	case domain.PhasePredicting:
		cond = `resolution = 0 AND end_time > $1`
	case domain.PhaseAwaitingResolution:
		cond = `resolution = 0 AND end_time <= $1 AND expiry_time > $1`
	case domain.PhaseExpired:
		cond = `resolution = 0 AND expiry_time <= $1`
	case domain.PhaseResolved:
		cond = `resolution <> 0 AND $1 >= 0`
	default:
		return nil, fmt.Errorf("postgres: unknown phase %q", phase)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets WHERE `+cond+` ORDER BY end_time ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets in phase %s: %w", phase, err)
	}
	defer rows.Close()

	return collectMarkets(rows)
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate markets: %w", err)
	}
	return out, nil
}

// SetResolution records the winning outcome. The WHERE clause guards the
// set-at-most-once invariant at the database level.
func (s *MarketStore) SetResolution(ctx context.Context, id string, res domain.Resolution, at int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET resolution = $2, resolved_at = $3
		 WHERE id = $1 AND resolution = 0`,
		id, int16(res), at)
	if err != nil {
		return fmt.Errorf("postgres: set resolution for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)", id).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check market %s: %w", id, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrAlreadyResolved
	}
	return nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}
