// Package treasury implements the value-movement backends behind
// domain.Treasury: an internal Postgres ledger and an Ethereum native
// transfer client.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/settler/internal/domain"
)

// CustodyAccount is the reserved ledger account holding all staked value.
const CustodyAccount = "~custody"

// Ledger is a Postgres-backed internal treasury. Every Deposit moves value
// from a user account into custody and every Transfer moves it back out; a
// row-level balance check makes overdrafts impossible.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewLedger creates a Ledger on the given connection pool.
func NewLedger(pool *pgxpool.Pool, logger *slog.Logger) *Ledger {
	return &Ledger{
		pool:   pool,
		logger: logger.With(slog.String("component", "treasury.ledger")),
	}
}

var _ domain.Treasury = (*Ledger)(nil)

// Deposit moves amount from the account into custody. It fails with
// ErrInsufficientFunds when the account balance does not cover amount.
func (l *Ledger) Deposit(ctx context.Context, from string, amount *big.Int) error {
	if err := l.move(ctx, from, CustodyAccount, amount); err != nil {
		return fmt.Errorf("treasury: deposit from %s: %w", from, err)
	}
	l.logger.Debug("deposit recorded",
		slog.String("from", from), slog.String("amount", amount.String()))
	return nil
}

// Transfer pays amount out of custody to the account.
func (l *Ledger) Transfer(ctx context.Context, to string, amount *big.Int) error {
	if err := l.move(ctx, CustodyAccount, to, amount); err != nil {
		return fmt.Errorf("treasury: transfer to %s: %w", to, err)
	}
	l.logger.Debug("transfer recorded",
		slog.String("to", to), slog.String("amount", amount.String()))
	return nil
}

// Credit adds amount to an account out of thin air. Admin and test tooling
// only; settlement paths never mint.
func (l *Ledger) Credit(ctx context.Context, account string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("treasury: credit amount must be positive")
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO treasury_accounts (account, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance    = treasury_accounts.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		account, amount.String())
	if err != nil {
		return fmt.Errorf("treasury: credit %s: %w", account, err)
	}
	return nil
}

// Balance returns the current ledger balance of an account. Unknown accounts
// read as zero.
func (l *Ledger) Balance(ctx context.Context, account string) (*big.Int, error) {
	var s string
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT balance FROM treasury_accounts WHERE account = $1), 0
		)::text`, account).Scan(&s)
	if err != nil {
		return nil, fmt.Errorf("treasury: balance of %s: %w", account, err)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("treasury: malformed balance %q for %s", s, account)
	}
	return v, nil
}

func (l *Ledger) move(ctx context.Context, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The balance >= amount predicate is the overdraft guard; zero rows
	// affected means the debit side cannot cover the move.
	tag, err := tx.Exec(ctx, `
		UPDATE treasury_accounts
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE account = $1 AND balance >= $2::numeric`,
		from, amount.String())
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO treasury_accounts (account, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance    = treasury_accounts.balance + EXCLUDED.balance,
			updated_at = NOW()`,
		to, amount.String())
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
