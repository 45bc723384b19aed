package domain

import (
	"context"
	"math/big"
)

// Treasury is the external value-movement primitive. A failed transfer must
// fail the enclosing settlement operation as a whole; implementations never
// retry silently.
type Treasury interface {
	// Deposit records value arriving from an account into market custody.
	Deposit(ctx context.Context, from string, amount *big.Int) error
	// Transfer pays amount out of market custody to the given account.
	Transfer(ctx context.Context, to string, amount *big.Int) error
}

// Authorizer is the capability check gating resolve and other privileged
// operations. Implementations verify that the request genuinely originates
// from the market's authority.
type Authorizer interface {
	// Authorize verifies sig over the canonical resolve payload for
	// (marketID, outcome, deadline) and reports whether the signer is
	// authority.
	Authorize(authority string, marketID string, outcome Outcome, deadline int64, sig []byte) error
}
