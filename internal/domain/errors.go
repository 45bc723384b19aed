package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")

	// Validation errors: rejected at market creation, no market is created.
	ErrInvalidWindow = errors.New("market window must satisfy now < start < end < expiry")
	ErrInvalidName   = errors.New("market name must not be empty")

	// Timing errors: operation called outside its legal lifecycle phase.
	// State is unchanged; the caller may retry when the phase is right.
	ErrStakingClosed = errors.New("staking window is closed")
	ErrNotResolvable = errors.New("market is not awaiting resolution")
	ErrNotResolved   = errors.New("market is not resolved")
	ErrNotExpired    = errors.New("market has not expired")

	// Economic errors: rejected with no state mutated.
	ErrZeroStake       = errors.New("stake amount must be positive")
	ErrNothingToClaim  = errors.New("nothing to claim")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrInvalidOutcome  = errors.New("invalid outcome")

	// ErrReentrantCall signals a mutating operation begun while another one
	// for the same market is still executing.
	ErrReentrantCall = errors.New("reentrant call")

	// ErrTransferFailed wraps failures of the external value-movement
	// primitive. The surrounding operation fails atomically.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrInsufficientFunds is returned by the ledger treasury when the payer
	// account cannot cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
