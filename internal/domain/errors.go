package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStaleQuote         = errors.New("quote superseded since claim")
	ErrGuardRejected      = errors.New("guard policy rejected")
	ErrSimulationFailed   = errors.New("simulation reverted")
	ErrSubmissionFailed   = errors.New("transaction submission failed")
	ErrTimeout            = errors.New("confirmation timeout")
	ErrWalletDisconnected = errors.New("wallet not connected")
	ErrInsufficientLiq    = errors.New("insufficient liquidity")
	ErrLockHeld           = errors.New("lock already held")
	ErrInvalidTransition  = errors.New("illegal status transition")
	ErrBadLease           = errors.New("lease token mismatch")

	// ErrDuplicateClaim signals a claim on a non-Active opportunity. It is a
	// normal outcome of racing claimers, not a fault.
	ErrDuplicateClaim = errors.New("opportunity not claimable")
)
