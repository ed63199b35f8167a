package state

import "errors"

// Sentinel errors for the State and Invariant classes of the ledger's error
// taxonomy. Callers match with errors.Is; every failure aborts the whole
// operation with no partial state change.
var (
	// Validation
	ErrInvalidAmount   = errors.New("amount is zero or out of range")
	ErrInvalidLeverage = errors.New("leverage out of range")
	ErrInvalidParams   = errors.New("invalid risk parameters")

	// State
	ErrPositionNotFound   = errors.New("position not found")
	ErrPositionInactive   = errors.New("position is not active")
	ErrCommitmentNotFound = errors.New("liquidation commitment not found")
	ErrCommitmentExists   = errors.New("liquidation commitment already exists")
	ErrCommitmentExpired  = errors.New("liquidation commitment expired")
	ErrCommitmentTooFresh = errors.New("liquidation commitment below minimum age")
	ErrTooManyCommitments = errors.New("too many pending commitments for position")
	ErrCooldownActive     = errors.New("liquidation cooldown active")
	ErrLiquidationPending = errors.New("position has a pending liquidation commitment")

	// Invariant
	ErrInsufficientCapacity = errors.New("insufficient spare capacity")
	ErrInsufficientFilled   = errors.New("insufficient filled exposure")
	ErrAmountBound          = errors.New("aggregate bound would be exceeded")
	ErrNotLiquidatable      = errors.New("margin ratio above liquidation threshold")
	ErrInsufficientMargin   = errors.New("resulting margin ratio below minimum")
)
