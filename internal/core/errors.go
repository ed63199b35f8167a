package core

import "errors"

// Engine-level sentinel errors. State and invariant failures surface as
// internal/state sentinels; these cover the operation guard and the gates
// every entry point passes before touching book state.
var (
	ErrPaused          = errors.New("ledger is paused")
	ErrNotPaused       = errors.New("ledger is not paused")
	ErrUnauthorized    = errors.New("caller lacks required capability")
	ErrReentrancy      = errors.New("reentrant call rejected")
	ErrVaultDrift      = errors.New("vault balance differs from last recorded value")
	ErrRateUnavailable = errors.New("no fresh oracle rate")
	ErrNotOwner        = errors.New("caller does not own this position")
	ErrClosureUnsafe   = errors.New("payout would undercollateralize the vault")
)
