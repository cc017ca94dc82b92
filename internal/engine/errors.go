package engine

import "errors"

var (
	// ErrInsufficientFunds rejects a buy whose notional exceeds the
	// taker's balance. No state is mutated.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientShares rejects a sell larger than the taker's
	// total open position in the symbol. No state is mutated.
	ErrInsufficientShares = errors.New("insufficient shares")
	// ErrInvalidOrder rejects malformed submissions: unknown side,
	// non-positive volume or price, or an expiry not in the future.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrInvariantViolation indicates a bug, not a user condition: the
	// position ledger was asked to close more volume than exists. The
	// offending fill is rolled back and the violation logged.
	ErrInvariantViolation = errors.New("ledger invariant violation")
)
