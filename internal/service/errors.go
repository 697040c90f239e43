// Package service provides business logic implementations.
package service

import "errors"

// Error taxonomy surfaced to callers. Handlers translate these to short
// user-facing messages; the services themselves only report structured
// error kinds.
var (
	// ErrInsufficientFunds means a debit or activation exceeds the
	// available balance. Not retryable.
	ErrInsufficientFunds = errors.New("insufficient available balance")

	// ErrAlreadyDecided means a conflicting decision was attempted on a
	// deposit that is already terminal. Surfaced as a conflict.
	ErrAlreadyDecided = errors.New("transaction already decided")

	// ErrRateLimited means the caller was throttled and may retry after
	// backing off.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvariantViolation means the reconciliation check failed after a
	// mutation. Logged at the highest severity and never auto-retried.
	ErrInvariantViolation = errors.New("ledger reconciliation invariant violated")

	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountDisabled  = errors.New("account is disabled")
	ErrPlanNotFound     = errors.New("mining plan not found")
	ErrPositionNotFound = errors.New("mining position not found")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrStakeOutOfRange  = errors.New("stake outside the plan's limits")
	ErrSelfReferral     = errors.New("cannot refer yourself")
)
