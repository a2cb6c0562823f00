package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrConflict      = errors.New("concurrent modification")

	// Formation errors surfaced to callers of the engine.
	ErrProductNotBuyable     = errors.New("product is not buyable as a group")
	ErrInvalidQuantity       = errors.New("quantity must be at least 1")
	ErrGroupUnavailable      = errors.New("group buy is full, try again later")
	ErrUnknownParticipant    = errors.New("unknown participant")
	ErrGroupAlreadyConfirmed = errors.New("group buy already confirmed")
	ErrGroupClosed           = errors.New("group buy is closed")

	// ErrPaymentConflict is a deposit result contradicting the one already
	// recorded, such as a failure reported after a success.
	ErrPaymentConflict = errors.New("payment result conflicts with recorded deposit")

	// Ledger guards. These never surface when the engine's state machine holds.
	ErrCapacityExceeded  = errors.New("group buy has no remaining capacity")
	ErrInvalidTransition = errors.New("invalid state transition")
)
