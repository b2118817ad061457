package models

import "errors"

var (
	// ErrInvalidOrderRequest rejects bad input before any state is created
	ErrInvalidOrderRequest = errors.New("invalid order request")
	// ErrInitiationFailed means the gateway refused or timed out
	ErrInitiationFailed = errors.New("payment initiation failed")
	// ErrDuplicateRef means a payment ref is already mapped to another order
	ErrDuplicateRef = errors.New("duplicate payment ref")
	// ErrConflict means the stored state no longer matches the expected one
	ErrConflict = errors.New("state conflict")
	// ErrOrderAlreadyFinalized rejects events on terminal orders
	ErrOrderAlreadyFinalized = errors.New("order already finalized")
	// ErrNotFound is returned for unknown orders and unresolvable refs
	ErrNotFound = errors.New("not found")

	ErrUnknownSKU        = errors.New("unknown sku")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrRequestInFlight   = errors.New("order request already in flight")
	ErrUnavailable       = errors.New("dependency unavailable")
)
