package ticket

import "errors"

var (
	// ErrValidation is returned for bad input, rejected before any state
	// change.
	ErrValidation = errors.New("ticket: validation failed")

	// ErrExecutionBusy is returned when another execution is in flight
	// system-wide. There is no wait queue — the caller retries with a
	// fresh intent.
	ErrExecutionBusy = errors.New("ticket: another execution is in flight")

	// ErrInvalidState is returned for an illegal lifecycle transition.
	// The ticket is left unchanged.
	ErrInvalidState = errors.New("ticket: operation not legal in current state")

	// ErrNotFound is returned when no ticket exists for the given id.
	ErrNotFound = errors.New("ticket: not found")

	// ErrExternalExecution is returned when the venue rejected or timed
	// out an order. The failure is recorded on the ticket's diagnostic
	// log and the ticket parks in the error state; the engine never
	// auto-retries a money-moving call.
	ErrExternalExecution = errors.New("ticket: external execution failed")
)
