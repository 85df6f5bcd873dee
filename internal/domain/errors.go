package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrLockHeld         = errors.New("lock already held")
	ErrTrackerNotActive = errors.New("tracker not active")
	ErrTerminalState    = errors.New("tracker in terminal state")
	ErrNotLotMultiple   = errors.New("quantity is not a multiple of lot size")
	ErrInsufficientData = errors.New("insufficient data")
	ErrOrderTimeout     = errors.New("order routing timed out")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrQueueFull        = errors.New("queue full")
	ErrWSDisconnect     = errors.New("websocket disconnected")
)

// Reason codes attached to structured log events.
const (
	ReasonInputAmbiguity     = "input_ambiguity"
	ReasonExternalCallFailed = "external_call_failed"
	ReasonInvariantViolation = "invariant_violation"
	ReasonPersistFailed      = "persist_failed"
	ReasonDuplicateEvent     = "duplicate_event"
)
