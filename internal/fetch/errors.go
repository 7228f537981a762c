package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when querying a bundle that was never requested.
	ErrNotFound = errors.New("bundle not found")

	// ErrInvalidName is returned for empty bundle names.
	ErrInvalidName = errors.New("invalid bundle name")

	// ErrInvalidEvent is returned for events that cannot describe a transition.
	ErrInvalidEvent = errors.New("invalid status event")

	// ErrTerminal marks events rejected because the bundle already reached a terminal status.
	ErrTerminal = errors.New("bundle is in a terminal status")
)

// Error codes attached to Failed bundles.
const (
	ErrorCodeNetwork             = "NETWORK_ERROR"
	ErrorCodeUnavailable         = "BUNDLE_UNAVAILABLE"
	ErrorCodeAccessDenied        = "ACCESS_DENIED"
	ErrorCodeInsufficientStorage = "INSUFFICIENT_STORAGE"
	ErrorCodeInternal            = "INTERNAL_ERROR"
	ErrorCodeUnknown             = "UNKNOWN_ERROR"
)

// TransitionError describes a status event that was not applied.
type TransitionError struct {
	Name string // Bundle the event was addressed to
	From Status // Status at the time the event arrived
	To   Status // Status carried by the event
	Err  error  // Reason, usually ErrTerminal
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bundle %s: rejected transition %s -> %s: %v", e.Name, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
