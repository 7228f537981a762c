package fetch

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a bundle fetch session.
type Status int

const (
	StatusNotRequested Status = iota
	StatusPending
	StatusDownloading
	StatusTransferring
	StatusRequiresConfirmation
	StatusCompleted
	StatusFailed
	StatusCanceled
	StatusWaitingForNetworkConfirmation
)

var statusNames = map[Status]string{
	StatusNotRequested:                  "not_requested",
	StatusPending:                       "pending",
	StatusDownloading:                   "downloading",
	StatusTransferring:                  "transferring",
	StatusRequiresConfirmation:          "requires_confirmation",
	StatusCompleted:                     "completed",
	StatusFailed:                        "failed",
	StatusCanceled:                      "canceled",
	StatusWaitingForNetworkConfirmation: "waiting_for_network_confirmation",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]

	return ok
}

// IsTerminal reports whether no further events are accepted in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// IsActive reports whether a fetch session is in flight.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusTransferring,
		StatusRequiresConfirmation, StatusWaitingForNetworkConfirmation:
		return true
	default:
		return false
	}
}

// AwaitsConfirmation reports whether the provider is blocked on a user answer.
func (s Status) AwaitsConfirmation() bool {
	return s == StatusRequiresConfirmation || s == StatusWaitingForNetworkConfirmation
}

// ParseStatus parses the text form of a status, ignoring case.
func ParseStatus(text string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))

	for s, name := range statusNames {
		if name == normalized {
			return s, nil
		}
	}

	return StatusNotRequested, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, text)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", ErrInvalidEvent, int(s))
	}

	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// transitions lists the canonical edges of the fetch state machine. Edges not in
// this table are still accepted from non-terminal states, but flagged as normalized.
var transitions = map[Status][]Status{
	StatusNotRequested:                  {StatusPending},
	StatusPending:                       {StatusDownloading, StatusFailed, StatusCanceled},
	StatusDownloading:                   {StatusDownloading, StatusTransferring, StatusWaitingForNetworkConfirmation, StatusFailed, StatusCanceled},
	StatusWaitingForNetworkConfirmation: {StatusDownloading},
	StatusTransferring:                  {StatusRequiresConfirmation, StatusCompleted, StatusFailed, StatusCanceled},
	StatusRequiresConfirmation:          {StatusTransferring},
}

// CanTransition reports whether from -> to is a canonical edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}
