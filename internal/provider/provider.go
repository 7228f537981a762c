// Package provider defines the contract between the session layer and the
// component that actually delivers bundles.
package provider

import (
	"context"
	"errors"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
)

var (
	// ErrUnknownBundle is returned by Cancel and Confirm for bundles the provider is not working on.
	ErrUnknownBundle = errors.New("provider has no session for bundle")

	// ErrNoPendingConfirmation is returned by Confirm when the session is not waiting for an answer.
	ErrNoPendingConfirmation = errors.New("provider is not waiting for confirmation")
)

// Provider delivers bundles asynchronously. Progress is reported to a Sink, never
// through return values.
type Provider interface {
	// Fetch begins delivering name and returns once the work is accepted.
	Fetch(ctx context.Context, name string) error
	// Cancel asks the provider to abort delivery of name.
	Cancel(ctx context.Context, name string) error
	// Confirm answers a pending RequiresConfirmation or WaitingForNetworkConfirmation prompt.
	Confirm(ctx context.Context, name string, approved bool) error
}

// Sink receives status events. *fetch.Tracker satisfies it.
type Sink interface {
	ApplyStatusEvent(ctx context.Context, ev fetch.Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev fetch.Event) error

func (f SinkFunc) ApplyStatusEvent(ctx context.Context, ev fetch.Event) error {
	return f(ctx, ev)
}
