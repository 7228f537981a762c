// Package session drives fetch sessions on behalf of hosts: it records the
// request in the tracker and hands the work to a provider.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/provider"
)

var (
	// ErrNotAwaitingConfirmation is returned by Confirm for bundles without a pending prompt.
	ErrNotAwaitingConfirmation = errors.New("bundle is not awaiting confirmation")

	// ErrNotActive is returned by Cancel for bundles that are not in flight.
	ErrNotActive = errors.New("bundle has no active fetch session")

	// ErrActive is returned by Forget for bundles that are still in flight.
	ErrActive = errors.New("bundle has an active fetch session")

	// ErrRefused is returned by Fetch when the provider did not accept the bundle.
	ErrRefused = errors.New("provider refused fetch")
)

// Tracker is the part of *fetch.Tracker the manager relies on.
type Tracker interface {
	RequestFetch(ctx context.Context, name string) (bool, error)
	ApplyStatusEvent(ctx context.Context, ev fetch.Event) error
	Snapshot(name string) (fetch.Bundle, error)
	Bundles() []fetch.Bundle
	EvictIf(ctx context.Context, name string, check func(fetch.Bundle) error) error
}

// Manager coordinates a tracker and a provider.
type Manager struct {
	tracker  Tracker
	provider provider.Provider
}

// NewManager creates a manager.
func NewManager(tracker Tracker, p provider.Provider) *Manager {
	return &Manager{tracker: tracker, provider: p}
}

// Fetch requests name and starts the provider when a new session began.
// Installed or in-flight bundles are returned as they are.
func (m *Manager) Fetch(ctx context.Context, name string) (fetch.Bundle, error) {
	ctx = logctx.WithBundle(ctx, name)
	logger := logctx.LoggerFromContext(ctx)

	started, err := m.tracker.RequestFetch(ctx, name)
	if err != nil {
		return fetch.Bundle{}, err
	}

	if started {
		if err := m.provider.Fetch(ctx, name); err != nil {
			logger.ErrorContext(ctx, "provider refused fetch", "err", err)

			failed := fetch.Event{Name: name, Status: fetch.StatusFailed, ErrorCode: fetch.ErrorCodeInternal}
			if applyErr := m.tracker.ApplyStatusEvent(ctx, failed); applyErr != nil {
				logger.WarnContext(ctx, "failed to record refused fetch", "err", applyErr)
			}

			b, _ := m.tracker.Snapshot(name)

			return b, fmt.Errorf("%w: %w", ErrRefused, err)
		}
	}

	return m.tracker.Snapshot(name)
}

// Confirm answers the prompt of a bundle in RequiresConfirmation or
// WaitingForNetworkConfirmation.
func (m *Manager) Confirm(ctx context.Context, name string, approved bool) error {
	ctx = logctx.WithBundle(ctx, name)

	b, err := m.tracker.Snapshot(name)
	if err != nil {
		return err
	}

	if !b.Status.AwaitsConfirmation() {
		return fmt.Errorf("%w: status is %s", ErrNotAwaitingConfirmation, b.Status)
	}

	if err := m.provider.Confirm(ctx, name, approved); err != nil {
		if errors.Is(err, provider.ErrNoPendingConfirmation) || errors.Is(err, provider.ErrUnknownBundle) {
			return fmt.Errorf("%w: %w", ErrNotAwaitingConfirmation, err)
		}

		return fmt.Errorf("failed to confirm: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "confirmation answered", "approved", approved, "status", b.Status.String())

	return nil
}

// Cancel aborts an active session. When the provider has no record of the
// bundle the tracker is moved to Canceled directly.
func (m *Manager) Cancel(ctx context.Context, name string) error {
	ctx = logctx.WithBundle(ctx, name)

	b, err := m.tracker.Snapshot(name)
	if err != nil {
		return err
	}

	if !b.Status.IsActive() {
		return fmt.Errorf("%w: status is %s", ErrNotActive, b.Status)
	}

	err = m.provider.Cancel(ctx, name)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, provider.ErrUnknownBundle):
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "provider lost track of bundle, canceling locally")

		return m.tracker.ApplyStatusEvent(ctx, fetch.Event{Name: name, Status: fetch.StatusCanceled})
	default:
		return fmt.Errorf("failed to cancel: %w", err)
	}
}

// Forget drops a finished bundle from the tracker.
func (m *Manager) Forget(ctx context.Context, name string) error {
	return m.tracker.EvictIf(ctx, name, func(b fetch.Bundle) error {
		if b.Status.IsActive() {
			return fmt.Errorf("%w: status is %s", ErrActive, b.Status)
		}

		return nil
	})
}

// Installed returns the names of completed bundles, sorted.
func (m *Manager) Installed() []string {
	var names []string

	for _, b := range m.tracker.Bundles() {
		if b.Status == fetch.StatusCompleted {
			names = append(names, b.Name)
		}
	}

	return names
}

// Apply records an event pushed by an external provider.
func (m *Manager) Apply(ctx context.Context, ev fetch.Event) error {
	return m.tracker.ApplyStatusEvent(logctx.WithBundle(ctx, ev.Name), ev)
}
