package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
)

// Message returns the notification text for tr. Only terminal statuses and
// confirmation prompts are worth a notification.
func Message(tr fetch.Transition) (string, bool) {
	b := tr.Bundle

	switch tr.To {
	case fetch.StatusCompleted:
		return fmt.Sprintf("✅ Bundle installed: %s (%s) at %s", b.Name, humanize.Bytes(uint64(b.BytesDownloaded)), b.ResolvedPath), true
	case fetch.StatusFailed:
		return fmt.Sprintf("❌ Bundle fetch failed: %s (%s)", b.Name, b.ErrorCode), true
	case fetch.StatusCanceled:
		return fmt.Sprintf("🚫 Bundle fetch canceled: %s", b.Name), true
	case fetch.StatusWaitingForNetworkConfirmation:
		return fmt.Sprintf("⏸️ Bundle %s (%s) is waiting for download confirmation", b.Name, humanize.Bytes(uint64(b.TotalBytes))), true
	case fetch.StatusRequiresConfirmation:
		return fmt.Sprintf("⏸️ Bundle %s is waiting for install confirmation", b.Name), true
	default:
		return "", false
	}
}

// Dispatcher forwards notable transitions to a Notifier from its own goroutine.
type Dispatcher struct {
	notifier Notifier
	ch       chan string
}

// NewDispatcher creates a dispatcher with room for buffer pending messages.
func NewDispatcher(n Notifier, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 16
	}

	return &Dispatcher{notifier: n, ch: make(chan string, buffer)}
}

// Attach subscribes the dispatcher to every bundle of tracker.
func (d *Dispatcher) Attach(tracker *fetch.Tracker) fetch.SubscriptionID {
	return tracker.Subscribe(fetch.Wildcard, d.Observe)
}

// Observe queues a notification for tr without blocking.
func (d *Dispatcher) Observe(ctx context.Context, tr fetch.Transition) {
	msg, ok := Message(tr)
	if !ok {
		return
	}

	select {
	case d.ch <- msg:
	default:
		ctx = logctx.WithBundle(ctx, tr.Name)
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "notification queue full, dropping message", "to", tr.To.String())
	}
}

// Run sends queued notifications until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "notification dispatcher shutting down")

			return nil
		case msg := <-d.ch:
			if err := d.notifier.Notify(ctx, msg); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "err", err)
			}
		}
	}
}
