// Package journal persists bundle transitions to an append-only audit log. The
// journal is never read back into a tracker.
package journal

import (
	"context"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	"github.com/italolelis/bundle_fetcher/internal/logctx"
	"github.com/italolelis/bundle_fetcher/internal/storage"
)

const defaultBuffer = 256

// Metrics receives journal health signals. *telemetry.Telemetry satisfies it.
type Metrics interface {
	RecordJournalDropped(ctx context.Context)
	RecordSystemError(ctx context.Context, component, errorType string)
}

type nopMetrics struct{}

func (nopMetrics) RecordJournalDropped(context.Context)              {}
func (nopMetrics) RecordSystemError(context.Context, string, string) {}

// Recorder buffers transitions delivered by a tracker subscription and writes
// them from its own goroutine, so slow storage never stalls the tracker.
type Recorder struct {
	repo       storage.JournalWriteRepository
	instanceID string
	metrics    Metrics
	ch         chan fetch.Transition
}

// NewRecorder creates a recorder with room for buffer pending transitions.
func NewRecorder(repo storage.JournalWriteRepository, instanceID string, buffer int, metrics Metrics) *Recorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Recorder{
		repo:       repo,
		instanceID: instanceID,
		metrics:    metrics,
		ch:         make(chan fetch.Transition, buffer),
	}
}

// Attach subscribes the recorder to every bundle of tracker.
func (r *Recorder) Attach(tracker *fetch.Tracker) fetch.SubscriptionID {
	return tracker.Subscribe(fetch.Wildcard, r.Observe)
}

// Observe queues tr for writing. It never blocks; transitions are dropped when the buffer is full.
func (r *Recorder) Observe(ctx context.Context, tr fetch.Transition) {
	select {
	case r.ch <- tr:
	default:
		ctx = logctx.WithBundle(ctx, tr.Name)
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "journal buffer full, dropping transition",
			"from", tr.From.String(),
			"to", tr.To.String())

		r.metrics.RecordJournalDropped(ctx)
	}
}

// Run writes queued transitions until ctx is canceled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "journal recorder started")

	for {
		select {
		case <-ctx.Done():
			flushed := r.flush(context.WithoutCancel(ctx))

			logger.InfoContext(ctx, "journal recorder stopped", "flushed", flushed)

			return nil
		case tr := <-r.ch:
			r.write(ctx, tr)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) int {
	n := 0

	for {
		select {
		case tr := <-r.ch:
			r.write(ctx, tr)
			n++
		default:
			return n
		}
	}
}

func (r *Recorder) write(ctx context.Context, tr fetch.Transition) {
	if err := r.repo.Append(ctx, Record(tr, r.instanceID)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to write journal entry",
			"bundle", tr.Name,
			"to", tr.To.String(),
			"err", err)

		r.metrics.RecordSystemError(ctx, "journal", "append")
	}
}

// Record converts a transition to its journal form.
func Record(tr fetch.Transition, instanceID string) storage.JournalRecord {
	return storage.JournalRecord{
		Bundle:          tr.Name,
		FromStatus:      tr.From.String(),
		ToStatus:        tr.To.String(),
		BytesDownloaded: tr.Bundle.BytesDownloaded,
		TotalBytes:      tr.Bundle.TotalBytes,
		ErrorCode:       tr.Bundle.ErrorCode,
		ResolvedPath:    tr.Bundle.ResolvedPath,
		Synthesized:     tr.Synthesized,
		Normalized:      tr.Normalized,
		InstanceID:      instanceID,
		RecordedAt:      tr.At,
	}
}
