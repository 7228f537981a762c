package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TraceHandler is an slog.Handler wrapper that injects trace_id and span_id from the
// OpenTelemetry span context, and the bundle name set with WithBundle.
type TraceHandler struct {
	inner slog.Handler

	// bundleAttr is true once a "bundle" attribute was added with WithAttrs, so the
	// context value is not logged twice.
	bundleAttr bool
}

// NewTraceHandler wraps h. It panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{inner: h}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if spanCtx := trace.SpanFromContext(ctx).SpanContext(); spanCtx.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	if name, ok := BundleFromContext(ctx); ok && !h.bundleAttr {
		r.AddAttrs(slog.String("bundle", name))
	}

	return h.inner.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bundleAttr := h.bundleAttr

	for _, a := range attrs {
		if a.Key == "bundle" {
			bundleAttr = true
		}
	}

	return &TraceHandler{inner: h.inner.WithAttrs(attrs), bundleAttr: bundleAttr}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{inner: h.inner.WithGroup(name), bundleAttr: h.bundleAttr}
}
