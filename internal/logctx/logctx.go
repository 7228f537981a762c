package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey contextKey = "logger"
	bundleKey contextKey = "bundle"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithBundle marks the context as working on behalf of the named bundle.
// TraceHandler adds it to every record logged with that context.
func WithBundle(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, bundleKey, name)
}

// BundleFromContext returns the bundle name stored by WithBundle.
func BundleFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(bundleKey).(string)

	return name, ok && name != ""
}
