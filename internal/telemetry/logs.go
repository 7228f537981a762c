package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// NewLogHandler returns base unchanged when cfg has no OTLP endpoint. Otherwise
// records are written to base and also exported to the collector. The returned
// func flushes and stops the exporter.
func NewLogHandler(ctx context.Context, cfg Config, base slog.Handler) (slog.Handler, func(context.Context) error, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		return base, func(context.Context) error { return nil }, nil
	}

	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := slogmulti.Fanout(
		base,
		otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(provider)),
	)

	return handler, provider.Shutdown, nil
}
