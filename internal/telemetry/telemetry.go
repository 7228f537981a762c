package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/italolelis/bundle_fetcher/internal/fetch"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Fetch session metrics
	transitionsTotal   metric.Int64Counter
	eventsRejected     metric.Int64Counter
	callbackFailures   metric.Int64Counter
	bundlesActive      metric.Int64UpDownCounter
	fetchDuration      metric.Float64Histogram
	journalDropped     metric.Int64Counter
	sourceOperations   metric.Int64Counter
	sourceErrors       metric.Int64Counter
	dbOperationsTotal  metric.Int64Counter
	dbOperationLatency metric.Float64Histogram

	// System health
	systemErrors metric.Int64Counter
	systemUptime metric.Float64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint, when set, additionally pushes metrics to an OTLP gRPC collector.
	OTLPEndpoint string
}

var _ fetch.Observer = (*Telemetry)(nil)

// New creates a new telemetry instance. A disabled instance is safe to use and records nothing.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlpExporter)))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	t := &Telemetry{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		meter:          meterProvider.Meter(cfg.ServiceName),
		registry:       registry,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := otelruntime.Start(otelruntime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// TracerProvider returns the SDK tracer provider, or nil when telemetry is disabled.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t.tracerProvider == nil {
		return noop.NewTracerProvider()
	}

	return t.tracerProvider
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(ctx, 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight(ctx context.Context) {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight(ctx context.Context) {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(ctx, -1)
	}
}

// TransitionApplied records a bundle status change.
func (t *Telemetry) TransitionApplied(ctx context.Context, tr fetch.Transition) {
	if t == nil {
		return
	}

	if t.transitionsTotal != nil {
		t.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", tr.From.String()),
			attribute.String("to", tr.To.String()),
		))
	}

	if t.bundlesActive != nil {
		switch wasActive, isActive := tr.From.IsActive(), tr.To.IsActive(); {
		case !wasActive && isActive:
			t.bundlesActive.Add(ctx, 1)
		case wasActive && !isActive:
			t.bundlesActive.Add(ctx, -1)
		}
	}

	if t.fetchDuration != nil && tr.To.IsTerminal() && !tr.Bundle.RequestedAt.IsZero() {
		t.fetchDuration.Record(ctx, tr.At.Sub(tr.Bundle.RequestedAt).Seconds(),
			metric.WithAttributes(attribute.String("status", tr.To.String())),
		)
	}
}

// EventRejected records a status event dropped because its bundle already finished.
func (t *Telemetry) EventRejected(ctx context.Context, _ string, status fetch.Status) {
	if t == nil || t.eventsRejected == nil {
		return
	}

	t.eventsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

// BundleEvicted releases the active slot of a bundle dropped while still in flight.
func (t *Telemetry) BundleEvicted(ctx context.Context, b fetch.Bundle) {
	if t == nil || t.bundlesActive == nil || !b.Status.IsActive() {
		return
	}

	t.bundlesActive.Add(ctx, -1)
}

// CallbackFailed records a subscriber that panicked.
func (t *Telemetry) CallbackFailed(ctx context.Context, _ string) {
	if t == nil || t.callbackFailures == nil {
		return
	}

	t.callbackFailures.Add(ctx, 1)
}

// RecordJournalDropped records a transition the journal could not keep up with.
func (t *Telemetry) RecordJournalDropped(ctx context.Context) {
	if t == nil || t.journalDropped == nil {
		return
	}

	t.journalDropped.Add(ctx, 1)
}

// RecordSourceOperation records bundle source operation metrics.
func (t *Telemetry) RecordSourceOperation(ctx context.Context, source, operation, status string) {
	if t.sourceOperations != nil {
		t.sourceOperations.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("source", source),
				attribute.String("operation", operation),
				attribute.String("status", status),
			),
		)
	}

	if status == "error" && t.sourceErrors != nil {
		t.sourceErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("source", source),
				attribute.String("operation", operation),
			),
		)
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(ctx, 1, attrs)
	}

	if t.dbOperationLatency != nil {
		t.dbOperationLatency.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(ctx context.Context, component, errorType string) {
	if t == nil || t.systemErrors == nil {
		return
	}

	t.systemErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		),
	)
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// initializeMetrics creates all metric instruments.
func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	if err := t.initializeFetchMetrics(); err != nil {
		return err
	}

	return t.initializeSystemMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeFetchMetrics() error {
	var err error

	t.transitionsTotal, err = t.meter.Int64Counter(
		"bundle_transitions_total",
		metric.WithDescription("Total number of applied bundle status transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle_transitions_total counter: %w", err)
	}

	t.eventsRejected, err = t.meter.Int64Counter(
		"bundle_events_rejected_total",
		metric.WithDescription("Total number of status events rejected for finished bundles"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle_events_rejected_total counter: %w", err)
	}

	t.callbackFailures, err = t.meter.Int64Counter(
		"bundle_callback_failures_total",
		metric.WithDescription("Total number of subscriber callbacks that panicked"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle_callback_failures_total counter: %w", err)
	}

	t.bundlesActive, err = t.meter.Int64UpDownCounter(
		"bundles_active",
		metric.WithDescription("Number of bundles with a fetch session in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundles_active counter: %w", err)
	}

	t.fetchDuration, err = t.meter.Float64Histogram(
		"bundle_fetch_duration_seconds",
		metric.WithDescription("Time from fetch request to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bundle_fetch_duration histogram: %w", err)
	}

	t.journalDropped, err = t.meter.Int64Counter(
		"journal_dropped_total",
		metric.WithDescription("Total number of transitions dropped by the journal"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create journal_dropped_total counter: %w", err)
	}

	t.sourceOperations, err = t.meter.Int64Counter(
		"source_operations_total",
		metric.WithDescription("Total number of bundle source operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create source_operations_total counter: %w", err)
	}

	t.sourceErrors, err = t.meter.Int64Counter(
		"source_errors_total",
		metric.WithDescription("Total number of bundle source errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create source_errors_total counter: %w", err)
	}

	t.dbOperationsTotal, err = t.meter.Int64Counter(
		"db_operations_total",
		metric.WithDescription("Total number of database operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operations_total counter: %w", err)
	}

	t.dbOperationLatency, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Database operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeSystemMetrics() error {
	var err error

	t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_errors counter: %w", err)
	}

	t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create system_uptime gauge: %w", err)
	}

	return nil
}

// collectSystemMetrics records uptime periodically. Memory and goroutine metrics
// come from the runtime instrumentation.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.systemUptime.Record(ctx, time.Since(startTime).Seconds())
		}
	}
}
