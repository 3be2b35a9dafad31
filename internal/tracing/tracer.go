// Package tracing wires the OpenTelemetry provider and the span helpers
// used around decisions, rate-limit checks and store operations.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider manages the lifecycle of the OpenTelemetry tracer.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// NewTracerProvider creates the provider with an OTLP gRPC exporter and
// ratio-based sampling, and installs it globally.
func NewTracerProvider(serviceName, serviceVersion, otlpEndpoint string, sampleRatio float64) (*TracerProvider, error) {
	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(), // TODO: Add TLS configuration
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.ServiceNamespaceKey.String("acs-core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	return tp.tp.Shutdown(ctx)
}

// DecisionTracer provides distributed tracing for evaluations and
// rate-limit checks.
type DecisionTracer struct {
	tracer trace.Tracer
}

// NewDecisionTracer creates a tracer bound to the service name.
func NewDecisionTracer(serviceName string) *DecisionTracer {
	return &DecisionTracer{tracer: otel.Tracer(serviceName)}
}

// StartEvaluateSpan starts a span for one access evaluation.
func (dt *DecisionTracer) StartEvaluateSpan(ctx context.Context, tenantID string, principalID int64, verb, uri string) (context.Context, trace.Span) {
	return dt.tracer.Start(ctx, "authz_evaluate",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int64("principal.id", principalID),
			attribute.String("authz.verb", verb),
			attribute.String("authz.uri", uri),
			attribute.String("component", "evaluator"),
		),
	)
}

// StartCheckSpan starts a span for one rate-limit check.
func (dt *DecisionTracer) StartCheckSpan(ctx context.Context, tenantID, id, policy string) (context.Context, trace.Span) {
	return dt.tracer.Start(ctx, "ratelimit_check",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("ratelimit.id", id),
			attribute.String("ratelimit.policy", policy),
			attribute.String("component", "limiter"),
		),
	)
}

// StartStoreSpan starts a span for one store operation.
func (dt *DecisionTracer) StartStoreSpan(ctx context.Context, operation, backend string) (context.Context, trace.Span) {
	return dt.tracer.Start(ctx, "store_operation",
		trace.WithAttributes(
			attribute.String("store.operation", operation),
			attribute.String("store.backend", backend),
			attribute.String("component", "store"),
		),
	)
}

// RecordDecision stamps the outcome of an evaluation on its span.
func (dt *DecisionTracer) RecordDecision(span trace.Span, effect string, ruleCount int, fromCache bool, duration time.Duration) {
	span.SetAttributes(
		attribute.String("authz.effect", effect),
		attribute.Int("authz.rule_count", ruleCount),
		attribute.Bool("authz.from_cache", fromCache),
		attribute.Int64("authz.duration_ms", duration.Milliseconds()),
	)
}

// RecordCheck stamps the outcome of a rate-limit check on its span.
func (dt *DecisionTracer) RecordCheck(span trace.Span, allowed, failedOpen bool, remaining int) {
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", allowed),
		attribute.Bool("ratelimit.fail_open", failedOpen),
		attribute.Int("ratelimit.remaining", remaining),
	)
}

// RecordError records an error on a span.
func (dt *DecisionTracer) RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attrs...)
	span.RecordError(err)
}
