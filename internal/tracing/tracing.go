// Package tracing wires OpenTelemetry tracing behind the telemetry config
// block. Disabled telemetry yields the otel no-op provider, so callers can
// start spans unconditionally.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/chapohq/chapo/internal/config"
)

const scopeName = "github.com/chapohq/chapo"

// Setup installs the global tracer provider from cfg and returns a shutdown
// function that flushes pending spans. With telemetry disabled it returns a
// no-op shutdown and leaves the default provider in place.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	// Endpoint is host:port; TLS stays off because the collector is local.
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "chapo"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}, nil
}

// StartTurn opens the span covering one decision-loop turn.
func StartTurn(ctx context.Context, sessionID, turnID string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("turn.id", turnID),
		))
}

// StartDelegation opens the span covering one sub-agent delegation.
func StartDelegation(ctx context.Context, target, domain string) (context.Context, trace.Span) {
	return otel.Tracer(scopeName).Start(ctx, "agent.delegation",
		trace.WithAttributes(
			attribute.String("delegation.target", target),
			attribute.String("delegation.domain", domain),
		))
}

// RecordError marks the span failed when err is non-nil.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
