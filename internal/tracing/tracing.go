// ABOUTME: OpenTelemetry setup and span helpers for turns
// ABOUTME: Without an endpoint the global no-op provider stays in place

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/2389/hearth"

// Config configures trace export
type Config struct {
	ServiceName string
	Endpoint    string // host:port of an OTLP/HTTP collector
	Insecure    bool
}

// Init installs an OTLP/HTTP tracer provider. The returned function flushes
// and stops it.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartTurn starts the span covering one turn
func StartTurn(ctx context.Context, conversationID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("agent.id", agentID),
		),
	)
}

// Phase records a lifecycle transition on the span in ctx
func Phase(ctx context.Context, phase string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(phase, trace.WithAttributes(attrs...))
}

// Fail marks the span in ctx as failed
func Fail(ctx context.Context, code string, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("turn.error_code", code))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Error, code)
}
