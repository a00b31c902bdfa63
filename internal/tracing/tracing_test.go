// ABOUTME: Tests for turn span helpers using an in-memory span recorder

package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestStartTurn_RecordsPhases(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartTurn(context.Background(), "c1", "a1")
	Phase(ctx, "resolving")
	Phase(ctx, "executing", attribute.String("session.id", "s1"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "turn", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("conversation.id", "c1"))
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "executing", spans[0].Events()[1].Name)
}

func TestFail_SetsErrorStatus(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartTurn(context.Background(), "c1", "a1")
	Fail(ctx, "adapter_error", errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	assert.Contains(t, spans[0].Attributes(), attribute.String("turn.error_code", "adapter_error"))
}

func TestInit_NoEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "hearth"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
