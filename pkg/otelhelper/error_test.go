package otelhelper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(t.Context(), "worker.execute.echo")

	SetError(span, errors.New("downstream unavailable"), attribute.String("activity_id", "echo"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	recorded := spans[0]
	assert.Equal(t, codes.Error, recorded.Status().Code)
	assert.Equal(t, "downstream unavailable", recorded.Status().Description)

	var sawEvent bool

	for _, event := range recorded.Events() {
		if event.Name == "error_occurred" {
			sawEvent = true

			assert.Contains(t, event.Attributes, attribute.String("activity_id", "echo"))
		}
	}

	assert.True(t, sawEvent)
}
