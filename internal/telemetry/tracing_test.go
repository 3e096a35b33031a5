package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestSetupWithoutEndpointIsNoop leaves tracing disabled.
func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), Config{ServiceName: "progressd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

// TestNewTracerProviderTagsService attaches the service resource to spans.
func TestNewTracerProviderTagsService(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp, err := NewTracerProvider(context.Background(),
		Config{ServiceName: "progressd", Version: "test"},
		sdktrace.WithSpanProcessor(rec),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "job row_import")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Contains(t, spans[0].Resource().Attributes(), attribute.String("service.name", "progressd"))
}
