package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Not parallel: InitTracing replaces process-wide globals.
func TestInitTracingExportsAndPropagates(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracing(context.Background(), Config{
		ServiceName:    "fetchworker",
		ServiceVersion: "test",
		Exporter:       exporter,
	})
	require.NoError(t, err)

	ctx, span := otel.Tracer("test").Start(context.Background(), "fetch.execute")
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	span.End()

	require.Contains(t, carrier, "traceparent")

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "fetch.execute", spans[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	require.Equal(t, "fetchworker", service)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracingWithoutExporter(t *testing.T) {
	tp, err := InitTracing(context.Background(), Config{ServiceName: "fetchworker", SampleRatio: 0.25})
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
