package obstrace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartLifecycleSpanRecordsSuccess(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewTracerProvider(sdktrace.NewSimpleSpanProcessor(exporter))
	defer tp.Shutdown(context.Background())

	tracer := Tracer(tp)
	_, end := StartLifecycleSpan(context.Background(), tracer, "start", "example_plugin", 7)
	end(nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "start", spans[0].Name)
	require.Equal(t, codes.Ok, spans[0].Status.Code)

	var foundName, foundID bool
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "plugin.name" {
			foundName = true
			require.Equal(t, "example_plugin", attr.Value.AsString())
		}
		if string(attr.Key) == "plugin.instance_id" {
			foundID = true
			require.Equal(t, int64(7), attr.Value.AsInt64())
		}
	}
	require.True(t, foundName)
	require.True(t, foundID)
}

func TestStartLifecycleSpanRecordsError(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := NewTracerProvider(sdktrace.NewSimpleSpanProcessor(exporter))
	defer tp.Shutdown(context.Background())

	tracer := Tracer(tp)
	_, end := StartLifecycleSpan(context.Background(), tracer, "stop", "example_plugin", 8)
	end(errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "boom", spans[0].Status.Description)
}
