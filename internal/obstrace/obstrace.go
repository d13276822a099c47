// Package obstrace wraps supervisor lifecycle operations in OpenTelemetry
// spans: one span per Register/Start/Stop/Pause/Resume call, tagged with
// the plugin name and instance id, and the outcome recorded on the span's
// status. Tracing is purely observational; it never influences control
// flow.
//
// Grounded on serve.NewProxyTracerProvider (a
// sdktrace.TracerProvider wired with a resource and span processor) and
// otel/trace.Tracer usage.
package obstrace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds a TracerProvider tagged with the supervisor's
// service name, handing finished spans to processor. Callers that don't need
// export (e.g. unit tests) may pass sdktrace.NewSimpleSpanProcessor wrapping
// an in-memory exporter.
func NewTracerProvider(processor sdktrace.SpanProcessor) *sdktrace.TracerProvider {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String("pluginsup")),
	)
	if err != nil {
		res = resource.Default()
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
	)
}

// NewOTLPTracerProvider builds a TracerProvider that batches spans to an
// OTLP/HTTP collector at endpoint (host:port, no scheme), used by the
// production binary where NewTracerProvider's caller-supplied processor is
// an in-memory exporter for tests. Spans are sent unencrypted: the
// supervisor's control plane is meant to run alongside a local collector,
// matching the teacher's own simple-processor, no-external-auth tracing
// setup.
func NewOTLPTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("obstrace: create otlp exporter: %w", err)
	}
	return NewTracerProvider(sdktrace.NewBatchSpanProcessor(exporter)), nil
}

// Tracer names the tracer returned by provider.Tracer with this package's
// fixed instrumentation name.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer("pluginsup/supervisor")
}

// StartLifecycleSpan opens a span for a named lifecycle operation on a
// plugin instance. The caller must invoke the returned End func with the
// operation's outcome.
func StartLifecycleSpan(ctx context.Context, tracer trace.Tracer, op, pluginName string, instanceID uint64) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("plugin.name", pluginName),
		attribute.Int64("plugin.instance_id", int64(instanceID)),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
