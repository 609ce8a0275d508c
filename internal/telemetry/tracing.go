// Package telemetry configures OpenTelemetry tracing for ecoscan.
//
// One span is created per procedure call. Custom span attributes use the
// `ecoscan.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/marcus-qen/ecoscan"

// Options configures the trace provider.
type Options struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	// SampleRatio in [0,1]; values <= 0 or >= 1 sample everything.
	SampleRatio float64
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC trace provider. With no endpoint
// tracing stays disabled and the global no-op provider is kept.
// The returned shutdown function must be called on exit.
func InitTraceProvider(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	name := opts.ServiceName
	if name == "" {
		name = "ecoscan"
	}
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartProcedureSpan starts the span for one procedure call.
func StartProcedureSpan(ctx context.Context, procedure, kind string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rpc."+procedure,
		trace.WithAttributes(
			attribute.String("ecoscan.procedure", procedure),
			attribute.String("ecoscan.procedure_kind", kind),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndProcedureSpan records the result code and ends the span. Codes other
// than OK mark the span as errored.
func EndProcedureSpan(span trace.Span, code string, authenticated bool) {
	span.SetAttributes(
		attribute.String("ecoscan.result_code", code),
		attribute.Bool("ecoscan.authenticated", authenticated),
	)
	if code != "OK" {
		span.SetStatus(codes.Error, code)
	}
	span.End()
}

// StartNotifySpan starts a child span for a best-effort notification.
func StartNotifySpan(ctx context.Context, channel, event string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notify.publish",
		trace.WithAttributes(
			attribute.String("ecoscan.channel", channel),
			attribute.String("ecoscan.event", event),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}
