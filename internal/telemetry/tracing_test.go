package telemetry

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func attr(s tracetest.SpanStub, key string) (string, bool) {
	for _, a := range s.Attributes {
		if string(a.Key) == key {
			return a.Value.Emit(), true
		}
	}
	return "", false
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestProcedureSpanOK(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartProcedureSpan(context.Background(), "user.me", "query")
	EndProcedureSpan(span, "OK", true)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "rpc.user.me" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if v, _ := attr(spans[0], "ecoscan.procedure"); v != "user.me" {
		t.Errorf("procedure attribute = %q", v)
	}
	if v, _ := attr(spans[0], "ecoscan.authenticated"); v != "true" {
		t.Errorf("authenticated attribute = %q", v)
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("OK span marked as error")
	}
}

func TestProcedureSpanErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartProcedureSpan(context.Background(), "user.list", "query")
	EndProcedureSpan(span, "FORBIDDEN", true)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "FORBIDDEN" {
		t.Errorf("status = %+v", spans[0].Status)
	}
}

func TestNotifySpanIsChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartProcedureSpan(context.Background(), "report.create", "mutation")
	_, child := StartNotifySpan(ctx, "waste-managers", "report-created")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("notify span is not a child of the procedure span")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want %q", tt.ratio, got, tt.want)
		}
	}
}
