package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
)

// setupTestTracer creates an in-memory span exporter and configures a
// TracerProvider that always samples.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	cfg := config.TracingConfig{Enabled: false}
	shutdown, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "test-svc", "1.0.0"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_createsSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "workflow.transition",
		AttrInstanceID.String("wf-1"),
		AttrTenantID.String("tenant-1"),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	s := spans[0]
	if s.Name != "workflow.transition" {
		t.Errorf("span name = %q, want %q", s.Name, "workflow.transition")
	}

	attrMap := spanAttrMap(s)
	if v := attrMap["caseflow.instance_id"]; v != "wf-1" {
		t.Errorf("caseflow.instance_id = %q, want %q", v, "wf-1")
	}
	if v := attrMap["caseflow.tenant_id"]; v != "tenant-1" {
		t.Errorf("caseflow.tenant_id = %q, want %q", v, "tenant-1")
	}

	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestStartSpan_parentChild(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "workflow.transition")
	_, child := StartSpan(ctx, "gate.evaluate")
	child.End()
	parent.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("parent and child should share the same trace ID")
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("child parent span ID should match parent span ID")
	}
}

func TestEndSpanWithError_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "error.op")
	EndSpanWithError(span, errors.New("something failed"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "something failed" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected at least one event (error recording)")
	}
}

func TestEndSpanWithError_nilError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "ok.op")
	EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "trace.id.test")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q, want %q", got, span.SpanContext().TraceID().String())
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "webhook.deliver")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)

	if headers.Get("Traceparent") == "" {
		t.Error("InjectTraceHeaders should set Traceparent header")
	}
}

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1.0, 2.0} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil || s.Description() == "" {
			t.Errorf("newSampler(%v) returned an unusable sampler", rate)
		}
	}
}

// --- helpers ---

// spanAttrMap converts a span's attributes to a map[string]string for easier assertion.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
