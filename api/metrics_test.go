package api

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCommandMetricsLogRecordsSpanAndCounters(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	tp, exporter, restore := setupTestTracer(t)
	defer restore()
	cols := newCollectors(prometheus.NewRegistry())

	m, ctx := newCommandMetrics(context.Background(), logger, cols, "update-item", "c1")
	if ctx == nil {
		t.Fatalf("expected span context")
	}
	m.ObserveStore(0)
	m.SetOutcome(outcomeConflict)
	m.Log(nil)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != commandMetricsName {
		t.Fatalf("expected %s log entry, got %#v", commandMetricsName, entry)
	}
	if entry.Level != log.DebugLevel {
		t.Fatalf("unexpected level %v", entry.Level)
	}
	if entry.Data["outcome"] != outcomeConflict || entry.Data["command"] != "update-item" {
		t.Fatalf("unexpected fields: %#v", entry.Data)
	}
	if traceID, ok := entry.Data["trace_id"].(string); !ok || traceID == "" {
		t.Fatalf("expected trace_id, got %#v", entry.Data["trace_id"])
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != commandSpanName || span.Status.Code != codes.Ok {
		t.Fatalf("unexpected span %s status %v", span.Name, span.Status.Code)
	}
	attrs := attributesToMap(span.Attributes)
	if attrs["ws.command"] != "update-item" || attrs["ws.outcome"] != outcomeConflict {
		t.Fatalf("unexpected span attributes: %#v", attrs)
	}
	if _, ok := attrs["ws.store_ms"]; ok {
		t.Fatalf("store_ms should be omitted when nothing was observed")
	}

	if got := testutil.ToFloat64(cols.commands.WithLabelValues("update-item", outcomeConflict)); got != 1 {
		t.Fatalf("expected command counter 1, got %v", got)
	}
}

func TestCommandMetricsLogWithErrorSetsSpanStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	tp, exporter, restore := setupTestTracer(t)
	defer restore()

	m, _ := newCommandMetrics(context.Background(), logger, nil, "create-item", "c1")
	m.SetErrorStage("store")
	boom := errors.New("disk on fire")
	m.Log(boom)

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush spans: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != boom.Error() {
		t.Fatalf("unexpected status %+v", spans[0].Status)
	}
	attrs := attributesToMap(spans[0].Attributes)
	if attrs["ws.error_stage"] != "store" || attrs["ws.outcome"] != outcomeError {
		t.Fatalf("unexpected attributes: %#v", attrs)
	}
	if hook.LastEntry().Data["error"] != boom.Error() {
		t.Fatalf("expected error field on log entry")
	}
}

func setupTestTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter, func()) {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(prev)
	}
	return tp, exporter, cleanup
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}
