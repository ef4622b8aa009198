package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		table    string
		op       DBOperation
		wantName string
	}{
		{"bookings", DBOperationQuery, "query bookings"},
		{"bookings", DBOperationInsert, "insert bookings"},
		{"bookings", DBOperationUpdate, "update bookings"},
		{"bookings", DBOperationDelete, "delete bookings"},
		{"slot_states", DBOperationInsert, "insert slot_states"},
		{"audit_logs", DBOperationInsert, "insert audit_logs"},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			rec := recordSpans(t)
			_, end := StartDBSpan(context.Background(), tt.table, tt.op)
			end(nil)

			spans := rec.Ended()
			if len(spans) != 1 {
				t.Fatalf("ended spans = %d, want 1", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("name = %q, want %q", span.Name(), tt.wantName)
			}
			if span.SpanKind() != trace.SpanKindClient {
				t.Errorf("kind = %v, want client", span.SpanKind())
			}
			if span.InstrumentationScope().Name != DBTracerName {
				t.Errorf("scope = %q", span.InstrumentationScope().Name)
			}
			a := attrs(span)
			if a["db.system"].AsString() != "postgresql" ||
				a["db.operation"].AsString() != string(tt.op) ||
				a["db.sql.table"].AsString() != tt.table {
				t.Errorf("attributes = %v", span.Attributes())
			}
			if span.Status().Code != codes.Unset {
				t.Errorf("status = %v, want unset", span.Status())
			}
		})
	}
}

func TestStartDBSpan_RecordsError(t *testing.T) {
	rec := recordSpans(t)
	_, end := StartDBSpan(context.Background(), "bookings", DBOperationInsert)
	end(errors.New("booking overlaps an existing booking"))

	span := rec.Ended()[0]
	if span.Status().Code != codes.Error || span.Status().Description != "booking overlaps an existing booking" {
		t.Errorf("status = %+v", span.Status())
	}
	if len(span.Events()) != 1 || span.Events()[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception", span.Events())
	}
}

func TestStartSpan_NestsAndCarriesAttributes(t *testing.T) {
	rec := recordSpans(t)

	ctx, endTick := StartSpan(context.Background(), "scheduler.tick")
	dbCtx, endQuery := StartDBSpan(ctx, "bookings", DBOperationQuery)
	endQuery(nil)
	_, endDelegate := StartSpan(ctx, "streaming.delegate", attribute.String("streaming.action", "grant"))
	endDelegate(nil)
	SetAttributes(ctx, attribute.Int("bookings.started", 2), attribute.Int("bookings.finished", 1))
	endTick(nil)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = s
	}
	tick, query, delegate := byName["scheduler.tick"], byName["query bookings"], byName["streaming.delegate"]
	if tick == nil || query == nil || delegate == nil {
		t.Fatalf("spans = %v", byName)
	}
	if query.Parent().SpanID() != tick.SpanContext().SpanID() ||
		delegate.Parent().SpanID() != tick.SpanContext().SpanID() {
		t.Error("child spans are not parented to the tick span")
	}
	if trace.SpanContextFromContext(dbCtx).SpanID() != query.SpanContext().SpanID() {
		t.Error("StartDBSpan context does not carry its span")
	}
	if attrs(delegate)["streaming.action"].AsString() != "grant" {
		t.Errorf("delegate attributes = %v", delegate.Attributes())
	}
	a := attrs(tick)
	if a["bookings.started"].AsInt64() != 2 || a["bookings.finished"].AsInt64() != 1 {
		t.Errorf("tick attributes = %v", tick.Attributes())
	}
}

func TestSetAttributes_WithoutSpan(t *testing.T) {
	// Must not panic on a context with no span.
	SetAttributes(context.Background(), attribute.Int("bookings.started", 1))
}
