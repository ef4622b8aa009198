package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	TracerName   = "github.com/onnwee/slotcast"
	DBTracerName = "github.com/onnwee/slotcast/db"
)

// DBOperation is the statement kind recorded on a database span.
type DBOperation string

// Database operations.
const (
	DBOperationQuery  DBOperation = "query"
	DBOperationInsert DBOperation = "insert"
	DBOperationUpdate DBOperation = "update"
	DBOperationDelete DBOperation = "delete"
)

// StartDBSpan starts a client span named "<operation> <table>" around a
// Postgres call. The returned func ends it, recording err when non-nil.
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, func(error)) {
	ctx, span := otel.Tracer(DBTracerName).Start(ctx, string(op)+" "+table,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", string(op)),
			attribute.String("db.sql.table", table),
		),
	)
	return ctx, ender(span)
}

// StartSpan starts an internal span with optional attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

// SetAttributes sets attributes on the span in ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

func ender(span trace.Span) func(error) {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
