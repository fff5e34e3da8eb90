package observability

import (
	"context"

	"github.com/plaenen/commandcore/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceID extracts the trace ID from context as a string
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent adds an event to the current span in the context
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for command processing
var (
	AttrAction  = attribute.Key("command.action")
	AttrEntity  = attribute.Key("command.entity")
	AttrID      = attribute.Key("command.id")
	AttrAttempt = attribute.Key("command.attempt")
	AttrStatus  = attribute.Key("command.status")

	AttrErrorKind = attribute.Key("error.kind")

	AttrSubject = attribute.Key("messaging.destination")

	AttrTenantID = attribute.Key("tenant.id")
)

// CommandAttrs returns common command attributes
func CommandAttrs(action, entity string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAction.String(action),
		AttrEntity.String(entity),
	}
}

// ErrorAttrs returns the error kind attribute
func ErrorAttrs(err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrErrorKind.String(string(domain.KindOf(err))),
	}
}
