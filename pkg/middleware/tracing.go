package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTracerName is used when OpenTelemetryMiddleware gets an empty name.
const DefaultTracerName = "github.com/plaenen/commandcore"

// OpenTelemetryMiddleware adds a span around every handler attempt.
// Uses the global tracer provider.
func OpenTelemetryMiddleware(tracerName string) commands.Middleware {
	if tracerName == "" {
		tracerName = DefaultTracerName
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) commands.Middleware {
	return func(next commands.Handler) commands.Handler {
		return commands.Wrap(next, nil, func(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.Permission()),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("command.id", cmd.RecordID),
					attribute.String("command.action", cmd.Envelope.ActionName),
					attribute.String("command.entity", cmd.Envelope.EntityName),
					attribute.Int("command.attempt", cmd.Attempt),
					attribute.String("command.maker_id", cmd.Envelope.ActorID),
					attribute.String("command.correlation_id", cmd.Envelope.CorrelationID),
					attribute.String("tenant.id", cmd.Platform.Tenant.Identifier),
				),
			)
			defer span.End()

			outcome, err := next.Execute(spanCtx, aggs, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetAttributes(attribute.String("command.error_kind", string(domain.KindOf(err))))
				span.SetStatus(codes.Error, err.Error())
				return domain.Outcome{}, err
			}

			if outcome.ResourceID != "" {
				span.SetAttributes(attribute.String("command.resource_id", outcome.ResourceID))
			}
			span.SetStatus(codes.Ok, "command executed successfully")
			return outcome, nil
		})
	}
}
