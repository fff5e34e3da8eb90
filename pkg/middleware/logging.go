package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

// LoggingMiddleware logs every handler attempt with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) commands.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next commands.Handler) commands.Handler {
		return commands.Wrap(next, nil, func(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
			start := time.Now()

			logger.DebugContext(ctx, "executing command",
				slog.String("command_id", cmd.RecordID),
				slog.String("action", cmd.Envelope.ActionName),
				slog.String("entity", cmd.Envelope.EntityName),
				slog.Int("attempt", cmd.Attempt),
				slog.String("maker_id", cmd.Envelope.ActorID),
				slog.String("correlation_id", cmd.Envelope.CorrelationID),
			)

			outcome, err := next.Execute(ctx, aggs, cmd)
			duration := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "command attempt failed",
					slog.String("command_id", cmd.RecordID),
					slog.String("action", cmd.Envelope.ActionName),
					slog.String("entity", cmd.Envelope.EntityName),
					slog.Int("attempt", cmd.Attempt),
					slog.String("status", string(domain.KindOf(err))),
					slog.Int64("duration_ms", duration.Milliseconds()),
					slog.String("error", err.Error()),
				)
				return domain.Outcome{}, err
			}

			logger.DebugContext(ctx, "command attempt succeeded",
				slog.String("command_id", cmd.RecordID),
				slog.String("action", cmd.Envelope.ActionName),
				slog.String("entity", cmd.Envelope.EntityName),
				slog.Int("attempt", cmd.Attempt),
				slog.String("resource_id", outcome.ResourceID),
				slog.Int64("duration_ms", duration.Milliseconds()),
			)
			return outcome, nil
		})
	}
}
