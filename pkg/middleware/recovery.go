package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

// ErrHandlerPanic is returned when a handler panicked. It is fatal.
var ErrHandlerPanic = errors.New("command handler panicked")

// RecoveryMiddleware turns handler panics into errors so the attempt
// transaction rolls back.
func RecoveryMiddleware(logger *slog.Logger) commands.Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next commands.Handler) commands.Handler {
		onPanic := func(ctx context.Context, cmd *commands.Command, phase string, r any) error {
			logger.ErrorContext(ctx, "command handler panicked",
				slog.String("command_id", cmd.RecordID),
				slog.String("action", cmd.Envelope.ActionName),
				slog.String("entity", cmd.Envelope.EntityName),
				slog.String("phase", phase),
				slog.Any("panic", r),
				slog.String("stack_trace", string(debug.Stack())),
			)
			return fmt.Errorf("%w in %s: %v", ErrHandlerPanic, phase, r)
		}

		return commands.Wrap(next,
			func(ctx context.Context, cmd *commands.Command) (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = onPanic(ctx, cmd, "validate", r)
					}
				}()
				return next.Validate(ctx, cmd)
			},
			func(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (outcome domain.Outcome, err error) {
				defer func() {
					if r := recover(); r != nil {
						err = onPanic(ctx, cmd, "execute", r)
						outcome = domain.Outcome{}
					}
				}()
				return next.Execute(ctx, aggs, cmd)
			},
		)
	}
}
