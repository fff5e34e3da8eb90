package middleware_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/middleware"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newCommand(payload string) *commands.Command {
	return &commands.Command{
		Envelope: domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").WithJSON(payload).WithActor("maker").Build(),
		Platform: domain.DefaultPlatformContext(),
		RecordID: "cmd-1",
		Attempt:  1,
	}
}

func handlerReturning(outcome domain.Outcome, err error) commands.Handler {
	return commands.ExecuteFunc(func(context.Context, store.Aggregates, *commands.Command) (domain.Outcome, error) {
		return outcome, err
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := middleware.LoggingMiddleware(logger)(handlerReturning(domain.Outcome{ResourceID: "9"}, nil))
	out, err := h.Execute(context.Background(), nil, newCommand(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "9", out.ResourceID)
	assert.Contains(t, buf.String(), `"msg":"command attempt succeeded"`)
	assert.Contains(t, buf.String(), `"resource_id":"9"`)

	buf.Reset()
	h = middleware.LoggingMiddleware(logger)(handlerReturning(domain.Outcome{}, domain.ErrVersionConflict))
	_, err = h.Execute(context.Background(), nil, newCommand(`{}`))
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Contains(t, buf.String(), `"status":"RESOURCE_CONFLICT"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	panicking := commands.NewHandler(
		func(ctx context.Context, cmd *commands.Command) error {
			if cmd.Bool("panicInValidate") {
				panic("validate boom")
			}
			return nil
		},
		func(context.Context, store.Aggregates, *commands.Command) (domain.Outcome, error) {
			panic("execute boom")
		},
	)
	h := middleware.RecoveryMiddleware(logger)(panicking)

	t.Run("execute", func(t *testing.T) {
		out, err := h.Execute(context.Background(), nil, newCommand(`{}`))
		assert.ErrorIs(t, err, middleware.ErrHandlerPanic)
		assert.Contains(t, err.Error(), "execute boom")
		assert.Equal(t, domain.Outcome{}, out)
		assert.Equal(t, domain.KindUnknown, domain.KindOf(err))
	})

	t.Run("validate", func(t *testing.T) {
		err := h.Validate(context.Background(), newCommand(`{"panicInValidate":true}`))
		assert.ErrorIs(t, err, middleware.ErrHandlerPanic)
		assert.Contains(t, err.Error(), "validate boom")
	})
}

func TestOpenTelemetryMiddleware(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	tracer := provider.Tracer("test")

	t.Run("success", func(t *testing.T) {
		exporter.Reset()
		h := middleware.OpenTelemetryMiddlewareWithTracer(tracer)(handlerReturning(domain.Outcome{ResourceID: "9"}, nil))
		_, err := h.Execute(context.Background(), nil, newCommand(`{}`))
		require.NoError(t, err)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "command.DEPOSIT_SAVINGSACCOUNT", spans[0].Name)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)

		attrs := map[string]string{}
		for _, kv := range spans[0].Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(t, "cmd-1", attrs["command.id"])
		assert.Equal(t, "1", attrs["command.attempt"])
		assert.Equal(t, "9", attrs["command.resource_id"])
	})

	t.Run("failure", func(t *testing.T) {
		exporter.Reset()
		h := middleware.OpenTelemetryMiddlewareWithTracer(tracer)(handlerReturning(domain.Outcome{}, domain.ErrLockTimeout))
		_, err := h.Execute(context.Background(), nil, newCommand(`{}`))
		require.Error(t, err)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "exception", spans[0].Events[0].Name)
	})
}

func TestPayloadValidation(t *testing.T) {
	mw := middleware.PayloadValidation("DEPOSIT_SAVINGSACCOUNT",
		middleware.Required("amount"),
		middleware.Decimal("amount"),
		middleware.Date("transactionDate"),
		middleware.Integer("paymentTypeId"),
	)
	h := mw(handlerReturning(domain.Outcome{}, nil))

	tests := []struct {
		name    string
		payload string
		codes   []string
	}{
		{name: "valid", payload: `{"amount":"10.50","transactionDate":"2023-01-10","paymentTypeId":2}`},
		{name: "missing amount", payload: `{}`, codes: []string{"required"}},
		{name: "bad values", payload: `{"amount":"ten","transactionDate":"10/01/2023","paymentTypeId":"x"}`,
			codes: []string{"invalid_decimal", "invalid_date", "invalid_integer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Validate(context.Background(), newCommand(tt.payload))
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			var got []string
			for _, f := range ve.Errors {
				got = append(got, f.Code)
			}
			assert.Equal(t, tt.codes, got)
		})
	}

	t.Run("other permissions pass through", func(t *testing.T) {
		cmd := newCommand(`{}`)
		cmd.Envelope.ActionName = "WITHDRAW"
		assert.NoError(t, h.Validate(context.Background(), cmd))
	})

	t.Run("handler validation still runs", func(t *testing.T) {
		inner := commands.NewHandler(func(context.Context, *commands.Command) error {
			return domain.Invalid("amount", "limit", "over limit")
		}, nil)
		err := mw(inner).Validate(context.Background(), newCommand(`{"amount":"1"}`))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}
