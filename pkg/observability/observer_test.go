package observability_test

import (
	"context"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/observability"
	"github.com/plaenen/commandcore/pkg/retry"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/plaenen/commandcore/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setup(t *testing.T, h commands.Handler) (*commands.Service, *sdkmetric.ManualReader, *tracetest.InMemoryExporter, *observability.Telemetry) {
	t.Helper()
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	exporter := tracetest.NewInMemoryExporter()
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     "commandcore-test",
		TraceExporter:   exporter,
		TraceSampleRate: 1,
		SyncExport:      true,
		MetricReader:    reader,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	st, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := commands.NewRegistry()
	reg.Register("DEPOSIT", "SAVINGSACCOUNT", h)
	policy := retry.New(retry.DefaultConfig(), retry.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	svc := commands.NewService(st, reg,
		commands.WithRetryPolicy(policy),
		commands.WithObserver(tel.Observer()),
	)
	return svc, reader, exporter, tel
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestObserverMetrics(t *testing.T) {
	ctx := context.Background()
	h := commands.ExecuteFunc(func(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
		if cmd.Attempt == 1 {
			return domain.Outcome{}, domain.ErrLockTimeout
		}
		return domain.Outcome{ResourceID: "1"}, nil
	})
	svc, reader, exporter, tel := setup(t, h)

	env := domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").WithIdempotencyKey("m-1").WithActor("maker").Build()

	spanCtx, span := tel.Tracer("test").Start(ctx, "request")
	_, err := svc.Execute(spanCtx, domain.DefaultPlatformContext(), env, false)
	span.End()
	require.NoError(t, err)

	res, err := svc.Execute(ctx, domain.DefaultPlatformContext(), env, false)
	require.NoError(t, err)
	assert.True(t, res.ServedFromCache)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(2), sumOf(t, rm, "commandcore.command.total"))
	assert.Equal(t, int64(1), sumOf(t, rm, "commandcore.command.retries"))
	assert.Equal(t, int64(1), sumOf(t, rm, "commandcore.command.replays"))
	assert.Equal(t, int64(0), sumOf(t, rm, "commandcore.command.errors"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "command.retry", spans[0].Events[0].Name)
}

func TestObserverCountsFailures(t *testing.T) {
	ctx := context.Background()
	h := commands.ExecuteFunc(func(context.Context, store.Aggregates, *commands.Command) (domain.Outcome, error) {
		return domain.Outcome{}, domain.Invalid("amount", "required", "amount is required")
	})
	svc, reader, _, _ := setup(t, h)

	env := domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").WithIdempotencyKey("f-1").Build()
	_, err := svc.Execute(ctx, domain.DefaultPlatformContext(), env, false)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Execute(ctx, domain.DefaultPlatformContext(), env, false)
	assert.ErrorIs(t, err, domain.ErrIdempotentCommandFailed)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(2), sumOf(t, rm, "commandcore.command.errors"))
	assert.Equal(t, int64(1), sumOf(t, rm, "commandcore.command.replays"))
	assert.Equal(t, int64(0), sumOf(t, rm, "commandcore.command.retries"))
}
