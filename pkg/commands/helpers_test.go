package commands_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/retry"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/plaenen/commandcore/pkg/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	actionDeposit = "DEPOSIT"
	entitySavings = "SAVINGSACCOUNT"
)

func memoryStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fileStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(sqlite.WithDSN(filepath.Join(t.TempDir(), "commands.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func fastRetry() *retry.Policy {
	return retry.New(retry.DefaultConfig(), retry.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
}

type balance struct {
	Balance decimal.Decimal `json:"balance"`
}

// depositHandler credits the savings aggregate named by the routing id.
func depositHandler(calls *atomic.Int64) commands.Handler {
	return commands.ExecuteFunc(func(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
		calls.Add(1)
		id := strconv.FormatInt(cmd.Envelope.Routing.SavingsID, 10)

		agg, err := aggs.LoadAggregate(ctx, "savings", id)
		var expected int64
		switch {
		case errors.Is(err, domain.ErrAggregateNotFound):
			agg = domain.NewAggregate("savings", id)
		case err != nil:
			return domain.Outcome{}, err
		default:
			expected = agg.Version
		}

		var state balance
		if err := agg.Decode(&state); err != nil {
			return domain.Outcome{}, err
		}
		amount, err := cmd.Decimal("amount")
		if err != nil {
			return domain.Outcome{}, err
		}
		state.Balance = state.Balance.Add(amount)
		if err := agg.Encode(state); err != nil {
			return domain.Outcome{}, err
		}
		if err := aggs.SaveAggregate(ctx, agg, expected); err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			ResourceID: id,
			SavingsID:  cmd.Envelope.Routing.SavingsID,
			Changes:    map[string]any{"balance": state.Balance.StringFixed(2)},
		}, nil
	})
}

func deposit(savingsID int64, amount, key string) domain.CommandEnvelope {
	return domain.NewEnvelope(actionDeposit, entitySavings).
		WithSavingsID(savingsID).
		WithJSON(`{"amount":"` + amount + `"}`).
		WithIdempotencyKey(key).
		WithActor("maker").
		Build()
}

func loadBalance(t *testing.T, st store.Store, savingsID int64) (decimal.Decimal, int64) {
	t.Helper()
	agg, err := st.LoadAggregate(context.Background(), "savings", strconv.FormatInt(savingsID, 10))
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return decimal.Zero, 0
	}
	require.NoError(t, err)
	var state balance
	require.NoError(t, agg.Decode(&state))
	return state.Balance, agg.Version
}

// recordingPublisher captures published outcomes.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.OutcomeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt *domain.OutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

// countingObserver counts events.
type countingObserver struct {
	commands.NopObserver
	attempts, retries, outcomes, publishFailures atomic.Int64
}

func (o *countingObserver) OnAttempt(context.Context, *commands.Command, error, time.Duration) {
	o.attempts.Add(1)
}

func (o *countingObserver) OnRetry(context.Context, *commands.Command, retry.Event) {
	o.retries.Add(1)
}

func (o *countingObserver) OnOutcome(context.Context, commands.Completion) {
	o.outcomes.Add(1)
}

func (o *countingObserver) OnPublishFailure(context.Context, *domain.CommandRecord, error) {
	o.publishFailures.Add(1)
}
