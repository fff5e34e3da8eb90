package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/idempotency"
	"github.com/plaenen/commandcore/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func placeholder(id, action, key string) *domain.CommandRecord {
	env := domain.NewEnvelope(action, "SAVINGSACCOUNT").
		WithSavingsID(9).
		WithJSON(`{"amount":"25.00"}`).
		WithIdempotencyKey(key).
		Build()
	return domain.NewRecord(id, domain.DefaultPlatformContext(), env, time.Now())
}

func TestGuard(t *testing.T) {
	ctx := context.Background()

	t.Run("unused key", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		res, err := g.Lookup(ctx, placeholder("c1", "DEPOSIT", "k1").Envelope())
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("processed record replays stored bytes", func(t *testing.T) {
		st := newStore(t)
		g := idempotency.New(st, idempotency.DefaultConfig())

		rec := placeholder("c1", "DEPOSIT", "k1")
		_, reserved, err := g.Reserve(ctx, rec)
		require.NoError(t, err)
		require.True(t, reserved)

		rec.Result = json.RawMessage(`{"resourceId":"9", "changes":{"amount":"25.00"}}`)
		require.NoError(t, rec.Transition(domain.StatusProcessed, time.Now()))
		require.NoError(t, g.Complete(ctx, st, rec))

		res, err := g.Lookup(ctx, rec.Envelope())
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.True(t, res.ServedFromCache)
		assert.Equal(t, "c1", res.CommandID)
		assert.Equal(t, rec.Result, res.Body)
		assert.Equal(t, "9", res.ResourceID)

		res, reserved, err = g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		require.NoError(t, err)
		assert.False(t, reserved)
		assert.Equal(t, "c1", res.CommandID)

		env := rec.Envelope()
		env.ActionName, env.IdempotencyKey = "deposit", " k1 "
		res, err = g.Lookup(ctx, env)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, "c1", res.CommandID)
	})

	t.Run("blank key is never looked up", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		res, err := g.Lookup(ctx, placeholder("c1", "DEPOSIT", "  ").Envelope())
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("in-flight fails fast", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		_, reserved, err := g.Reserve(ctx, placeholder("c1", "DEPOSIT", "k1"))
		require.NoError(t, err)
		require.True(t, reserved)

		_, reserved, err = g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		assert.False(t, reserved)
		assert.ErrorIs(t, err, domain.ErrConcurrentDuplicateSubmission)

		var cse *domain.ConcurrentSubmissionError
		require.True(t, errors.As(err, &cse))
		assert.Equal(t, "c1", cse.CommandID)
	})

	t.Run("key reused by another action", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		_, _, err := g.Reserve(ctx, placeholder("c1", "DEPOSIT", "k1"))
		require.NoError(t, err)

		res, err := g.Lookup(ctx, placeholder("c2", "WITHDRAW", "k1").Envelope())
		require.NoError(t, err)
		assert.Nil(t, res)

		_, reserved, err := g.Reserve(ctx, placeholder("c2", "WITHDRAW", "k1"))
		assert.False(t, reserved)
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
		assert.Equal(t, domain.KindDuplicateIdempotencyKey, domain.KindOf(err))
	})

	t.Run("failed command replays its failure", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		rec := placeholder("c1", "WITHDRAW", "k1")
		_, _, err := g.Reserve(ctx, rec)
		require.NoError(t, err)

		cause := domain.Invalid("amount", "insufficient_funds", "insufficient funds")
		require.NoError(t, g.Fail(ctx, rec, cause))

		_, err = g.Lookup(ctx, rec.Envelope())
		assert.ErrorIs(t, err, domain.ErrIdempotentCommandFailed)

		var replay *domain.IdempotentReplayError
		require.True(t, errors.As(err, &replay))
		assert.Equal(t, domain.KindValidation, replay.Kind)
		assert.True(t, replay.ServedFromCache())
		assert.Contains(t, string(replay.Response), "insufficient_funds")
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	})

	t.Run("release frees the key", func(t *testing.T) {
		g := idempotency.New(newStore(t), idempotency.DefaultConfig())
		rec := placeholder("c1", "DEPOSIT", "k1")
		_, _, err := g.Reserve(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, g.Release(ctx, rec))
		require.NoError(t, g.Release(ctx, rec))

		_, reserved, err := g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		require.NoError(t, err)
		assert.True(t, reserved)
	})

	t.Run("block waits for the outcome", func(t *testing.T) {
		st := newStore(t)
		cfg := idempotency.DefaultConfig()
		cfg.InFlight = idempotency.Block
		cfg.PollInterval = 5 * time.Millisecond
		g := idempotency.New(st, cfg)

		rec := placeholder("c1", "DEPOSIT", "k1")
		_, _, err := g.Reserve(ctx, rec)
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			rec.Result = json.RawMessage(`{"resourceId":"9"}`)
			_ = rec.Transition(domain.StatusProcessed, time.Now())
			_ = g.Complete(ctx, st, rec)
		}()

		res, reserved, err := g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		require.NoError(t, err)
		assert.False(t, reserved)
		assert.Equal(t, "c1", res.CommandID)
		assert.True(t, res.ServedFromCache)
	})

	t.Run("block reserves once the placeholder is released", func(t *testing.T) {
		st := newStore(t)
		cfg := idempotency.DefaultConfig()
		cfg.InFlight = idempotency.Block
		cfg.PollInterval = 5 * time.Millisecond
		g := idempotency.New(st, cfg)

		rec := placeholder("c1", "DEPOSIT", "k1")
		_, _, err := g.Reserve(ctx, rec)
		require.NoError(t, err)

		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = g.Release(ctx, rec)
		}()

		_, reserved, err := g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		require.NoError(t, err)
		assert.True(t, reserved)
	})

	t.Run("block gives up after timeout", func(t *testing.T) {
		cfg := idempotency.DefaultConfig()
		cfg.InFlight = idempotency.Block
		cfg.PollInterval = 5 * time.Millisecond
		cfg.BlockTimeout = 50 * time.Millisecond
		g := idempotency.New(newStore(t), cfg)

		_, _, err := g.Reserve(ctx, placeholder("c1", "DEPOSIT", "k1"))
		require.NoError(t, err)

		_, _, err = g.Reserve(ctx, placeholder("c2", "DEPOSIT", "k1"))
		assert.ErrorIs(t, err, domain.ErrConcurrentDuplicateSubmission)
	})

	t.Run("release stale", func(t *testing.T) {
		st := newStore(t)
		now := time.Now()
		g := idempotency.New(st, idempotency.Config{StaleAfter: time.Minute},
			idempotency.WithClock(func() time.Time { return now.Add(time.Hour) }))

		_, _, err := g.Reserve(ctx, placeholder("c1", "DEPOSIT", "k1"))
		require.NoError(t, err)

		n, err := g.ReleaseStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		res, err := g.Lookup(ctx, placeholder("c2", "DEPOSIT", "k1").Envelope())
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("parse policy", func(t *testing.T) {
		p, err := idempotency.ParseInFlightPolicy("block")
		require.NoError(t, err)
		assert.Equal(t, idempotency.Block, p)

		_, err = idempotency.ParseInFlightPolicy("wait")
		assert.Error(t, err)
	})
}
