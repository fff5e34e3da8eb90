// Package storetest holds the behavioural suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seq atomic.Int64

// NewRecord builds a CREATED record with a unique id.
func NewRecord(action, entity, key string) *domain.CommandRecord {
	n := seq.Add(1)
	env := domain.NewEnvelope(action, entity).
		WithEntityID(n).
		WithLoanID(n).
		WithJSON(`{"amount":"10.00"}`).
		WithIdempotencyKey(key).
		WithActor("maker").
		Build()
	return domain.NewRecord(fmt.Sprintf("rec-%d-%d", time.Now().UnixNano(), n), domain.DefaultPlatformContext(), env, time.Now())
}

// Run executes the suite against stores produced by open.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		st := open(t)
		rec := NewRecord("CREATE", "CLIENT", "")
		require.NoError(t, st.InsertRecord(ctx, rec))
		assert.Equal(t, int64(1), rec.Version)

		got, err := st.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, domain.StatusCreated, got.Status)
		assert.Equal(t, rec.Routing, got.Routing)
		assert.JSONEq(t, string(rec.Payload), string(got.Payload))
		assert.Empty(t, got.IdempotencyKey)
		assert.Nil(t, got.CompletedAt)
		assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("unknown record", func(t *testing.T) {
		st := open(t)
		_, err := st.GetRecord(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("idempotency key is unique", func(t *testing.T) {
		st := open(t)
		key := fmt.Sprintf("key-%d", seq.Add(1))
		require.NoError(t, st.InsertRecord(ctx, NewRecord("DEPOSIT", "SAVINGSACCOUNT", key)))

		err := st.InsertRecord(ctx, NewRecord("DEPOSIT", "SAVINGSACCOUNT", key))
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

		// The key is global; a different action may not reuse it either.
		err = st.InsertRecord(ctx, NewRecord("WITHDRAW", "SAVINGSACCOUNT", key))
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
	})

	t.Run("keyless records never collide", func(t *testing.T) {
		st := open(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, st.InsertRecord(ctx, NewRecord("CREATE", "CLIENT", "")))
		}
	})

	t.Run("find by idempotency key matches the triple", func(t *testing.T) {
		st := open(t)
		key := fmt.Sprintf("key-%d", seq.Add(1))
		rec := NewRecord("DEPOSIT", "SAVINGSACCOUNT", key)
		require.NoError(t, st.InsertRecord(ctx, rec))

		got, err := st.FindByIdempotencyKey(ctx, "DEPOSIT", "SAVINGSACCOUNT", key)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)

		_, err = st.FindByIdempotencyKey(ctx, "WITHDRAW", "SAVINGSACCOUNT", key)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("update checks version", func(t *testing.T) {
		st := open(t)
		rec := NewRecord("CREATE", "CLIENT", "")
		require.NoError(t, st.InsertRecord(ctx, rec))

		stale := rec.Clone()
		rec.Result = json.RawMessage(`{"resourceId":"42"}`)
		require.NoError(t, rec.Transition(domain.StatusProcessed, time.Now()))
		require.NoError(t, st.UpdateRecord(ctx, rec, 1))
		assert.Equal(t, int64(2), rec.Version)

		require.NoError(t, stale.Transition(domain.StatusErrored, time.Now()))
		err := st.UpdateRecord(ctx, stale, 1)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
		assert.ErrorIs(t, err, domain.ErrResourceConflict)

		got, err := st.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessed, got.Status)
		assert.Equal(t, `{"resourceId":"42"}`, string(got.Result))
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("update unknown record", func(t *testing.T) {
		st := open(t)
		err := st.UpdateRecord(ctx, NewRecord("CREATE", "CLIENT", ""), 1)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("delete frees the key", func(t *testing.T) {
		st := open(t)
		key := fmt.Sprintf("key-%d", seq.Add(1))
		rec := NewRecord("DEPOSIT", "SAVINGSACCOUNT", key)
		require.NoError(t, st.InsertRecord(ctx, rec))

		assert.ErrorIs(t, st.DeleteRecord(ctx, rec.ID, 7), domain.ErrVersionConflict)
		require.NoError(t, st.DeleteRecord(ctx, rec.ID, 1))
		require.NoError(t, st.InsertRecord(ctx, NewRecord("DEPOSIT", "SAVINGSACCOUNT", key)))
	})

	t.Run("list filters", func(t *testing.T) {
		st := open(t)
		pending := NewRecord("APPROVE", "LOAN", "")
		require.NoError(t, pending.Transition(domain.StatusAwaitingApproval, time.Now()))
		require.NoError(t, st.InsertRecord(ctx, pending))
		require.NoError(t, st.InsertRecord(ctx, NewRecord("APPROVE", "LOAN", "")))

		got, err := st.ListRecords(ctx, store.RecordFilter{Status: domain.StatusAwaitingApproval})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, pending.ID, got[0].ID)

		got, err = st.ListRecords(ctx, store.RecordFilter{ActionName: "APPROVE", EntityName: "LOAN", Limit: 1})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("transaction rollback discards everything", func(t *testing.T) {
		st := open(t)
		rec := NewRecord("CREATE", "CLIENT", "")
		agg := domain.NewAggregate("client", rec.ID)
		boom := errors.New("boom")

		err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			require.NoError(t, tx.InsertRecord(ctx, rec))
			require.NoError(t, tx.SaveAggregate(ctx, agg, 0))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = st.GetRecord(ctx, rec.ID)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
		_, err = st.LoadAggregate(ctx, "client", rec.ID)
		assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
	})

	t.Run("transaction commit keeps record and effect", func(t *testing.T) {
		st := open(t)
		rec := NewRecord("CREATE", "CLIENT", "")
		agg := domain.NewAggregate("client", rec.ID)
		require.NoError(t, agg.Encode(map[string]string{"name": "Ada"}))

		err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.InsertRecord(ctx, rec); err != nil {
				return err
			}
			return tx.SaveAggregate(ctx, agg, 0)
		})
		require.NoError(t, err)

		_, err = st.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		loaded, err := st.LoadAggregate(ctx, "client", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), loaded.Version)
		assert.JSONEq(t, `{"name":"Ada"}`, string(loaded.State))
	})

	t.Run("aggregate versioning", func(t *testing.T) {
		st := open(t)
		id := fmt.Sprintf("agg-%d", seq.Add(1))
		agg := domain.NewAggregate("savings", id)
		require.NoError(t, st.SaveAggregate(ctx, agg, 0))
		assert.Equal(t, int64(1), agg.Version)

		assert.ErrorIs(t, st.SaveAggregate(ctx, domain.NewAggregate("savings", id), 0), domain.ErrVersionConflict)

		require.NoError(t, agg.Encode(map[string]int{"balance": 5}))
		require.NoError(t, st.SaveAggregate(ctx, agg, 1))
		assert.Equal(t, int64(2), agg.Version)

		err := st.SaveAggregate(ctx, agg, 1)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
	})

	t.Run("release stale placeholders", func(t *testing.T) {
		st := open(t)
		old := NewRecord("DEPOSIT", "SAVINGSACCOUNT", fmt.Sprintf("key-%d", seq.Add(1)))
		old.CreatedAt = time.Now().Add(-time.Hour).UTC()
		require.NoError(t, st.InsertRecord(ctx, old))

		fresh := NewRecord("DEPOSIT", "SAVINGSACCOUNT", fmt.Sprintf("key-%d", seq.Add(1)))
		require.NoError(t, st.InsertRecord(ctx, fresh))

		done := NewRecord("DEPOSIT", "SAVINGSACCOUNT", "")
		done.CreatedAt = old.CreatedAt
		require.NoError(t, done.Transition(domain.StatusProcessed, time.Now()))
		require.NoError(t, st.InsertRecord(ctx, done))

		n, err := st.ReleaseStale(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = st.GetRecord(ctx, old.ID)
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
		_, err = st.GetRecord(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = st.GetRecord(ctx, done.ID)
		assert.NoError(t, err)
	})
}
