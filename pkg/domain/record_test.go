package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusCreated, domain.StatusProcessed, true},
		{domain.StatusCreated, domain.StatusErrored, true},
		{domain.StatusCreated, domain.StatusAwaitingApproval, true},
		{domain.StatusAwaitingApproval, domain.StatusProcessed, true},
		{domain.StatusAwaitingApproval, domain.StatusRejected, true},
		{domain.StatusAwaitingApproval, domain.StatusErrored, false},
		{domain.StatusProcessed, domain.StatusCreated, false},
		{domain.StatusRejected, domain.StatusProcessed, false},
		{domain.StatusErrored, domain.StatusProcessed, false},
		{domain.StatusCreated, domain.StatusRejected, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to))
		})
	}

	assert.True(t, domain.StatusProcessed.IsTerminal())
	assert.True(t, domain.StatusErrored.IsTerminal())
	assert.True(t, domain.StatusRejected.IsTerminal())
	assert.False(t, domain.StatusCreated.IsTerminal())
	assert.False(t, domain.StatusAwaitingApproval.IsTerminal())
}

func TestRecordTransition(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	env := domain.NewEnvelope("CREATE", "CLIENT").WithActor("maker").WithJSON(`{"a":1}`).Build()
	rec := domain.NewRecord("rec-1", domain.DefaultPlatformContext(), env, now)

	require.Equal(t, domain.StatusCreated, rec.Status)
	require.Nil(t, rec.CompletedAt)

	require.NoError(t, rec.Transition(domain.StatusAwaitingApproval, now))
	assert.Nil(t, rec.CompletedAt, "pending is not terminal")

	require.NoError(t, rec.Transition(domain.StatusProcessed, now.Add(time.Minute)))
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, now.Add(time.Minute), *rec.CompletedAt)

	err := rec.Transition(domain.StatusCreated, now)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, domain.StatusProcessed, rec.Status, "failed transition leaves status unchanged")
}

func TestRecordEnvelopeRoundTrip(t *testing.T) {
	env := domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").
		WithEntityID(7).
		WithSavingsID(7).
		WithJSON(`{"transactionAmount":"5"}`).
		WithIdempotencyKey("k-1").
		WithActor("maker").
		Build()

	rec := domain.NewRecord("rec-2", domain.DefaultPlatformContext(), env, time.Now())
	back := rec.Envelope()

	assert.Equal(t, "rec-2", back.CommandID)
	assert.Equal(t, env.ActionName, back.ActionName)
	assert.Equal(t, env.Routing, back.Routing)
	assert.JSONEq(t, string(env.Payload), string(back.Payload))
	assert.Equal(t, "k-1", back.IdempotencyKey)
	assert.Equal(t, "maker", back.ActorID)
	assert.Equal(t, "savings/7", domain.AggregateKey(rec))
}

func TestNewRecordNormalizesEnvelope(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		wantKey string
	}{
		{"blank key", "   ", ""},
		{"padded key", " k-1\t", "k-1"},
		{"inner space kept", "k 1", "k 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := domain.NewEnvelope(" deposit", "savingsAccount ").WithIdempotencyKey(tc.key).Build()
			assert.Equal(t, tc.wantKey != "", env.Normalize().HasIdempotencyKey())

			rec := domain.NewRecord("rec-3", domain.DefaultPlatformContext(), env, time.Now())
			assert.Equal(t, tc.wantKey, rec.IdempotencyKey)
			assert.Equal(t, "DEPOSIT", rec.ActionName)
			assert.Equal(t, "SAVINGSACCOUNT", rec.EntityName)
		})
	}
}

func TestRecordClone(t *testing.T) {
	rec := domain.NewRecord("rec-3", domain.DefaultPlatformContext(), domain.NewEnvelope("A", "B").Build(), time.Now())
	rec.Result = []byte(`{"resourceId":"1"}`)

	c := rec.Clone()
	c.Result[2] = 'X'
	assert.Equal(t, `{"resourceId":"1"}`, string(rec.Result))
}

func TestParseStatus(t *testing.T) {
	st, err := domain.ParseStatus("AWAITING_APPROVAL")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, st)

	_, err = domain.ParseStatus("UNDER_PROCESSING")
	assert.Error(t, err)
}
