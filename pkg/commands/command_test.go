package commands_test

import (
	"strings"
	"testing"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPayload(t *testing.T) {
	cmd := &commands.Command{
		Envelope: domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").
			WithJSON(`{"amount":"100.10","fee":0.1,"note":"cash","loanIds":[3,4],"waive":true,"bad":"x1"}`).
			Build(),
	}

	amount, err := cmd.Decimal("amount")
	require.NoError(t, err)
	assert.Equal(t, "100.1", amount.String())

	fee, err := cmd.Decimal("fee")
	require.NoError(t, err)
	assert.Equal(t, "0.1", fee.String())

	_, err = cmd.Decimal("missing")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = cmd.Decimal("bad")
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, "cash", cmd.String("note"))
	assert.Equal(t, []int64{3, 4}, cmd.Int64s("loanIds"))
	assert.True(t, cmd.Bool("waive"))
	assert.True(t, cmd.Has("note"))
	assert.False(t, cmd.Has("missing"))

	n, ok := cmd.Int64("loanIds.0")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)
	_, ok = cmd.Int64("missing")
	assert.False(t, ok)

	assert.Equal(t, "DEPOSIT_SAVINGSACCOUNT", cmd.Permission())
}

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		env   domain.CommandEnvelope
		codes []string
	}{
		{
			name: "valid",
			env:  domain.NewEnvelope("CREATE", "CLIENT").WithIdempotencyKey("abc-123").WithJSON(`{}`).Build(),
		},
		{
			name:  "missing names",
			env:   domain.CommandEnvelope{},
			codes: []string{"required", "required"},
		},
		{
			name:  "long key",
			env:   domain.NewEnvelope("CREATE", "CLIENT").WithIdempotencyKey(strings.Repeat("k", commands.MaxIdempotencyKeyLength+1)).Build(),
			codes: []string{"too_long"},
		},
		{
			name:  "non printable key",
			env:   domain.NewEnvelope("CREATE", "CLIENT").WithIdempotencyKey("tab\tkey").Build(),
			codes: []string{"invalid_characters"},
		},
		{
			name:  "bad json",
			env:   domain.NewEnvelope("CREATE", "CLIENT").WithJSON(`{"a":`).Build(),
			codes: []string{"invalid_json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := commands.ValidateEnvelope(tt.env)
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			var codes []string
			for _, f := range ve.Errors {
				codes = append(codes, f.Code)
			}
			assert.Equal(t, tt.codes, codes)
		})
	}
}
