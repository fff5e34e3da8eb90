package domain_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	exhausted := &domain.RetriesExhaustedError{Name: "executeCommand", Attempts: 3, Last: domain.ErrVersionConflict}

	cases := []struct {
		name string
		err  error
		kind domain.ErrorKind
	}{
		{"nil", nil, ""},
		{"lock timeout", domain.ErrLockTimeout, domain.KindResourceConflict},
		{"version conflict wrapped", fmt.Errorf("save loan: %w", domain.ErrVersionConflict), domain.KindResourceConflict},
		{"validation", domain.Invalid("amount", "positive", "must be positive"), domain.KindValidation},
		{"unsupported", domain.ErrUnsupportedCommand, domain.KindValidation},
		{"not approved", &domain.NotApprovedError{CommandID: "1", Status: domain.StatusRejected}, domain.KindNotApprovedByChecker},
		{"duplicate key", &domain.DuplicateKeyError{Key: "k"}, domain.KindDuplicateIdempotencyKey},
		{"concurrent", &domain.ConcurrentSubmissionError{Key: "k"}, domain.KindConcurrentDuplicate},
		{"exhausted wins over its cause", exhausted, domain.KindRetriesExhausted},
		{"not found", domain.ErrRecordNotFound, domain.KindNotFound},
		{"canceled", context.Canceled, domain.KindCanceled},
		{"replay reports stored kind", &domain.IdempotentReplayError{Kind: domain.KindValidation}, domain.KindValidation},
		{"unknown", errors.New("boom"), domain.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, domain.KindOf(tc.err))
		})
	}

	assert.ErrorIs(t, exhausted, domain.ErrVersionConflict, "exhausted unwraps to its last cause")
	assert.ErrorIs(t, domain.ErrLockTimeout, domain.ErrResourceConflict)
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, domain.StatusCode(domain.Invalid("x", "required", "x is required")))
	assert.Equal(t, http.StatusForbidden, domain.StatusCode(domain.ErrNotApprovedByChecker))
	assert.Equal(t, http.StatusConflict, domain.StatusCode(domain.ErrConcurrentDuplicateSubmission))
	assert.Equal(t, http.StatusServiceUnavailable, domain.StatusCode(&domain.RetriesExhaustedError{Last: domain.ErrLockTimeout}))
	assert.Equal(t, http.StatusInternalServerError, domain.StatusCode(errors.New("boom")))
}

func TestFailureDetail(t *testing.T) {
	err := domain.NewValidationError(
		domain.FieldError{Parameter: "amount", Code: "positive", Message: "must be positive"},
	)

	var detail struct {
		Kind   domain.ErrorKind    `json:"kind"`
		Errors []domain.FieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(domain.FailureDetail(err), &detail))
	assert.Equal(t, domain.KindValidation, detail.Kind)
	require.Len(t, detail.Errors, 1)
	assert.Equal(t, "amount", detail.Errors[0].Parameter)
}

func TestResultTransportMapping(t *testing.T) {
	pending := &domain.CommandResult{Status: domain.StatusAwaitingApproval}
	assert.Equal(t, http.StatusAccepted, pending.StatusCode())
	assert.Empty(t, pending.Headers())

	replayed := &domain.CommandResult{Status: domain.StatusProcessed, ServedFromCache: true}
	assert.Equal(t, http.StatusOK, replayed.StatusCode())
	assert.Equal(t, "true", replayed.Headers()[domain.HeaderServedFromCache])
}
