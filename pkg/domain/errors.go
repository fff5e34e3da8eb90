package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies failures for retry decisions and transport mapping.
type ErrorKind string

const (
	KindUnknown                 ErrorKind = "UNKNOWN"
	KindValidation              ErrorKind = "VALIDATION_FAILURE"
	KindResourceConflict        ErrorKind = "RESOURCE_CONFLICT"
	KindNotApprovedByChecker    ErrorKind = "NOT_APPROVED_BY_CHECKER"
	KindDuplicateIdempotencyKey ErrorKind = "DUPLICATE_IDEMPOTENCY_KEY"
	KindConcurrentDuplicate     ErrorKind = "CONCURRENT_DUPLICATE_SUBMISSION"
	KindRetriesExhausted        ErrorKind = "RETRIES_EXHAUSTED"
	KindNotFound                ErrorKind = "NOT_FOUND"
	KindCanceled                ErrorKind = "CANCELED"
)

var (
	// ErrValidation is the root of all business validation failures.
	ErrValidation = errors.New("validation failure")

	// ErrResourceConflict is the root of retryable datastore conflicts.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrLockTimeout is returned when a lock on the target aggregate could not be acquired in time.
	ErrLockTimeout = fmt.Errorf("%w: lock acquisition timeout", ErrResourceConflict)

	// ErrVersionConflict is returned when an optimistic version check fails.
	ErrVersionConflict = fmt.Errorf("%w: optimistic version mismatch", ErrResourceConflict)

	// ErrNotApprovedByChecker is returned when a gated command runs without approval,
	// or when a rejected command is executed.
	ErrNotApprovedByChecker = errors.New("command not approved by checker")

	// ErrDuplicateIdempotencyKey is returned when a record with the same key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentDuplicateSubmission is returned when the same key is currently executing.
	ErrConcurrentDuplicateSubmission = errors.New("concurrent duplicate submission")

	// ErrRetriesExhausted is returned when the attempt bound was reached.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrIdempotentCommandFailed is returned when a replayed command had failed.
	ErrIdempotentCommandFailed = errors.New("idempotent command previously failed")

	// ErrRecordNotFound is returned when a command record doesn't exist.
	ErrRecordNotFound = errors.New("command record not found")

	// ErrAggregateNotFound is returned when a business aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrUnsupportedCommand is returned when no handler serves an action/entity pair.
	ErrUnsupportedCommand = fmt.Errorf("%w: unsupported command", ErrValidation)

	// ErrInvalidTransition is returned on a backward or unknown status move.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrValidation)

	// ErrSelfApproval is returned when the maker tries to check their own command.
	ErrSelfApproval = fmt.Errorf("%w: maker cannot approve own command", ErrValidation)
)

// FieldError describes one invalid parameter.
type FieldError struct {
	Parameter string `json:"parameter"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Value     any    `json:"value,omitempty"`
}

// ValidationError carries the parameters that failed validation.
type ValidationError struct {
	Errors []FieldError
}

// NewValidationError creates a validation error from field details.
func NewValidationError(fields ...FieldError) error {
	return &ValidationError{Errors: fields}
}

// Invalid is shorthand for a single-field validation error.
func Invalid(parameter, code, message string) error {
	return NewValidationError(FieldError{Parameter: parameter, Code: code, Message: message})
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, len(e.Errors))
	for i, f := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", f.Parameter, f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotApprovedError is returned when a pending or rejected command is executed.
type NotApprovedError struct {
	CommandID string
	Status    Status
}

func (e *NotApprovedError) Error() string {
	return fmt.Sprintf("%s: command %s is %s", ErrNotApprovedByChecker, e.CommandID, e.Status)
}

func (e *NotApprovedError) Is(target error) bool {
	return target == ErrNotApprovedByChecker
}

// RetriesExhaustedError wraps the last retryable cause once the attempt bound is hit.
type RetriesExhaustedError struct {
	Name     string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s gave up after %d attempts: %v", ErrRetriesExhausted, e.Name, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// DuplicateKeyError reports an idempotency key uniqueness violation.
type DuplicateKeyError struct {
	Action string
	Entity string
	Key    string
	Err    error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s: %q for %s %s", ErrDuplicateIdempotencyKey, e.Key, e.Action, e.Entity)
}

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateIdempotencyKey
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// ConcurrentSubmissionError reports that the same key is still executing.
type ConcurrentSubmissionError struct {
	Action    string
	Entity    string
	Key       string
	CommandID string
}

func (e *ConcurrentSubmissionError) Error() string {
	return fmt.Sprintf("%s: %q for %s %s is being processed by command %s",
		ErrConcurrentDuplicateSubmission, e.Key, e.Action, e.Entity, e.CommandID)
}

func (e *ConcurrentSubmissionError) Is(target error) bool {
	return target == ErrConcurrentDuplicateSubmission
}

// IdempotentReplayError replays a stored failure for a duplicate submission.
type IdempotentReplayError struct {
	Action    string
	Entity    string
	Key       string
	CommandID string
	Kind      ErrorKind
	Response  json.RawMessage
}

func (e *IdempotentReplayError) Error() string {
	return fmt.Sprintf("%s: command %s (%s)", ErrIdempotentCommandFailed, e.CommandID, e.Kind)
}

func (e *IdempotentReplayError) Is(target error) bool {
	return target == ErrIdempotentCommandFailed
}

// ServedFromCache is always true for a replayed failure.
func (e *IdempotentReplayError) ServedFromCache() bool {
	return true
}

// KindOf classifies err. It returns "" for a nil error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var replay *IdempotentReplayError
	if errors.As(err, &replay) {
		return replay.Kind
	}
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return KindRetriesExhausted
	case errors.Is(err, ErrNotApprovedByChecker):
		return KindNotApprovedByChecker
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return KindDuplicateIdempotencyKey
	case errors.Is(err, ErrConcurrentDuplicateSubmission):
		return KindConcurrentDuplicate
	case errors.Is(err, ErrResourceConflict):
		return KindResourceConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrAggregateNotFound):
		return KindNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindUnknown
}

// StatusCode maps an error to a transport status so callers can tell
// "retry later", "fix input" and "awaiting a human" apart.
func StatusCode(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindNotApprovedByChecker:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateIdempotencyKey, KindConcurrentDuplicate, KindResourceConflict:
		return http.StatusConflict
	case KindRetriesExhausted:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// FailureDetail renders err as the JSON persisted on an ERRORED record.
func FailureDetail(err error) json.RawMessage {
	detail := struct {
		Kind    ErrorKind    `json:"kind"`
		Message string       `json:"message"`
		Errors  []FieldError `json:"errors,omitempty"`
	}{Kind: KindOf(err), Message: err.Error()}

	var ve *ValidationError
	if errors.As(err, &ve) {
		detail.Errors = ve.Errors
	}
	data, mErr := json.Marshal(detail)
	if mErr != nil {
		return json.RawMessage(fmt.Sprintf(`{"kind":%q}`, detail.Kind))
	}
	return data
}
