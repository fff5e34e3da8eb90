package domain

import (
	"encoding/json"
	"strings"
)

// Routing carries the optional foreign identifiers a command can target.
// Zero means "not set".
type Routing struct {
	OfficeID       int64  `json:"officeId,omitempty"`
	GroupID        int64  `json:"groupId,omitempty"`
	ClientID       int64  `json:"clientId,omitempty"`
	LoanID         int64  `json:"loanId,omitempty"`
	SavingsID      int64  `json:"savingsId,omitempty"`
	ProductID      int64  `json:"productId,omitempty"`
	CreditBureauID int64  `json:"creditBureauId,omitempty"`
	TransactionID  string `json:"transactionId,omitempty"`
}

// CommandEnvelope describes an intended mutation.
// It is built by the caller and never mutated by the processing core.
type CommandEnvelope struct {
	// CommandID identifies an existing Command Record. It is only set when a
	// gated command is resumed by a checker.
	CommandID string

	// ActionName and EntityName route the command to its handler
	// (e.g. "CREATE", "CLIENT").
	ActionName string
	EntityName string

	// EntityID and SubEntityID are the primary target identifiers.
	EntityID    int64
	SubEntityID int64

	Routing Routing

	// Href is the resource path the command was issued against.
	Href string

	// Payload is the JSON request body.
	Payload json.RawMessage

	// IdempotencyKey is an opaque client token, unique per command instance.
	IdempotencyKey string

	// JobName tags commands issued by a batch job.
	JobName string

	// ActorID is the principal submitting (making) the command.
	ActorID string

	// CorrelationID traces related commands.
	CorrelationID string
}

// HasIdempotencyKey reports whether the client supplied an idempotency key.
func (e CommandEnvelope) HasIdempotencyKey() bool {
	return strings.TrimSpace(e.IdempotencyKey) != ""
}

// IsResume reports whether the envelope points at an existing Command Record.
func (e CommandEnvelope) IsResume() bool {
	return e.CommandID != ""
}

// PayloadBytes returns a copy of the payload, defaulting to "{}".
func (e CommandEnvelope) PayloadBytes() json.RawMessage {
	if len(e.Payload) == 0 {
		return json.RawMessage("{}")
	}
	out := make(json.RawMessage, len(e.Payload))
	copy(out, e.Payload)
	return out
}

// PermissionName returns the permission code guarding an action on an entity,
// e.g. ("create", "client") -> "CREATE_CLIENT".
func PermissionName(action, entity string) string {
	return CanonicalName(action) + "_" + CanonicalName(entity)
}

// CanonicalName is the stored form of an action or entity name.
func CanonicalName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Normalize returns the envelope in the form it is deduplicated and
// recorded under: canonical action and entity names and a trimmed
// idempotency key. A blank key becomes no key.
func (e CommandEnvelope) Normalize() CommandEnvelope {
	e.ActionName = CanonicalName(e.ActionName)
	e.EntityName = CanonicalName(e.EntityName)
	e.IdempotencyKey = strings.TrimSpace(e.IdempotencyKey)
	return e
}
