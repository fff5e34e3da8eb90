package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EnvelopeBuilder assembles a CommandEnvelope step by step.
//
//	env := domain.NewEnvelope("DEPOSIT", "SAVINGSACCOUNT").
//	    WithEntityID(42).
//	    WithSavingsID(42).
//	    WithJSON(`{"transactionAmount":"10.00"}`).
//	    WithIdempotencyKey(key).
//	    Build()
type EnvelopeBuilder struct {
	env CommandEnvelope
}

// NewEnvelope starts a builder for the given action and entity.
func NewEnvelope(action, entity string) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: CommandEnvelope{
		ActionName: action,
		EntityName: entity,
	}}
}

func (b *EnvelopeBuilder) WithEntityID(id int64) *EnvelopeBuilder {
	b.env.EntityID = id
	return b
}

func (b *EnvelopeBuilder) WithSubEntityID(id int64) *EnvelopeBuilder {
	b.env.SubEntityID = id
	return b
}

func (b *EnvelopeBuilder) WithOfficeID(id int64) *EnvelopeBuilder {
	b.env.Routing.OfficeID = id
	return b
}

func (b *EnvelopeBuilder) WithGroupID(id int64) *EnvelopeBuilder {
	b.env.Routing.GroupID = id
	return b
}

func (b *EnvelopeBuilder) WithClientID(id int64) *EnvelopeBuilder {
	b.env.Routing.ClientID = id
	return b
}

func (b *EnvelopeBuilder) WithLoanID(id int64) *EnvelopeBuilder {
	b.env.Routing.LoanID = id
	return b
}

func (b *EnvelopeBuilder) WithSavingsID(id int64) *EnvelopeBuilder {
	b.env.Routing.SavingsID = id
	return b
}

func (b *EnvelopeBuilder) WithProductID(id int64) *EnvelopeBuilder {
	b.env.Routing.ProductID = id
	return b
}

func (b *EnvelopeBuilder) WithTransactionID(id string) *EnvelopeBuilder {
	b.env.Routing.TransactionID = id
	return b
}

func (b *EnvelopeBuilder) WithHref(href string) *EnvelopeBuilder {
	b.env.Href = href
	return b
}

// WithJSON sets the payload from a raw JSON string.
func (b *EnvelopeBuilder) WithJSON(payload string) *EnvelopeBuilder {
	b.env.Payload = json.RawMessage(payload)
	return b
}

// WithPayload marshals v as the payload. Marshal failures leave an invalid
// payload that envelope validation rejects.
func (b *EnvelopeBuilder) WithPayload(v any) *EnvelopeBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		b.env.Payload = json.RawMessage("<unmarshalable>")
		return b
	}
	b.env.Payload = data
	return b
}

func (b *EnvelopeBuilder) WithIdempotencyKey(key string) *EnvelopeBuilder {
	b.env.IdempotencyKey = key
	return b
}

func (b *EnvelopeBuilder) WithJobName(name string) *EnvelopeBuilder {
	b.env.JobName = name
	return b
}

func (b *EnvelopeBuilder) WithActor(actorID string) *EnvelopeBuilder {
	b.env.ActorID = actorID
	return b
}

func (b *EnvelopeBuilder) WithCorrelationID(id string) *EnvelopeBuilder {
	b.env.CorrelationID = id
	return b
}

// ForCommand points the envelope at an existing Command Record.
func (b *EnvelopeBuilder) ForCommand(commandID string) *EnvelopeBuilder {
	b.env.CommandID = commandID
	return b
}

// Build returns the envelope. A correlation id is generated when none was set.
func (b *EnvelopeBuilder) Build() CommandEnvelope {
	env := b.env
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	env.Payload = env.PayloadBytes()
	return env
}
