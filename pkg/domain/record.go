package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a Command Record.
type Status string

const (
	// StatusCreated marks a reserved, in-flight record.
	StatusCreated Status = "CREATED"

	// StatusAwaitingApproval marks a gated command waiting for a checker.
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"

	// StatusProcessed marks a command whose business effect committed.
	StatusProcessed Status = "PROCESSED"

	// StatusErrored marks a command that failed permanently.
	StatusErrored Status = "ERRORED"

	// StatusRejected marks a gated command refused by a checker.
	StatusRejected Status = "REJECTED"
)

// transitions lists the allowed forward moves of the state machine.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusAwaitingApproval, StatusProcessed, StatusErrored},
	StatusAwaitingApproval: {StatusProcessed, StatusRejected},
}

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusCreated, StatusAwaitingApproval, StatusProcessed, StatusErrored, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown command status %q", s)
}

// CanTransitionTo reports whether moving from s to next is a forward move.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

// CommandRecord is the persisted log entry for one command.
// It is owned by the processing service; handlers never touch it.
type CommandRecord struct {
	ID       string
	TenantID string

	ActionName  string
	EntityName  string
	EntityID    int64
	SubEntityID int64
	Routing     Routing
	Href        string
	JobName     string

	Payload json.RawMessage

	// Result holds the JSON result once PROCESSED.
	Result json.RawMessage

	// ErrorCode and ErrorDetail are set once ERRORED.
	ErrorCode   ErrorKind
	ErrorDetail json.RawMessage

	Status         Status
	IdempotencyKey string

	MakerID       string
	CheckerID     string
	CorrelationID string

	CreatedAt   time.Time
	CompletedAt *time.Time
	CheckedAt   *time.Time

	// Version is the optimistic concurrency token, bumped on every update.
	Version int64
}

// NewRecord builds a record in the CREATED state from an envelope.
func NewRecord(id string, pc PlatformContext, env CommandEnvelope, now time.Time) *CommandRecord {
	env = env.Normalize()
	return &CommandRecord{
		ID:             id,
		TenantID:       pc.Tenant.Identifier,
		ActionName:     env.ActionName,
		EntityName:     env.EntityName,
		EntityID:       env.EntityID,
		SubEntityID:    env.SubEntityID,
		Routing:        env.Routing,
		Href:           env.Href,
		JobName:        env.JobName,
		Payload:        env.PayloadBytes(),
		Status:         StatusCreated,
		IdempotencyKey: env.IdempotencyKey,
		MakerID:        env.ActorID,
		CorrelationID:  env.CorrelationID,
		CreatedAt:      now.UTC(),
	}
}

// Transition moves the record forward to next, stamping completion times.
func (r *CommandRecord) Transition(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	if next.IsTerminal() {
		t := now.UTC()
		r.CompletedAt = &t
	}
	return nil
}

// MarkChecked records the checker decision.
func (r *CommandRecord) MarkChecked(checkerID string, now time.Time) {
	t := now.UTC()
	r.CheckerID = checkerID
	r.CheckedAt = &t
}

// Envelope rebuilds the envelope this record was created from.
func (r *CommandRecord) Envelope() CommandEnvelope {
	return CommandEnvelope{
		CommandID:      r.ID,
		ActionName:     r.ActionName,
		EntityName:     r.EntityName,
		EntityID:       r.EntityID,
		SubEntityID:    r.SubEntityID,
		Routing:        r.Routing,
		Href:           r.Href,
		Payload:        r.Payload,
		IdempotencyKey: r.IdempotencyKey,
		JobName:        r.JobName,
		ActorID:        r.MakerID,
		CorrelationID:  r.CorrelationID,
	}
}

// Clone returns a deep copy of the record.
func (r *CommandRecord) Clone() *CommandRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = cloneRaw(r.Payload)
	c.Result = cloneRaw(r.Result)
	c.ErrorDetail = cloneRaw(r.ErrorDetail)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.CheckedAt != nil {
		t := *r.CheckedAt
		c.CheckedAt = &t
	}
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
