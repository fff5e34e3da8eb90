package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Aggregate is a versioned business entity persisted by the handler session.
// Handlers own the State encoding; the store only enforces the version.
type Aggregate struct {
	Kind      string
	ID        string
	Version   int64
	State     json.RawMessage
	UpdatedAt time.Time
}

// NewAggregate creates an unsaved aggregate (version 0).
func NewAggregate(kind, id string) *Aggregate {
	return &Aggregate{Kind: kind, ID: id, State: json.RawMessage("{}")}
}

// Key is the stable partitioning key of the aggregate.
func (a *Aggregate) Key() string {
	return a.Kind + "/" + a.ID
}

// Decode unmarshals the state into v.
func (a *Aggregate) Decode(v any) error {
	if len(a.State) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.State, v); err != nil {
		return fmt.Errorf("decode %s state: %w", a.Key(), err)
	}
	return nil
}

// Encode replaces the state with the JSON encoding of v.
func (a *Aggregate) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", a.Key(), err)
	}
	a.State = data
	return nil
}

// AggregateKey builds the partition key for a record's primary target.
func AggregateKey(rec *CommandRecord) string {
	switch {
	case rec.Routing.LoanID != 0:
		return fmt.Sprintf("loan/%d", rec.Routing.LoanID)
	case rec.Routing.SavingsID != 0:
		return fmt.Sprintf("savings/%d", rec.Routing.SavingsID)
	case rec.Routing.ClientID != 0:
		return fmt.Sprintf("client/%d", rec.Routing.ClientID)
	case rec.EntityID != 0:
		return fmt.Sprintf("%s/%d", rec.EntityName, rec.EntityID)
	}
	return rec.EntityName + "/" + rec.ID
}
