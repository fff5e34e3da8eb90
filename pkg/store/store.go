// Package store defines the persistence contracts for the command log and
// the business aggregates that handlers mutate.
package store

import (
	"context"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
)

// RecordFilter narrows ListRecords. Zero fields match everything.
type RecordFilter struct {
	Status     domain.Status
	ActionName string
	EntityName string
	MakerID    string
	TenantID   string

	// CreatedBefore matches records created strictly before the instant.
	CreatedBefore time.Time

	// Limit caps the result size. Zero means DefaultListLimit.
	Limit int
}

// DefaultListLimit bounds ListRecords when no limit is given.
const DefaultListLimit = 200

// EffectiveLimit returns the limit to apply for f.
func (f RecordFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// CommandLog persists command records.
type CommandLog interface {
	// InsertRecord stores a new record and sets its version to 1.
	// Returns domain.ErrDuplicateIdempotencyKey if the key is already taken.
	InsertRecord(ctx context.Context, rec *domain.CommandRecord) error

	// UpdateRecord overwrites a record if its stored version equals
	// expectedVersion, then bumps rec.Version.
	// Returns domain.ErrVersionConflict on mismatch.
	UpdateRecord(ctx context.Context, rec *domain.CommandRecord, expectedVersion int64) error

	// DeleteRecord removes a record at expectedVersion.
	// Returns domain.ErrVersionConflict on mismatch.
	DeleteRecord(ctx context.Context, id string, expectedVersion int64) error

	// GetRecord returns domain.ErrRecordNotFound for an unknown id.
	GetRecord(ctx context.Context, id string) (*domain.CommandRecord, error)

	// FindByIdempotencyKey returns the record for the (action, entity, key)
	// triple, or domain.ErrRecordNotFound.
	FindByIdempotencyKey(ctx context.Context, action, entity, key string) (*domain.CommandRecord, error)

	// ListRecords returns matching records ordered by creation time.
	ListRecords(ctx context.Context, filter RecordFilter) ([]*domain.CommandRecord, error)
}

// Aggregates persists versioned business state.
type Aggregates interface {
	// LoadAggregate returns domain.ErrAggregateNotFound for an unknown key.
	LoadAggregate(ctx context.Context, kind, id string) (*domain.Aggregate, error)

	// SaveAggregate inserts (expectedVersion 0) or updates an aggregate
	// and bumps agg.Version. Returns domain.ErrVersionConflict when the
	// stored version moved on.
	SaveAggregate(ctx context.Context, agg *domain.Aggregate, expectedVersion int64) error
}

// Tx is the view of a transaction: the record and the business effect
// commit or roll back together.
type Tx interface {
	CommandLog
	Aggregates
}

// TxFunc runs inside a transaction. Returning an error rolls back.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is a transactional command log with aggregate storage.
// Methods outside InTx run in their own short transaction.
type Store interface {
	CommandLog
	Aggregates

	// InTx runs fn in a transaction and commits if fn returns nil.
	// Lock acquisition failures are reported as domain.ErrLockTimeout.
	InTx(ctx context.Context, fn TxFunc) error

	// ReleaseStale deletes CREATED records older than cutoff, freeing their
	// idempotency keys after a crash.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
