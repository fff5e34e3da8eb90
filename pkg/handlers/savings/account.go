// Package savings provides reference business handlers for savings
// accounts: open, deposit, withdraw and close.
package savings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	// AggregateKind is the aggregate kind accounts are stored under.
	AggregateKind = "savings"

	sequenceKind = "sequence"
	sequenceID   = "savings"
)

// Status of a savings account.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

var (
	// ErrAccountNotOpen is returned for operations on a closed account.
	ErrAccountNotOpen = fmt.Errorf("%w: account is not open", domain.ErrValidation)

	// ErrInsufficientBalance is returned when a withdrawal exceeds the balance.
	ErrInsufficientBalance = fmt.Errorf("%w: insufficient balance", domain.ErrValidation)

	// ErrNonZeroBalance is returned when closing an account that still holds money.
	ErrNonZeroBalance = fmt.Errorf("%w: cannot close account with non-zero balance", domain.ErrValidation)
)

// Account is the state of a savings account aggregate.
type Account struct {
	ID        int64           `json:"id"`
	ClientID  int64           `json:"clientId,omitempty"`
	OwnerName string          `json:"ownerName"`
	Status    Status          `json:"status"`
	Balance   decimal.Decimal `json:"balance"`

	version int64
}

// Version is the aggregate version the account was loaded at.
func (a *Account) Version() int64 {
	return a.version
}

// Deposit credits amount.
func (a *Account) Deposit(amount decimal.Decimal) error {
	if a.Status != StatusOpen {
		return ErrAccountNotOpen
	}
	a.Balance = a.Balance.Add(amount)
	return nil
}

// Withdraw debits amount.
func (a *Account) Withdraw(amount decimal.Decimal) error {
	if a.Status != StatusOpen {
		return ErrAccountNotOpen
	}
	if a.Balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, a.Balance.StringFixed(2), amount.StringFixed(2))
	}
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Close closes an empty account.
func (a *Account) Close() error {
	if a.Status != StatusOpen {
		return ErrAccountNotOpen
	}
	if !a.Balance.IsZero() {
		return fmt.Errorf("%w: %s", ErrNonZeroBalance, a.Balance.StringFixed(2))
	}
	a.Status = StatusClosed
	return nil
}

// Load reads account id from aggs.
func Load(ctx context.Context, aggs store.Aggregates, id int64) (*Account, error) {
	agg, err := aggs.LoadAggregate(ctx, AggregateKind, strconv.FormatInt(id, 10))
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, fmt.Errorf("savings account %d: %w", id, domain.ErrAggregateNotFound)
	}
	if err != nil {
		return nil, err
	}

	var acc Account
	if err := agg.Decode(&acc); err != nil {
		return nil, err
	}
	acc.ID = id
	acc.version = agg.Version
	return &acc, nil
}

// Save writes acc, failing with domain.ErrVersionConflict when it changed
// since it was loaded.
func Save(ctx context.Context, aggs store.Aggregates, acc *Account) error {
	agg := domain.NewAggregate(AggregateKind, strconv.FormatInt(acc.ID, 10))
	if err := agg.Encode(acc); err != nil {
		return err
	}
	if err := aggs.SaveAggregate(ctx, agg, acc.version); err != nil {
		return fmt.Errorf("failed to save savings account %d: %w", acc.ID, err)
	}
	acc.version = agg.Version
	return nil
}

// nextID allocates an account id from a versioned counter. Concurrent
// openings conflict on the counter and are retried.
func nextID(ctx context.Context, aggs store.Aggregates) (int64, error) {
	var counter struct {
		Last int64 `json:"last"`
	}

	agg, err := aggs.LoadAggregate(ctx, sequenceKind, sequenceID)
	switch {
	case errors.Is(err, domain.ErrAggregateNotFound):
		agg = domain.NewAggregate(sequenceKind, sequenceID)
	case err != nil:
		return 0, err
	default:
		if err := agg.Decode(&counter); err != nil {
			return 0, err
		}
	}

	expected := agg.Version
	counter.Last++
	if err := agg.Encode(counter); err != nil {
		return 0, err
	}
	if err := aggs.SaveAggregate(ctx, agg, expected); err != nil {
		return 0, err
	}
	return counter.Last, nil
}
