// Package cob implements the inline close-of-business command for loans.
package cob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/shopspring/decimal"
)

// AggregateKind is the aggregate kind loans are stored under.
const AggregateKind = "loan"

// Installment is one scheduled repayment.
type Installment struct {
	Number    int             `json:"number"`
	DueDate   time.Time       `json:"dueDate"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Paid      decimal.Decimal `json:"paid"`
}

// Due is the total amount owed for the installment.
func (i Installment) Due() decimal.Decimal {
	return i.Principal.Add(i.Interest)
}

// ObligationsMet reports whether the installment has been fully repaid.
func (i Installment) ObligationsMet() bool {
	return i.Paid.GreaterThanOrEqual(i.Due())
}

// OverdueNotice is raised once when an unpaid installment becomes overdue.
type OverdueNotice struct {
	Installment int       `json:"installment"`
	DueDate     time.Time `json:"dueDate"`
	RaisedOn    time.Time `json:"raisedOn"`
	Outstanding string    `json:"outstanding"`
}

// Loan is the state of a loan aggregate as seen by close of business.
type Loan struct {
	ID     int64 `json:"id"`
	Closed bool  `json:"closed,omitempty"`

	// LastClosedBusinessDate is nil until the first close of business.
	LastClosedBusinessDate *time.Time `json:"lastClosedBusinessDate,omitempty"`

	// LockOwner names the job holding the loan, if any.
	LockOwner string `json:"lockOwner,omitempty"`

	Installments []Installment   `json:"installments,omitempty"`
	Overdue      []OverdueNotice `json:"overdue,omitempty"`

	version int64
}

// Behind reports whether the loan has not been closed through cobDate.
func (l *Loan) Behind(cobDate time.Time) bool {
	return !l.Closed && (l.LastClosedBusinessDate == nil || l.LastClosedBusinessDate.Before(cobDate))
}

// Version is the aggregate version the loan was loaded at.
func (l *Loan) Version() int64 {
	return l.version
}

// LoadLoan reads loan id from aggs.
func LoadLoan(ctx context.Context, aggs store.Aggregates, id int64) (*Loan, error) {
	agg, err := aggs.LoadAggregate(ctx, AggregateKind, strconv.FormatInt(id, 10))
	if errors.Is(err, domain.ErrAggregateNotFound) {
		return nil, domain.Invalid("loanIds", "not_found", fmt.Sprintf("loan %d does not exist", id))
	}
	if err != nil {
		return nil, err
	}

	var loan Loan
	if err := agg.Decode(&loan); err != nil {
		return nil, err
	}
	loan.ID = id
	loan.version = agg.Version
	return &loan, nil
}

// SaveLoan writes loan back, failing with domain.ErrVersionConflict when it
// changed since it was loaded.
func SaveLoan(ctx context.Context, aggs store.Aggregates, loan *Loan) error {
	agg := domain.NewAggregate(AggregateKind, strconv.FormatInt(loan.ID, 10))
	if err := agg.Encode(loan); err != nil {
		return err
	}
	if err := aggs.SaveAggregate(ctx, agg, loan.version); err != nil {
		return fmt.Errorf("failed to save loan %d: %w", loan.ID, err)
	}
	loan.version = agg.Version
	return nil
}
