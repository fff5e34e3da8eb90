package cob

import "time"

// LoanIDAndLastClosedBusinessDate pairs a loan with the last business date
// closed for it. A nil date means the loan was never closed.
type LoanIDAndLastClosedBusinessDate struct {
	LoanID                 int64
	LastClosedBusinessDate *time.Time
}

// OldestClosedBusinessDate returns the earliest non-nil last closed date.
// ok is false when no loan has been closed yet.
func OldestClosedBusinessDate(loans []LoanIDAndLastClosedBusinessDate) (oldest time.Time, ok bool) {
	for _, l := range loans {
		if l.LastClosedBusinessDate == nil {
			continue
		}
		if !ok || l.LastClosedBusinessDate.Before(oldest) {
			oldest, ok = *l.LastClosedBusinessDate, true
		}
	}
	return oldest, ok
}

// OverdueInstallment returns the first unpaid installment that became
// overdue exactly on businessDate, overdueDays after its due date.
func OverdueInstallment(loan *Loan, businessDate time.Time, overdueDays int) (Installment, bool) {
	for _, inst := range loan.Installments {
		if inst.ObligationsMet() {
			continue
		}
		if inst.DueDate.AddDate(0, 0, overdueDays).Equal(businessDate) {
			return inst, true
		}
	}
	return Installment{}, false
}
