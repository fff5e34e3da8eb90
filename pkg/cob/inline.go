package cob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

const (
	ActionInlineCOB = "INLINE_COB"
	EntityLoan      = "LOAN"

	// JobName owns the loan locks taken by inline close of business.
	JobName = "INLINE_LOAN_COB"

	dateLayout = "2006-01-02"
)

// ErrLoanLocked is returned when a loan is locked by another job. The lock
// cannot be overruled, so the command fails without retrying.
var ErrLoanLocked = fmt.Errorf("%w: loan account lock cannot be overruled", domain.ErrValidation)

// InlineLoanCOB closes the business day for the loans named in the payload
// ("loanIds"), catching each one up to the platform COB date.
type InlineLoanCOB struct {
	// OverdueDays is how many days after the due date an unpaid
	// installment raises an overdue notice.
	OverdueDays int

	Logger *slog.Logger
}

var _ commands.Handler = (*InlineLoanCOB)(nil)

// Register adds the handler to reg.
func Register(reg *commands.Registry, h *InlineLoanCOB) {
	reg.Register(ActionInlineCOB, EntityLoan, h)
}

func (h *InlineLoanCOB) Validate(_ context.Context, cmd *commands.Command) error {
	ids := cmd.Int64s("loanIds")
	if len(ids) == 0 {
		return domain.Invalid("loanIds", "required", "at least one loan id is required")
	}
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return domain.Invalid("loanIds", "invalid", fmt.Sprintf("loan id %d is not positive", id))
		}
		if seen[id] {
			return domain.Invalid("loanIds", "duplicate", fmt.Sprintf("loan id %d is listed twice", id))
		}
		seen[id] = true
	}
	return nil
}

func (h *InlineLoanCOB) Execute(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
	cobDate := cmd.Platform.COBDate()

	var behind []*Loan
	for _, id := range cmd.Int64s("loanIds") {
		loan, err := LoadLoan(ctx, aggs, id)
		if err != nil {
			return domain.Outcome{}, err
		}
		if loan.LockOwner != "" && loan.LockOwner != JobName {
			return domain.Outcome{}, fmt.Errorf("%w: loan %d is held by %s", ErrLoanLocked, id, loan.LockOwner)
		}
		if loan.Behind(cobDate) {
			behind = append(behind, loan)
		}
	}

	dates := make([]LoanIDAndLastClosedBusinessDate, len(behind))
	for i, l := range behind {
		dates[i] = LoanIDAndLastClosedBusinessDate{LoanID: l.ID, LastClosedBusinessDate: l.LastClosedBusinessDate}
	}
	oldest, hasOldest := OldestClosedBusinessDate(dates)

	processed := make([]int64, 0, len(behind))
	notices := 0
	for _, loan := range behind {
		notices += h.closeLoan(loan, cobDate)
		if err := SaveLoan(ctx, aggs, loan); err != nil {
			return domain.Outcome{}, err
		}
		processed = append(processed, loan.ID)
	}

	changes := map[string]any{
		"cobDate":            cobDate.Format(dateLayout),
		"processedLoanIds":   processed,
		"overdueNoticeCount": notices,
	}
	if hasOldest {
		changes["oldestClosedBusinessDate"] = oldest.Format(dateLayout)
	}

	h.logger().InfoContext(ctx, "inline loan close of business finished",
		slog.String("command_id", cmd.RecordID),
		slog.String("cob_date", cobDate.Format(dateLayout)),
		slog.Int("loans", len(processed)),
		slog.Int("overdue_notices", notices),
	)
	return domain.Outcome{Changes: changes}, nil
}

// closeLoan runs the business steps for every day from the day after the
// loan's last closed date through cobDate. Loans never closed are run for
// cobDate only.
func (h *InlineLoanCOB) closeLoan(loan *Loan, cobDate time.Time) int {
	day := cobDate
	if loan.LastClosedBusinessDate != nil {
		day = loan.LastClosedBusinessDate.AddDate(0, 0, 1)
	}

	raised := 0
	for ; !day.After(cobDate); day = day.AddDate(0, 0, 1) {
		inst, ok := OverdueInstallment(loan, day, h.OverdueDays)
		if !ok {
			continue
		}
		loan.Overdue = append(loan.Overdue, OverdueNotice{
			Installment: inst.Number,
			DueDate:     inst.DueDate,
			RaisedOn:    day,
			Outstanding: inst.Due().Sub(inst.Paid).StringFixed(2),
		})
		raised++
	}

	closed := cobDate
	loan.LastClosedBusinessDate = &closed
	return raised
}

func (h *InlineLoanCOB) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
