package savings

import (
	"context"
	"strconv"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	Entity = "SAVINGSACCOUNT"

	ActionOpen     = "CREATE"
	ActionDeposit  = "DEPOSIT"
	ActionWithdraw = "WITHDRAW"
	ActionClose    = "CLOSE"
)

// Register adds the savings handlers to reg.
func Register(reg *commands.Registry) {
	reg.Register(ActionOpen, Entity, commands.NewHandler(validateOpen, open))
	reg.Register(ActionDeposit, Entity, commands.NewHandler(validateAmount, deposit))
	reg.Register(ActionWithdraw, Entity, commands.NewHandler(validateAmount, withdraw))
	reg.Register(ActionClose, Entity, commands.NewHandler(validateTarget, closeAccount))
}

func validateOpen(_ context.Context, cmd *commands.Command) error {
	var fields []domain.FieldError
	if cmd.String("ownerName") == "" {
		fields = append(fields, domain.FieldError{Parameter: "ownerName", Code: "required", Message: "owner name is required"})
	}
	if cmd.Has("initialBalance") {
		balance, err := cmd.Decimal("initialBalance")
		if err != nil || balance.IsNegative() {
			fields = append(fields, domain.FieldError{
				Parameter: "initialBalance", Code: "invalid_balance",
				Message: "initial balance must be a non-negative number",
			})
		}
	}
	if len(fields) > 0 {
		return domain.NewValidationError(fields...)
	}
	return nil
}

func validateTarget(_ context.Context, cmd *commands.Command) error {
	if cmd.Envelope.Routing.SavingsID <= 0 {
		return domain.Invalid("savingsId", "required", "savings account id is required")
	}
	return nil
}

func validateAmount(ctx context.Context, cmd *commands.Command) error {
	if err := validateTarget(ctx, cmd); err != nil {
		return err
	}
	amount, err := cmd.Decimal("transactionAmount")
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return domain.Invalid("transactionAmount", "not_positive", "transaction amount must be positive")
	}
	return nil
}

func open(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
	id, err := nextID(ctx, aggs)
	if err != nil {
		return domain.Outcome{}, err
	}

	balance := decimal.Zero
	if cmd.Has("initialBalance") {
		if balance, err = cmd.Decimal("initialBalance"); err != nil {
			return domain.Outcome{}, err
		}
	}
	clientID, _ := cmd.Int64("clientId")

	acc := &Account{
		ID:        id,
		ClientID:  clientID,
		OwnerName: cmd.String("ownerName"),
		Status:    StatusOpen,
		Balance:   balance,
	}
	if err := Save(ctx, aggs, acc); err != nil {
		return domain.Outcome{}, err
	}
	return outcome(acc), nil
}

func deposit(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
	return transact(ctx, aggs, cmd, (*Account).Deposit)
}

func withdraw(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
	return transact(ctx, aggs, cmd, (*Account).Withdraw)
}

func transact(ctx context.Context, aggs store.Aggregates, cmd *commands.Command, apply func(*Account, decimal.Decimal) error) (domain.Outcome, error) {
	amount, err := cmd.Decimal("transactionAmount")
	if err != nil {
		return domain.Outcome{}, err
	}
	acc, err := Load(ctx, aggs, cmd.Envelope.Routing.SavingsID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := apply(acc, amount); err != nil {
		return domain.Outcome{}, err
	}
	if err := Save(ctx, aggs, acc); err != nil {
		return domain.Outcome{}, err
	}
	return outcome(acc), nil
}

func closeAccount(ctx context.Context, aggs store.Aggregates, cmd *commands.Command) (domain.Outcome, error) {
	acc, err := Load(ctx, aggs, cmd.Envelope.Routing.SavingsID)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := acc.Close(); err != nil {
		return domain.Outcome{}, err
	}
	if err := Save(ctx, aggs, acc); err != nil {
		return domain.Outcome{}, err
	}
	return outcome(acc), nil
}

func outcome(acc *Account) domain.Outcome {
	return domain.Outcome{
		ResourceID: strconv.FormatInt(acc.ID, 10),
		ClientID:   acc.ClientID,
		SavingsID:  acc.ID,
		Changes: map[string]any{
			"status":  acc.Status,
			"balance": acc.Balance.StringFixed(2),
		},
	}
}
