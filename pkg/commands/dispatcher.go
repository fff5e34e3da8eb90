package commands

import (
	"context"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

// FinalizeFunc persists the command record for a successful handler call
// inside the attempt transaction.
type FinalizeFunc func(ctx context.Context, tx store.Tx, outcome domain.Outcome) error

// Dispatcher runs one attempt: admission, validation, then the handler and
// the record write in a single transaction.
type Dispatcher struct {
	store store.Store
	gate  *MakerChecker
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(st store.Store, gate *MakerChecker) *Dispatcher {
	return &Dispatcher{store: st, gate: gate}
}

// Attempt executes cmd once. Any error rolls the transaction back,
// including the record write made by finalize.
func (d *Dispatcher) Attempt(ctx context.Context, route Route, cmd *Command, finalize FinalizeFunc) (domain.Outcome, error) {
	if err := d.gate.Admit(route, cmd); err != nil {
		return domain.Outcome{}, err
	}
	if err := route.Handler.Validate(ctx, cmd); err != nil {
		return domain.Outcome{}, err
	}

	var outcome domain.Outcome
	err := d.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err := route.Handler.Execute(ctx, tx, cmd)
		if err != nil {
			return err
		}
		if err := finalize(ctx, tx, out); err != nil {
			return err
		}
		outcome = out
		return nil
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	return outcome, nil
}
