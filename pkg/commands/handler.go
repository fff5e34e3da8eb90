package commands

import (
	"context"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

// Handler executes one kind of command.
//
// Validate runs before the attempt transaction opens; Execute runs inside
// it and may only mutate state through aggs.
type Handler interface {
	Validate(ctx context.Context, cmd *Command) error
	Execute(ctx context.Context, aggs store.Aggregates, cmd *Command) (domain.Outcome, error)
}

// ValidateFunc checks a command before execution.
type ValidateFunc func(ctx context.Context, cmd *Command) error

// ExecuteFunc is a Handler without validation.
type ExecuteFunc func(ctx context.Context, aggs store.Aggregates, cmd *Command) (domain.Outcome, error)

// Validate implements Handler.
func (f ExecuteFunc) Validate(ctx context.Context, cmd *Command) error {
	return nil
}

// Execute implements Handler.
func (f ExecuteFunc) Execute(ctx context.Context, aggs store.Aggregates, cmd *Command) (domain.Outcome, error) {
	return f(ctx, aggs, cmd)
}

// NewHandler builds a Handler from functions. validate may be nil.
func NewHandler(validate ValidateFunc, execute ExecuteFunc) Handler {
	return Wrap(execute, validate, nil)
}

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

type wrapped struct {
	next     Handler
	validate ValidateFunc
	execute  ExecuteFunc
}

// Wrap returns a Handler that uses validate and execute where given and
// defers to next otherwise.
func Wrap(next Handler, validate ValidateFunc, execute ExecuteFunc) Handler {
	return &wrapped{next: next, validate: validate, execute: execute}
}

func (w *wrapped) Validate(ctx context.Context, cmd *Command) error {
	if w.validate != nil {
		return w.validate(ctx, cmd)
	}
	return w.next.Validate(ctx, cmd)
}

func (w *wrapped) Execute(ctx context.Context, aggs store.Aggregates, cmd *Command) (domain.Outcome, error) {
	if w.execute != nil {
		return w.execute(ctx, aggs, cmd)
	}
	return w.next.Execute(ctx, aggs, cmd)
}
