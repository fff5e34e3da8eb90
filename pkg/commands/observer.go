package commands

import (
	"context"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/retry"
)

// Completion describes the end of one Execute, Approve or Reject call.
type Completion struct {
	Action   string
	Entity   string
	Result   *domain.CommandResult
	Err      error
	Attempts int
	Duration time.Duration
}

// Observer receives processing events, typically to feed metrics.
type Observer interface {
	OnAttempt(ctx context.Context, cmd *Command, err error, d time.Duration)
	OnRetry(ctx context.Context, cmd *Command, evt retry.Event)
	OnOutcome(ctx context.Context, c Completion)
	OnPublishFailure(ctx context.Context, rec *domain.CommandRecord, err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) OnAttempt(context.Context, *Command, error, time.Duration) {}
func (NopObserver) OnRetry(context.Context, *Command, retry.Event) {}
func (NopObserver) OnOutcome(context.Context, Completion) {}
func (NopObserver) OnPublishFailure(context.Context, *domain.CommandRecord, error) {}

// Publisher receives outcomes after their transaction committed.
type Publisher interface {
	Publish(ctx context.Context, evt *domain.OutcomeEvent) error
}
