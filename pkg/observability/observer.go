package observability

import (
	"context"
	"time"

	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/retry"
	"go.opentelemetry.io/otel/metric"
)

// Observer feeds command service hooks into Metrics and the active span.
type Observer struct {
	metrics *Metrics
}

var _ commands.Observer = (*Observer)(nil)

// NewObserver creates an Observer recording into metrics.
func NewObserver(metrics *Metrics) *Observer {
	return &Observer{metrics: metrics}
}

func (o *Observer) OnAttempt(ctx context.Context, cmd *commands.Command, err error, d time.Duration) {
	o.metrics.RecordAttempt(ctx, cmd.Envelope.ActionName, cmd.Envelope.EntityName, d, err)
}

func (o *Observer) OnRetry(ctx context.Context, cmd *commands.Command, evt retry.Event) {
	o.metrics.RecordRetry(ctx, cmd.Envelope.ActionName, cmd.Envelope.EntityName, evt.Err)
	AddSpanEvent(ctx, "command.retry",
		AttrID.String(cmd.RecordID),
		AttrAttempt.Int(evt.NumberOfRetryAttempts),
		AttrErrorKind.String(string(domain.KindOf(evt.Err))),
	)
}

func (o *Observer) OnOutcome(ctx context.Context, c commands.Completion) {
	o.metrics.RecordCommand(ctx, c.Action, c.Entity, c.Result, c.Attempts, c.Duration, c.Err)
}

func (o *Observer) OnPublishFailure(ctx context.Context, rec *domain.CommandRecord, err error) {
	o.metrics.PublishFailures.Add(ctx, 1, metric.WithAttributes(CommandAttrs(rec.ActionName, rec.EntityName)...))
}
