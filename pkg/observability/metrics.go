package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the command processing core.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter
	CommandAttempts metric.Int64Histogram
	CommandRetries  metric.Int64Counter
	CommandReplays  metric.Int64Counter

	// Attempt metrics
	AttemptDuration metric.Float64Histogram

	// Publishing metrics
	PublishLatency  metric.Float64Histogram
	PublishMessages metric.Int64Counter
	PublishFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"commandcore.command.duration",
		metric.WithDescription("Command processing duration in seconds, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"commandcore.command.total",
		metric.WithDescription("Total commands processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"commandcore.command.errors",
		metric.WithDescription("Total failed commands by error kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.CommandAttempts, err = meter.Int64Histogram(
		"commandcore.command.attempts",
		metric.WithDescription("Handler attempts per command"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.attempts: %w", err)
	}

	m.CommandRetries, err = meter.Int64Counter(
		"commandcore.command.retries",
		metric.WithDescription("Total retried attempts by cause"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.retries: %w", err)
	}

	m.CommandReplays, err = meter.Int64Counter(
		"commandcore.command.replays",
		metric.WithDescription("Total commands served from the idempotency cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.replays: %w", err)
	}

	m.AttemptDuration, err = meter.Float64Histogram(
		"commandcore.attempt.duration",
		metric.WithDescription("Single handler attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attempt.duration: %w", err)
	}

	m.PublishLatency, err = meter.Float64Histogram(
		"commandcore.publish.latency",
		metric.WithDescription("Outcome publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.latency: %w", err)
	}

	m.PublishMessages, err = meter.Int64Counter(
		"commandcore.publish.messages",
		metric.WithDescription("Total outcome messages published"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.messages: %w", err)
	}

	m.PublishFailures, err = meter.Int64Counter(
		"commandcore.publish.failures",
		metric.WithDescription("Total outcomes that could not be published after commit"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating publish.failures: %w", err)
	}

	return m, nil
}

// RecordCommand records the end of one processing call. Replays of failed
// commands count as both a replay and an error of their stored kind.
func (m *Metrics) RecordCommand(ctx context.Context, action, entity string, res *domain.CommandResult, attempts int, duration time.Duration, err error) {
	attrs := CommandAttrs(action, entity)

	status := "FAILED"
	replayed := errors.As(err, new(*domain.IdempotentReplayError))
	if res != nil {
		status = res.Status.String()
		replayed = res.ServedFromCache
	}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrStatus.String(status))...))
	m.CommandAttempts.Record(ctx, int64(attempts), metric.WithAttributes(attrs...))
	if replayed {
		m.CommandReplays.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, ErrorAttrs(err)...)...))
	}
}

// RecordAttempt records one handler attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, action, entity string, duration time.Duration, err error) {
	attrs := CommandAttrs(action, entity)
	attrs = append(attrs, attribute.Bool("success", err == nil))
	m.AttemptDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry records a retried attempt.
func (m *Metrics) RecordRetry(ctx context.Context, action, entity string, cause error) {
	attrs := append(CommandAttrs(action, entity), ErrorAttrs(cause)...)
	m.CommandRetries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPublish records outcome publishing to subject.
func (m *Metrics) RecordPublish(ctx context.Context, subject string, duration time.Duration, messageCount int, err error) {
	attrs := []attribute.KeyValue{
		AttrSubject.String(subject),
	}

	m.PublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if err != nil {
		m.PublishFailures.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
		return
	}
	m.PublishMessages.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}
