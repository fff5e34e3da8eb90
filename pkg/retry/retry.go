// Package retry decides whether a failed command attempt is re-run,
// how many times, and how long to wait in between.
package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/plaenen/commandcore/pkg/domain"
)

// Decision is the outcome of classifying a failure.
type Decision int

const (
	// Fatal failures propagate immediately.
	Fatal Decision = iota
	// Retryable failures re-run the attempt until the bound is reached.
	Retryable
)

func (d Decision) String() string {
	if d == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Table maps error kinds to a decision. Kinds not listed are fatal.
type Table map[domain.ErrorKind]Decision

// DefaultTable retries datastore conflicts (lock timeouts and optimistic
// version mismatches) and nothing else.
func DefaultTable() Table {
	return Table{
		domain.KindResourceConflict: Retryable,
	}
}

// Decide classifies err.
func (t Table) Decide(err error) Decision {
	if err == nil {
		return Fatal
	}
	return t[domain.KindOf(err)]
}

// Config configures a Policy.
type Config struct {
	// Name identifies the policy in retry events.
	Name string

	// MaxAttempts bounds the number of attempts, including the first one.
	MaxAttempts int

	// InitialInterval is the first backoff wait. Zero disables waiting.
	InitialInterval time.Duration

	// MaxInterval caps a single wait.
	MaxInterval time.Duration

	// Multiplier grows the wait between consecutive retries.
	Multiplier float64

	// RandomizationFactor applies jitter: 0.2 = ±20%.
	RandomizationFactor float64

	// Table classifies failures. Nil uses DefaultTable.
	Table Table
}

// DefaultConfig returns the command processing defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "executeCommand",
		MaxAttempts:         3,
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		Table:               DefaultTable(),
	}
}

// Event is emitted before every re-attempt.
type Event struct {
	Name string

	// NumberOfRetryAttempts counts retries so far, starting at 1.
	NumberOfRetryAttempts int

	// Err is the failure that triggered the retry.
	Err error

	// Wait is the backoff applied before the next attempt.
	Wait time.Duration
}

// Listener receives retry events.
type Listener func(Event)

// Policy runs attempts sequentially according to its Config.
// A Policy is safe for concurrent use; attempt counters live per call.
type Policy struct {
	cfg        Config
	newBackOff func() backoff.BackOff

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Policy.
type Option func(*Policy)

// WithBackOff overrides the backoff strategy.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(p *Policy) {
		p.newBackOff = factory
	}
}

// New creates a Policy. Missing fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}

	p := &Policy{cfg: cfg}
	p.newBackOff = p.exponential
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) exponential() backoff.BackOff {
	if p.cfg.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	if p.cfg.MaxInterval > 0 {
		b.MaxInterval = p.cfg.MaxInterval
	}
	if p.cfg.Multiplier > 0 {
		b.Multiplier = p.cfg.Multiplier
	}
	if p.cfg.RandomizationFactor >= 0 {
		b.RandomizationFactor = p.cfg.RandomizationFactor
	}
	b.Reset()
	return b
}

// Name returns the configured policy name.
func (p *Policy) Name() string {
	return p.cfg.Name
}

// MaxAttempts returns the attempt bound.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Classify returns the decision for err.
func (p *Policy) Classify(err error) Decision {
	return p.cfg.Table.Decide(err)
}

// OnRetry registers a listener for retry events.
func (p *Policy) OnRetry(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

func (p *Policy) emit(evt Event, extra []Listener) {
	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, l := range listeners {
		l(evt)
	}
	for _, l := range extra {
		l(evt)
	}
}

// Do runs fn until it succeeds, fails fatally, or the attempt bound is hit.
// attempt is 1-based. An attempt in progress is never interrupted; the
// context is only consulted between attempts. Listeners passed here see
// the retry events of this call only.
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context, attempt int) (T, error), listeners ...Listener) (T, error) {
	var zero T
	b := p.newBackOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, nil
		}
		if p.Classify(err) == Fatal {
			return zero, err
		}
		if attempt >= p.cfg.MaxAttempts {
			return zero, &domain.RetriesExhaustedError{Name: p.cfg.Name, Attempts: attempt, Last: err}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return zero, &domain.RetriesExhaustedError{Name: p.cfg.Name, Attempts: attempt, Last: err}
		}

		p.emit(Event{Name: p.cfg.Name, NumberOfRetryAttempts: attempt, Err: err, Wait: wait}, listeners)

		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s aborted before attempt %d: %w", p.cfg.Name, attempt+1, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
