// Package idempotency deduplicates keyed command submissions against the
// command log.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
)

// InFlightPolicy decides what a duplicate does while the first submission
// of its key is still executing.
type InFlightPolicy string

const (
	// FailFast reports domain.ErrConcurrentDuplicateSubmission immediately.
	FailFast InFlightPolicy = "fail-fast"
	// Block waits for the first submission to finish and replays its outcome.
	Block InFlightPolicy = "block"
)

// ParseInFlightPolicy parses "fail-fast" or "block".
func ParseInFlightPolicy(s string) (InFlightPolicy, error) {
	switch p := InFlightPolicy(s); p {
	case FailFast, Block:
		return p, nil
	}
	return "", fmt.Errorf("unknown in-flight policy %q", s)
}

// Config configures a Guard.
type Config struct {
	InFlight InFlightPolicy

	// BlockTimeout bounds how long Block waits.
	BlockTimeout time.Duration

	// PollInterval is the first wait between lookups under Block.
	PollInterval time.Duration

	// StaleAfter is the age after which a CREATED placeholder is presumed
	// abandoned by a crashed process.
	StaleAfter time.Duration
}

// DefaultConfig returns fail-fast deduplication.
func DefaultConfig() Config {
	return Config{
		InFlight:     FailFast,
		BlockTimeout: 10 * time.Second,
		PollInterval: 20 * time.Millisecond,
		StaleAfter:   15 * time.Minute,
	}
}

// Guard looks up, reserves and settles idempotency keys.
type Guard struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// New creates a Guard over st.
func New(st store.Store, cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.InFlight == "" {
		cfg.InFlight = def.InFlight
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = def.BlockTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	g := &Guard{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		now:    domain.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the configured in-flight policy.
func (g *Guard) Policy() InFlightPolicy {
	return g.cfg.InFlight
}

// Lookup returns the stored outcome for env's key, or (nil, nil) when the
// key has not been used for this action and entity or env carries no key.
func (g *Guard) Lookup(ctx context.Context, env domain.CommandEnvelope) (*domain.CommandResult, error) {
	env = env.Normalize()
	if env.IdempotencyKey == "" {
		return nil, nil
	}
	for {
		rec, err := g.store.FindByIdempotencyKey(ctx, env.ActionName, env.EntityName, env.IdempotencyKey)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := g.replay(ctx, rec)
		if errors.Is(err, errReleased) {
			continue
		}
		return res, err
	}
}

// Reserve commits rec as a CREATED placeholder that owns its key.
//
// When the key is already taken by the same action and entity, Reserve
// returns the stored outcome instead and reserved is false. A key taken by
// a different action or entity is a domain.ErrDuplicateIdempotencyKey.
func (g *Guard) Reserve(ctx context.Context, rec *domain.CommandRecord) (res *domain.CommandResult, reserved bool, err error) {
	for {
		err := g.store.InsertRecord(ctx, rec)
		if err == nil {
			return nil, true, nil
		}
		if !errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return nil, false, err
		}

		existing, findErr := g.store.FindByIdempotencyKey(ctx, rec.ActionName, rec.EntityName, rec.IdempotencyKey)
		if errors.Is(findErr, domain.ErrRecordNotFound) {
			return nil, false, &domain.DuplicateKeyError{
				Action: rec.ActionName,
				Entity: rec.EntityName,
				Key:    rec.IdempotencyKey,
				Err:    err,
			}
		}
		if findErr != nil {
			return nil, false, findErr
		}

		res, err = g.replay(ctx, existing)
		if errors.Is(err, errReleased) {
			continue
		}
		return res, false, err
	}
}

// Complete moves a reserved placeholder to its final status inside the
// transaction carrying the business effect.
func (g *Guard) Complete(ctx context.Context, tx store.CommandLog, rec *domain.CommandRecord) error {
	return tx.UpdateRecord(ctx, rec, rec.Version)
}

// Fail marks a reserved placeholder ERRORED so later submissions replay
// the failure.
func (g *Guard) Fail(ctx context.Context, rec *domain.CommandRecord, cause error) error {
	rec.ErrorCode = domain.KindOf(cause)
	rec.ErrorDetail = domain.FailureDetail(cause)
	if err := rec.Transition(domain.StatusErrored, g.now()); err != nil {
		return err
	}
	if err := g.store.UpdateRecord(ctx, rec, rec.Version); err != nil {
		return fmt.Errorf("failed to record command failure: %w", err)
	}
	return nil
}

// Release deletes a reserved placeholder so its key may be reused.
func (g *Guard) Release(ctx context.Context, rec *domain.CommandRecord) error {
	err := g.store.DeleteRecord(ctx, rec.ID, rec.Version)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to release idempotency key %q: %w", rec.IdempotencyKey, err)
	}
	return nil
}

// ReleaseStale frees keys held by placeholders older than StaleAfter.
func (g *Guard) ReleaseStale(ctx context.Context) (int, error) {
	cutoff := g.now().Add(-g.cfg.StaleAfter)
	n, err := g.store.ReleaseStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.WarnContext(ctx, "released stale idempotency placeholders",
			slog.Int("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// errReleased signals that an in-flight placeholder disappeared while we
// were waiting, so the key is free again.
var errReleased = errors.New("placeholder released")

// replay turns a stored record into the outcome a duplicate receives,
// waiting on in-flight records under Block.
func (g *Guard) replay(ctx context.Context, rec *domain.CommandRecord) (*domain.CommandResult, error) {
	if rec.Status == domain.StatusCreated && g.cfg.InFlight == Block {
		return g.await(ctx, rec)
	}
	res, err := Replay(rec)
	if res != nil {
		g.logger.DebugContext(ctx, "replaying stored command outcome",
			slog.String("command_id", rec.ID),
			slog.String("idempotency_key", rec.IdempotencyKey),
			slog.String("status", rec.Status.String()),
		)
	}
	return res, err
}

// Replay returns what a repeated submission of rec receives: the stored
// result for PROCESSED and AWAITING_APPROVAL records, the stored failure
// for ERRORED ones, and the matching error otherwise.
func Replay(rec *domain.CommandRecord) (*domain.CommandResult, error) {
	switch rec.Status {
	case domain.StatusProcessed, domain.StatusAwaitingApproval:
		return domain.ResultFromRecord(rec, true), nil
	case domain.StatusErrored:
		return nil, &domain.IdempotentReplayError{
			Action:    rec.ActionName,
			Entity:    rec.EntityName,
			Key:       rec.IdempotencyKey,
			CommandID: rec.ID,
			Kind:      rec.ErrorCode,
			Response:  rec.ErrorDetail,
		}
	case domain.StatusRejected:
		return nil, &domain.NotApprovedError{CommandID: rec.ID, Status: rec.Status}
	case domain.StatusCreated:
		return nil, concurrent(rec)
	}
	return nil, fmt.Errorf("record %s has unknown status %q", rec.ID, rec.Status)
}

// await polls until the in-flight submission settles.
func (g *Guard) await(ctx context.Context, rec *domain.CommandRecord) (*domain.CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.BlockTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.PollInterval
	b.MaxInterval = time.Second
	b.Reset()

	for {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, concurrent(rec)
		case <-timer.C:
		}

		current, err := g.store.GetRecord(ctx, rec.ID)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, errReleased
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, concurrent(rec)
			}
			return nil, err
		}
		if current.Status != domain.StatusCreated {
			return g.replay(ctx, current)
		}
	}
}

func concurrent(rec *domain.CommandRecord) error {
	return &domain.ConcurrentSubmissionError{
		Action:    rec.ActionName,
		Entity:    rec.EntityName,
		Key:       rec.IdempotencyKey,
		CommandID: rec.ID,
	}
}
