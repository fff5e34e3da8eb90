package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/idempotency"
	"github.com/plaenen/commandcore/pkg/idgen"
	"github.com/plaenen/commandcore/pkg/retry"
	"github.com/plaenen/commandcore/pkg/store"
)

// Service is the command processing entry point.
type Service struct {
	store      store.Store
	registry   *Registry
	guard      *idempotency.Guard
	gate       *MakerChecker
	dispatcher *Dispatcher
	policy     *retry.Policy
	observer   Observer
	publisher  Publisher
	logger     *slog.Logger
	newID      idgen.Generator
	now        func() time.Time
}

type serviceConfig struct {
	logger            *slog.Logger
	observer          Observer
	publisher         Publisher
	newID             idgen.Generator
	now               func() time.Time
	policy            *retry.Policy
	idempotency       idempotency.Config
	approvals         ApprovalPolicy
	allowSelfApproval bool
}

// Option configures a Service.
type Option func(*serviceConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *serviceConfig) {
		c.logger = l
	}
}

// WithObserver receives attempt, retry and outcome events.
func WithObserver(o Observer) Option {
	return func(c *serviceConfig) {
		c.observer = o
	}
}

// WithPublisher publishes PROCESSED outcomes after commit.
func WithPublisher(p Publisher) Option {
	return func(c *serviceConfig) {
		c.publisher = p
	}
}

// WithIDGenerator overrides record identity generation.
func WithIDGenerator(g idgen.Generator) Option {
	return func(c *serviceConfig) {
		c.newID = g
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *serviceConfig) {
		c.now = now
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *serviceConfig) {
		c.policy = p
	}
}

// WithIdempotency configures in-flight duplicate handling.
func WithIdempotency(cfg idempotency.Config) Option {
	return func(c *serviceConfig) {
		c.idempotency = cfg
	}
}

// WithApprovals sets which permissions need checker approval.
func WithApprovals(p ApprovalPolicy) Option {
	return func(c *serviceConfig) {
		c.approvals = p
	}
}

// WithSelfApproval lets a maker approve or reject their own command.
func WithSelfApproval(allowed bool) Option {
	return func(c *serviceConfig) {
		c.allowSelfApproval = allowed
	}
}

// NewService creates a Service over st dispatching to registry.
func NewService(st store.Store, registry *Registry, opts ...Option) *Service {
	cfg := serviceConfig{
		logger:      slog.Default(),
		observer:    NopObserver{},
		newID:       idgen.NewCommandID,
		now:         domain.Now,
		idempotency: idempotency.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil {
		cfg.policy = retry.New(retry.DefaultConfig())
	}

	gate := NewMakerChecker(cfg.approvals, cfg.allowSelfApproval)
	return &Service{
		store:    st,
		registry: registry,
		guard: idempotency.New(st, cfg.idempotency,
			idempotency.WithLogger(cfg.logger),
			idempotency.WithClock(cfg.now),
		),
		gate:       gate,
		dispatcher: NewDispatcher(st, gate),
		policy:     cfg.policy,
		observer:   cfg.observer,
		publisher:  cfg.publisher,
		logger:     cfg.logger,
		newID:      cfg.newID,
		now:        cfg.now,
	}
}

// recordMode says how an attempt persists its record.
type recordMode int

const (
	// modeInsert writes a new record per attempt (keyless commands).
	modeInsert recordMode = iota
	// modePlaceholder completes the reserved placeholder (keyed commands).
	modePlaceholder
	// modeResume releases an AWAITING_APPROVAL record.
	modeResume
)

// Execute processes env. A non-empty env.CommandID resumes that pending
// record instead, with env.ActorID as the checker.
//
// The result is a fresh execution, a pending approval acknowledgment, or
// a replay marked ServedFromCache.
func (s *Service) Execute(ctx context.Context, pc domain.PlatformContext, env domain.CommandEnvelope, approvedByChecker bool) (*domain.CommandResult, error) {
	start := s.now()
	var (
		res      *domain.CommandResult
		attempts int
		err      error
	)
	if env.IsResume() {
		res, attempts, err = s.resume(ctx, pc, env.CommandID, env.ActorID, approvedByChecker)
	} else {
		res, attempts, err = s.execute(ctx, pc, env, approvedByChecker)
	}
	s.complete(ctx, env.ActionName, env.EntityName, res, err, attempts, start)
	return res, err
}

// Approve releases a pending command on behalf of checkerID. The handler
// runs now, under the retry policy, and the record moves to PROCESSED.
// A failed approval leaves the record pending.
func (s *Service) Approve(ctx context.Context, pc domain.PlatformContext, commandID, checkerID string) (*domain.CommandResult, error) {
	start := s.now()
	res, attempts, err := s.resume(ctx, pc, commandID, checkerID, true)
	action, entity := s.describe(ctx, commandID)
	s.complete(ctx, action, entity, res, err, attempts, start)
	return res, err
}

// Reject moves a pending command to REJECTED without running it.
func (s *Service) Reject(ctx context.Context, pc domain.PlatformContext, commandID, checkerID string) (*domain.CommandResult, error) {
	start := s.now()
	res, attempts, err := s.reject(ctx, commandID, checkerID)
	action, entity := s.describe(ctx, commandID)
	s.complete(ctx, action, entity, res, err, attempts, start)
	return res, err
}

// Pending lists records awaiting a checker.
func (s *Service) Pending(ctx context.Context, filter store.RecordFilter) ([]*domain.CommandRecord, error) {
	filter.Status = domain.StatusAwaitingApproval
	return s.store.ListRecords(ctx, filter)
}

// Record returns a command record by id.
func (s *Service) Record(ctx context.Context, commandID string) (*domain.CommandRecord, error) {
	return s.store.GetRecord(ctx, commandID)
}

// ReleaseStale frees idempotency keys held by abandoned placeholders.
func (s *Service) ReleaseStale(ctx context.Context) (int, error) {
	return s.guard.ReleaseStale(ctx)
}

func (s *Service) execute(ctx context.Context, pc domain.PlatformContext, env domain.CommandEnvelope, approved bool) (*domain.CommandResult, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	env = env.Normalize()
	if err := ValidateEnvelope(env); err != nil {
		return nil, 0, err
	}

	route, err := s.registry.Resolve(env.ActionName, env.EntityName)
	if err != nil {
		return nil, 0, err
	}
	gated, err := s.gate.RequiresApproval(ctx, route)
	if err != nil {
		return nil, 0, err
	}

	keyed := env.HasIdempotencyKey()
	if keyed {
		res, err := s.guard.Lookup(ctx, env)
		if res != nil || err != nil {
			return res, 0, err
		}
	}

	rec := domain.NewRecord(s.newID(), pc, env, s.now())
	mode := modeInsert
	if keyed {
		res, reserved, err := s.guard.Reserve(ctx, rec)
		if !reserved {
			return res, 0, err
		}
		mode = modePlaceholder
	}

	if gated && !approved {
		res, err := s.park(ctx, rec, mode)
		return res, 0, err
	}

	cmd := &Command{
		Envelope:          env,
		Platform:          pc,
		RequiresApproval:  gated,
		ApprovedByChecker: approved,
	}
	res, attempts, err := s.run(ctx, route, cmd, rec, mode)
	if err != nil {
		s.settle(ctx, rec, mode, err)
	}
	return res, attempts, err
}

// park persists a gated command as AWAITING_APPROVAL without running it.
func (s *Service) park(ctx context.Context, rec *domain.CommandRecord, mode recordMode) (*domain.CommandResult, error) {
	pending := rec.Clone()
	if err := pending.Transition(domain.StatusAwaitingApproval, s.now()); err != nil {
		return nil, err
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if mode == modePlaceholder {
			return s.guard.Complete(ctx, tx, pending)
		}
		return tx.InsertRecord(ctx, pending)
	})
	if err != nil {
		s.release(ctx, rec, mode)
		return nil, err
	}

	s.logger.InfoContext(ctx, "command awaiting checker approval",
		slog.String("command_id", pending.ID),
		slog.String("action", pending.ActionName),
		slog.String("entity", pending.EntityName),
		slog.String("idempotency_key", pending.IdempotencyKey),
	)
	return domain.ResultFromRecord(pending, false), nil
}

// run drives the dispatcher under the retry policy. Each attempt works on
// a copy of base so a rolled back attempt leaves nothing behind.
func (s *Service) run(ctx context.Context, route Route, cmd *Command, base *domain.CommandRecord, mode recordMode) (*domain.CommandResult, int, error) {
	attempts := 0
	onRetry := func(evt retry.Event) {
		s.logger.WarnContext(ctx, "retrying command",
			slog.String("command_id", base.ID),
			slog.String("action", route.Action),
			slog.String("entity", route.Entity),
			slog.Int("attempt", evt.NumberOfRetryAttempts),
			slog.Int64("wait_ms", evt.Wait.Milliseconds()),
			slog.String("error", evt.Err.Error()),
		)
		s.observer.OnRetry(ctx, cmd, evt)
	}

	committed, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) (*domain.CommandRecord, error) {
		attempts = attempt
		rec := base.Clone()
		if mode == modeInsert && attempt > 1 {
			rec.ID = s.newID()
		}

		c := *cmd
		c.RecordID = rec.ID
		c.Attempt = attempt

		started := s.now()
		_, err := s.dispatcher.Attempt(ctx, route, &c, func(ctx context.Context, tx store.Tx, outcome domain.Outcome) error {
			return s.finalize(ctx, tx, rec, outcome, mode)
		})
		s.observer.OnAttempt(ctx, &c, err, s.now().Sub(started))
		if err != nil {
			return nil, err
		}
		return rec, nil
	}, onRetry)
	if err != nil {
		return nil, attempts, err
	}

	s.publish(ctx, committed)
	return domain.ResultFromRecord(committed, false), attempts, nil
}

// finalize writes the PROCESSED record in the attempt transaction.
func (s *Service) finalize(ctx context.Context, tx store.Tx, rec *domain.CommandRecord, outcome domain.Outcome, mode recordMode) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal command result: %w", err)
	}
	rec.Result = body

	switch mode {
	case modeInsert:
		if err := rec.Transition(domain.StatusProcessed, s.now()); err != nil {
			return err
		}
		return tx.InsertRecord(ctx, rec)

	case modePlaceholder:
		if err := rec.Transition(domain.StatusProcessed, s.now()); err != nil {
			return err
		}
		return s.guard.Complete(ctx, tx, rec)

	default:
		current, err := tx.GetRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusAwaitingApproval {
			return fmt.Errorf("%w: command %s is already %s", domain.ErrInvalidTransition, rec.ID, current.Status)
		}
		rec.Status = current.Status
		if err := rec.Transition(domain.StatusProcessed, s.now()); err != nil {
			return err
		}
		return tx.UpdateRecord(ctx, rec, current.Version)
	}
}

// settle cleans up after a failed call. Business failures are recorded as
// ERRORED; conditions a later call may resolve free the key instead.
func (s *Service) settle(ctx context.Context, rec *domain.CommandRecord, mode recordMode, cause error) {
	if mode == modeResume {
		return
	}
	ctx = context.WithoutCancel(ctx)

	switch domain.KindOf(cause) {
	case domain.KindNotApprovedByChecker, domain.KindRetriesExhausted, domain.KindCanceled,
		domain.KindResourceConflict, domain.KindConcurrentDuplicate, domain.KindDuplicateIdempotencyKey:
		s.release(ctx, rec, mode)
		return
	}

	var err error
	if mode == modePlaceholder {
		err = s.guard.Fail(ctx, rec, cause)
	} else {
		failed := rec.Clone()
		failed.ID = s.newID()
		failed.ErrorCode = domain.KindOf(cause)
		failed.ErrorDetail = domain.FailureDetail(cause)
		if err = failed.Transition(domain.StatusErrored, s.now()); err == nil {
			err = s.store.InsertRecord(ctx, failed)
		}
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record command failure",
			slog.String("command_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// release frees the key of a reserved placeholder. Keyless attempts have
// nothing to release.
func (s *Service) release(ctx context.Context, rec *domain.CommandRecord, mode recordMode) {
	if mode != modePlaceholder {
		return
	}
	if err := s.guard.Release(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to release idempotency key",
			slog.String("command_id", rec.ID),
			slog.String("idempotency_key", rec.IdempotencyKey),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) resume(ctx context.Context, pc domain.PlatformContext, commandID, checkerID string, approved bool) (*domain.CommandResult, int, error) {
	rec, err := s.store.GetRecord(ctx, commandID)
	if err != nil {
		return nil, 0, err
	}
	if rec.Status != domain.StatusAwaitingApproval {
		res, err := idempotency.Replay(rec)
		return res, 0, err
	}

	route, err := s.registry.Resolve(rec.ActionName, rec.EntityName)
	if err != nil {
		return nil, 0, err
	}
	if approved {
		if err := s.gate.CheckChecker(rec, checkerID); err != nil {
			return nil, 0, err
		}
		rec.MarkChecked(checkerID, s.now())
	}

	cmd := &Command{
		Envelope:          rec.Envelope(),
		Platform:          pc,
		RecordID:          rec.ID,
		RequiresApproval:  true,
		ApprovedByChecker: approved,
	}
	return s.run(ctx, route, cmd, rec, modeResume)
}

func (s *Service) reject(ctx context.Context, commandID, checkerID string) (*domain.CommandResult, int, error) {
	rec, err := s.store.GetRecord(ctx, commandID)
	if err != nil {
		return nil, 0, err
	}
	if rec.Status != domain.StatusAwaitingApproval {
		return nil, 0, fmt.Errorf("%w: command %s is %s", domain.ErrInvalidTransition, rec.ID, rec.Status)
	}
	if err := s.gate.CheckChecker(rec, checkerID); err != nil {
		return nil, 0, err
	}

	attempts := 0
	rejected, err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) (*domain.CommandRecord, error) {
		attempts = attempt
		var out *domain.CommandRecord
		err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			current, err := tx.GetRecord(ctx, commandID)
			if err != nil {
				return err
			}
			current.MarkChecked(checkerID, s.now())
			if err := current.Transition(domain.StatusRejected, s.now()); err != nil {
				return err
			}
			if err := tx.UpdateRecord(ctx, current, current.Version); err != nil {
				return err
			}
			out = current
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, attempts, err
	}
	return domain.ResultFromRecord(rejected, false), attempts, nil
}

func (s *Service) publish(ctx context.Context, rec *domain.CommandRecord) {
	if s.publisher == nil || rec.Status != domain.StatusProcessed {
		return
	}
	if err := s.publisher.Publish(ctx, domain.NewOutcomeEvent(rec)); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish command outcome",
			slog.String("command_id", rec.ID),
			slog.String("action", rec.ActionName),
			slog.String("entity", rec.EntityName),
			slog.String("error", err.Error()),
		)
		s.observer.OnPublishFailure(ctx, rec, err)
	}
}

// describe names the command behind id for logging.
func (s *Service) describe(ctx context.Context, commandID string) (string, string) {
	rec, err := s.store.GetRecord(ctx, commandID)
	if err != nil {
		return "", ""
	}
	return rec.ActionName, rec.EntityName
}

func (s *Service) complete(ctx context.Context, action, entity string, res *domain.CommandResult, err error, attempts int, start time.Time) {
	d := s.now().Sub(start)
	if res != nil {
		res.Attempts = attempts
	}

	attrs := []any{
		slog.String("action", action),
		slog.String("entity", entity),
		slog.Int("attempt", attempts),
		slog.Int64("duration_ms", d.Milliseconds()),
	}
	var replay *domain.IdempotentReplayError
	switch {
	case errors.As(err, &replay):
		s.logger.InfoContext(ctx, "replayed failed command from cache",
			append(attrs, slog.String("command_id", replay.CommandID), slog.String("status", string(replay.Kind)))...)
	case err != nil:
		s.logger.ErrorContext(ctx, "command failed",
			append(attrs, slog.String("status", string(domain.KindOf(err))), slog.String("error", err.Error()))...)
	case res.ServedFromCache:
		s.logger.InfoContext(ctx, "replayed command from cache",
			append(attrs, slog.String("command_id", res.CommandID), slog.String("status", res.Status.String()))...)
	default:
		s.logger.InfoContext(ctx, "command completed",
			append(attrs, slog.String("command_id", res.CommandID), slog.String("status", res.Status.String()))...)
	}

	s.observer.OnOutcome(ctx, Completion{
		Action:   action,
		Entity:   entity,
		Result:   res,
		Err:      err,
		Attempts: attempts,
		Duration: d,
	})
}
