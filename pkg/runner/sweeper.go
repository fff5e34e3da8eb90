package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// StaleReleaser removes abandoned idempotency placeholders.
type StaleReleaser interface {
	ReleaseStale(ctx context.Context) (int, error)
}

// Sweeper periodically releases placeholders left CREATED by crashed
// processes so their keys can be submitted again.
type Sweeper struct {
	releaser StaleReleaser
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(releaser StaleReleaser, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{releaser: releaser, interval: interval, logger: logger}
}

func (s *Sweeper) Name() string {
	return "stale-sweeper"
}

// Start runs one sweep synchronously, then keeps sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) error {
	s.sweep(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.sweep(loopCtx)
			}
		}
	}()
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports the error of the last sweep.
func (s *Sweeper) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.releaser.ReleaseStale(ctx)

	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	switch {
	case err != nil:
		s.logger.Error("stale placeholder sweep failed", "error", err)
	case n > 0:
		s.logger.Info("released stale placeholders", "count", n)
	}
}
