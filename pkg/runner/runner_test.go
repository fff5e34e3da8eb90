package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/commandcore/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name     string
	startErr error
	log      *[]string
	mu       *sync.Mutex
}

func (s *recordingService) Name() string { return s.name }

func (s *recordingService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "start "+s.name)
	return s.startErr
}

func (s *recordingService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "stop "+s.name)
	return nil
}

func TestRunner(t *testing.T) {
	t.Run("stops in reverse order", func(t *testing.T) {
		var (
			log []string
			mu  sync.Mutex
		)
		r := runner.New([]runner.Service{
			&recordingService{name: "a", log: &log, mu: &mu},
			&recordingService{name: "b", log: &log, mu: &mu},
		})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(log) == 2
		}, time.Second, 5*time.Millisecond)
		cancel()

		require.NoError(t, <-done)
		assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)
	})

	t.Run("failed start stops started services", func(t *testing.T) {
		var (
			log []string
			mu  sync.Mutex
		)
		boom := errors.New("boom")
		r := runner.New([]runner.Service{
			&recordingService{name: "a", log: &log, mu: &mu},
			&recordingService{name: "b", startErr: boom, log: &log, mu: &mu},
			&recordingService{name: "c", log: &log, mu: &mu},
		})

		err := r.Run(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"start a", "start b", "stop a"}, log)
	})
}

type releaser struct {
	calls atomic.Int64
	err   error
}

func (r *releaser) ReleaseStale(context.Context) (int, error) {
	r.calls.Add(1)
	return 1, r.err
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	t.Run("sweeps on start and on every tick", func(t *testing.T) {
		rel := &releaser{}
		s := runner.NewSweeper(rel, 5*time.Millisecond, nil)
		require.NoError(t, s.Start(ctx))
		assert.GreaterOrEqual(t, rel.calls.Load(), int64(1))

		assert.Eventually(t, func() bool { return rel.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		require.NoError(t, s.Stop(ctx))
		assert.NoError(t, s.HealthCheck(ctx))
	})

	t.Run("last failure makes the runner unhealthy", func(t *testing.T) {
		rel := &releaser{err: errors.New("database is closed")}
		s := runner.NewSweeper(rel, time.Hour, nil)
		require.NoError(t, s.Start(ctx))
		t.Cleanup(func() { _ = s.Stop(ctx) })

		r := runner.New([]runner.Service{s})
		err := r.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stale-sweeper unhealthy")
	})
}
