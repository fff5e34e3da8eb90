// Package sqlite implements store.Store on SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed command log and aggregate store.
type Store struct {
	*queries
	db  *sql.DB
	cfg storeConfig
}

var _ store.Store = (*Store)(nil)

type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	busyTimeout  time.Duration
	now          func() time.Time
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "commandcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		busyTimeout:  5 * time.Second,
		now:          domain.Now,
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Ignored for :memory:.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithBusyTimeout sets how long a writer waits for a lock before the
// attempt fails with domain.ErrLockTimeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		c.busyTimeout = d
	}
}

// WithClock overrides the time source used for aggregate timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// New opens a SQLite store.
//
//	// In-memory database for tests
//	st, err := sqlite.New(sqlite.WithMemoryDatabase())
//
//	// File database
//	st, err := sqlite.New(sqlite.WithDSN("/var/lib/commandcore/commands.db"))
func New(opts ...Option) (*Store, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		queries: &queries{q: db, now: cfg.now},
		db:      db,
		cfg:     cfg,
	}

	if cfg.autoMigrate {
		if err := s.RunMigrations(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func buildDSN(cfg storeConfig) string {
	if cfg.dsn == ":memory:" {
		return cfg.dsn
	}

	params := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.busyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if cfg.walMode {
		params = append(params, "_pragma=journal_mode(WAL)")
	}

	sep := "?"
	if strings.Contains(cfg.dsn, "?") {
		sep = "&"
	}
	return cfg.dsn + sep + strings.Join(params, "&")
}

// InTx runs fn in a transaction. Writers take the database lock up front
// so lock contention surfaces at BEGIN as domain.ErrLockTimeout.
func (s *Store) InTx(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &queries{q: tx, now: s.cfg.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// ReleaseStale deletes CREATED placeholders older than cutoff.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM command_records WHERE status = ? AND created_at < ?",
		string(domain.StatusCreated), toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale records: %w", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
