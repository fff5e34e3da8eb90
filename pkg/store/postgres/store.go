// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/plaenen/commandcore/pkg/store/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a PostgreSQL-backed command log and aggregate store.
type Store struct {
	*queries
	pool *pgxpool.Pool
	cfg  storeConfig
}

var _ store.Store = (*Store)(nil)

type storeConfig struct {
	dsn             string
	maxConns        int32
	minConns        int32
	maxConnLifetime time.Duration
	lockTimeout     time.Duration
	autoMigrate     bool
	user, password  string
	now             func() time.Time
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:             "postgres://localhost:5432/commandcore?sslmode=disable",
		maxConns:        10,
		minConns:        1,
		maxConnLifetime: 30 * time.Minute,
		lockTimeout:     2 * time.Second,
		autoMigrate:     true,
		now:             domain.Now,
	}
}

// Option configures a Store.
type Option func(*storeConfig)

// WithDSN sets the connection string.
func WithDSN(dsn string) Option {
	return func(c *storeConfig) {
		c.dsn = dsn
	}
}

// WithCredentials overrides the user and password of the DSN, so the
// connection string can live in plain config while the secret does not.
func WithCredentials(user, password string) Option {
	return func(c *storeConfig) {
		c.user = user
		c.password = password
	}
}

// WithMaxConns bounds the pool size.
func WithMaxConns(n int32) Option {
	return func(c *storeConfig) {
		c.maxConns = n
	}
}

// WithLockTimeout sets how long a transaction waits for a row lock before
// failing with domain.ErrLockTimeout. Zero waits forever.
func WithLockTimeout(d time.Duration) Option {
	return func(c *storeConfig) {
		c.lockTimeout = d
	}
}

// WithAutoMigrate runs pending migrations on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *storeConfig) {
		c.autoMigrate = enabled
	}
}

// WithClock overrides the time source used for aggregate timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *storeConfig) {
		c.now = now
	}
}

// New connects to PostgreSQL.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.user != "" {
		poolConfig.ConnConfig.User = cfg.user
		poolConfig.ConnConfig.Password = cfg.password
	}
	poolConfig.MaxConns = cfg.maxConns
	poolConfig.MinConns = cfg.minConns
	poolConfig.MaxConnLifetime = cfg.maxConnLifetime
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		queries: &queries{q: pool, now: cfg.now},
		pool:    pool,
		cfg:     cfg,
	}
	if cfg.autoMigrate {
		if err := s.RunMigrations(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) migrator() (*migrate.Migrator, func() error, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	m := migrate.New(db, "schema_migrations", migrate.WithPlaceholder(migrate.Dollar))
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return m, db.Close, nil
}

// RunMigrations applies all pending schema migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	m, closeDB, err := s.migrator()
	if err != nil {
		return err
	}
	defer closeDB()
	if _, err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version.
func (s *Store) MigrationVersion(ctx context.Context) (int, error) {
	m, closeDB, err := s.migrator()
	if err != nil {
		return 0, err
	}
	defer closeDB()
	return m.Version(ctx)
}

// InTx runs fn in a READ COMMITTED transaction with a bounded lock wait.
func (s *Store) InTx(ctx context.Context, fn store.TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	if s.cfg.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	if err := fn(ctx, &queries{q: tx, now: s.cfg.now, lockRows: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

// ReleaseStale deletes CREATED placeholders older than cutoff.
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM command_records WHERE status = $1 AND created_at < $2",
		string(domain.StatusCreated), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale records: %w", mapError(err))
	}
	return int(tag.RowsAffected()), nil
}

// Truncate removes all rows. Intended for test setup.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE command_records, aggregates")
	return err
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
