package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/plaenen/commandcore/pkg/cob"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/config"
	"github.com/plaenen/commandcore/pkg/credentials"
	"github.com/plaenen/commandcore/pkg/domain"
	"github.com/plaenen/commandcore/pkg/handlers/savings"
	"github.com/plaenen/commandcore/pkg/middleware"
	commandnats "github.com/plaenen/commandcore/pkg/nats"
	"github.com/plaenen/commandcore/pkg/observability"
	"github.com/plaenen/commandcore/pkg/retry"
	"github.com/plaenen/commandcore/pkg/store"
	"github.com/plaenen/commandcore/pkg/store/postgres"
	"github.com/plaenen/commandcore/pkg/store/sqlite"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

// app holds the wired processing core for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	telemetry *observability.Telemetry
	publisher *commandnats.Publisher
	registry  *commands.Registry
	service   *commands.Service

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logs io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg, logger: cfg.Logger(logs)}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.close(ctx))
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if a.telemetry, err = initTelemetry(ctx, cfg, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	a.registry = commands.NewRegistry()
	a.registry.Use(
		middleware.RecoveryMiddleware(a.logger),
		middleware.OpenTelemetryMiddlewareWithTracer(a.telemetry.Tracer(middleware.DefaultTracerName)),
		middleware.LoggingMiddleware(a.logger),
		middleware.PayloadValidation(
			domain.PermissionName(savings.ActionDeposit, savings.Entity),
			middleware.Decimal("transactionAmount"),
		),
		middleware.PayloadValidation(
			domain.PermissionName(savings.ActionWithdraw, savings.Entity),
			middleware.Decimal("transactionAmount"),
		),
	)
	savings.Register(a.registry)
	cob.Register(a.registry, &cob.InlineLoanCOB{OverdueDays: cfg.COB.OverdueDays, Logger: a.logger})

	opts := []commands.Option{
		commands.WithLogger(a.logger),
		commands.WithObserver(a.telemetry.Observer()),
		commands.WithRetryPolicy(retry.New(cfg.RetryConfig())),
		commands.WithIdempotency(cfg.IdempotencyConfig()),
		commands.WithApprovals(cfg.Approvals()),
		commands.WithSelfApproval(cfg.MakerChecker.SelfApproval),
	}

	if pc, enabled := cfg.PublisherConfig(); enabled {
		pubOpts := []commandnats.Option{
			commandnats.WithMetrics(a.telemetry.Metrics),
			commandnats.WithLogger(a.logger),
		}
		if cfg.NATS.Credentials.Enabled() {
			creds, err := resolveCredentials(ctx, cfg.NATS.Credentials)
			if err != nil {
				return nil, fmt.Errorf("nats credentials: %w", err)
			}
			pubOpts = append(pubOpts, commandnats.WithConnectOptions(credentials.NATSOptions(creds)...))
		}
		a.publisher, err = commandnats.NewPublisher(pc, pubOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, commands.WithPublisher(a.publisher))
	}

	a.service = commands.NewService(a.store, a.registry, opts...)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case config.DriverPostgres:
		opts := []postgres.Option{
			postgres.WithDSN(cfg.DB.DSN),
			postgres.WithMaxConns(cfg.DB.MaxConns),
			postgres.WithLockTimeout(cfg.DB.LockTimeout),
		}
		if cfg.DB.Credentials.Enabled() {
			creds, err := resolveCredentials(ctx, cfg.DB.Credentials)
			if err != nil {
				return nil, fmt.Errorf("db credentials: %w", err)
			}
			if creds.Type != credentials.CredentialTypeUserPassword {
				return nil, fmt.Errorf("db credentials: %w: want %s, got %s",
					credentials.ErrInvalidCredentials, credentials.CredentialTypeUserPassword, creds.Type)
			}
			opts = append(opts, postgres.WithCredentials(creds.User, creds.Password))
		}
		st, err := postgres.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, nil
	default:
		st, err := sqlite.New(
			sqlite.WithDSN(cfg.DB.DSN),
			sqlite.WithBusyTimeout(cfg.DB.BusyTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	}
}

// resolveCredentials decrypts a sealed secret once. Connections are
// long-lived for a CLI invocation, so the provider is not kept.
func resolveCredentials(ctx context.Context, c config.Credentials) (*credentials.Credentials, error) {
	p, err := credentials.OpenKeeperProvider(ctx, c.Keeper, c.File)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.Credentials(ctx)
}

func initTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*observability.Telemetry, error) {
	tc := observability.Config{
		ServiceName:     cfg.Telemetry.ServiceName,
		TraceSampleRate: cfg.Telemetry.SampleRate,
		Logger:          logger,
	}
	if cfg.Telemetry.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint)}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tc.TraceExporter = exporter
	}
	return observability.Init(ctx, tc)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if c, ok := a.store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
