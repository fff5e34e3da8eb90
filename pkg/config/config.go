// Package config loads commandcore settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/plaenen/commandcore/pkg/commands"
	"github.com/plaenen/commandcore/pkg/idempotency"
	commandnats "github.com/plaenen/commandcore/pkg/nats"
	"github.com/plaenen/commandcore/pkg/retry"
)

// Prefix is prepended to every variable name.
const Prefix = "COMMANDCORE_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	DB           DB           `envPrefix:"DB_"`
	Retry        Retry        `envPrefix:"RETRY_"`
	Idempotency  Idempotency  `envPrefix:"IDEMPOTENCY_"`
	MakerChecker MakerChecker `envPrefix:"MAKER_CHECKER_"`
	NATS         NATS         `envPrefix:"NATS_"`
	Log          Log          `envPrefix:"LOG_"`
	Telemetry    Telemetry    `envPrefix:"OTEL_"`
	COB          COB          `envPrefix:"COB_"`
}

type DB struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DSN" envDefault:"commandcore.db"`

	// BusyTimeout applies to SQLite. LockTimeout applies to PostgreSQL.
	BusyTimeout time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"10"`

	Credentials Credentials `envPrefix:"CREDENTIALS_"`
}

// Credentials point at a sealed secret file and the keeper that opens it.
type Credentials struct {
	Keeper string `env:"KEEPER"`
	File   string `env:"FILE"`
}

// Enabled reports whether a sealed secret is configured.
func (c Credentials) Enabled() bool {
	return c.Keeper != "" && c.File != ""
}

type Retry struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"50ms"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"1s"`
	Multiplier      float64       `env:"MULTIPLIER" envDefault:"2"`
	Jitter          float64       `env:"JITTER" envDefault:"0.2"`
}

type Idempotency struct {
	InFlight     string        `env:"IN_FLIGHT" envDefault:"fail-fast"`
	BlockTimeout time.Duration `env:"BLOCK_TIMEOUT" envDefault:"10s"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"20ms"`
	StaleAfter   time.Duration `env:"STALE_AFTER" envDefault:"15m"`

	// SweepInterval is how often serve releases stale placeholders.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

type MakerChecker struct {
	Enabled      bool     `env:"ENABLED" envDefault:"true"`
	Permissions  []string `env:"PERMISSIONS" envSeparator:","`
	SelfApproval bool     `env:"SELF_APPROVAL"`
}

type NATS struct {
	// URL enables outcome publishing when set.
	URL           string        `env:"URL"`
	StreamName    string        `env:"STREAM" envDefault:"COMMAND_OUTCOMES"`
	SubjectPrefix string        `env:"SUBJECT_PREFIX" envDefault:"outcomes"`
	ProducerCount int           `env:"PRODUCER_COUNT" envDefault:"1"`
	MaxAge        time.Duration `env:"MAX_AGE" envDefault:"168h"`

	Credentials Credentials `envPrefix:"CREDENTIALS_"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

type Telemetry struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"commandcore"`

	// Endpoint enables OTLP/HTTP trace export when set, e.g. localhost:4318.
	Endpoint   string  `env:"ENDPOINT"`
	Insecure   bool    `env:"INSECURE"`
	SampleRate float64 `env:"SAMPLE_RATE" envDefault:"1"`
}

type COB struct {
	// OverdueDays after a due date an unpaid installment is flagged overdue.
	OverdueDays int `env:"OVERDUE_DAYS" envDefault:"1"`
}

// Load reads the given dotenv files, skipping missing ones, then parses
// the environment. Variables already set win over file values.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the parser cannot.
func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DB.Driver))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if _, err := idempotency.ParseInFlightPolicy(c.Idempotency.InFlight); err != nil {
		errs = append(errs, err)
	}
	for name, cr := range map[string]Credentials{"db": c.DB.Credentials, "nats": c.NATS.Credentials} {
		if (cr.Keeper == "") != (cr.File == "") {
			errs = append(errs, fmt.Errorf("%s credentials need both a keeper and a file", name))
		}
	}
	if c.NATS.ProducerCount < 1 {
		errs = append(errs, fmt.Errorf("nats producer count must be at least 1, got %d", c.NATS.ProducerCount))
	}
	if c.COB.OverdueDays < 0 {
		errs = append(errs, fmt.Errorf("overdue days must not be negative, got %d", c.COB.OverdueDays))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryConfig returns the retry policy configuration.
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Retry.MaxAttempts
	rc.InitialInterval = c.Retry.InitialInterval
	rc.MaxInterval = c.Retry.MaxInterval
	rc.Multiplier = c.Retry.Multiplier
	rc.RandomizationFactor = c.Retry.Jitter
	return rc
}

// IdempotencyConfig returns the guard configuration.
func (c *Config) IdempotencyConfig() idempotency.Config {
	policy, _ := idempotency.ParseInFlightPolicy(c.Idempotency.InFlight)
	return idempotency.Config{
		InFlight:     policy,
		BlockTimeout: c.Idempotency.BlockTimeout,
		PollInterval: c.Idempotency.PollInterval,
		StaleAfter:   c.Idempotency.StaleAfter,
	}
}

// Approvals returns the maker-checker policy.
func (c *Config) Approvals() *commands.StaticApprovals {
	a := commands.NewStaticApprovals()
	for _, p := range c.MakerChecker.Permissions {
		if p = strings.TrimSpace(p); p != "" {
			a.Require(strings.ToUpper(p))
		}
	}
	a.SetEnabled(c.MakerChecker.Enabled)
	return a
}

// PublisherConfig returns the outcome publisher configuration and
// whether publishing is enabled.
func (c *Config) PublisherConfig() (commandnats.Config, bool) {
	pc := commandnats.DefaultConfig()
	if c.NATS.URL == "" {
		return pc, false
	}
	pc.URL = c.NATS.URL
	pc.StreamName = c.NATS.StreamName
	pc.SubjectPrefix = c.NATS.SubjectPrefix
	pc.ProducerCount = c.NATS.ProducerCount
	pc.MaxAge = c.NATS.MaxAge
	pc.Storage = nats.FileStorage
	return pc, true
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}
