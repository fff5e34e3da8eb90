// commandctl submits commands to the processing core and works the
// maker-checker inbox.
//
// Usage:
//
//	commandctl execute -action DEPOSIT -entity SAVINGSACCOUNT -savings-id 1 -payload '{"transactionAmount":"10"}'
//	commandctl pending
//	commandctl approve -id <command id> -checker alice
//	commandctl serve
//
// Settings are read from COMMANDCORE_* environment variables and an
// optional .env file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/plaenen/commandcore/pkg/config"
	"github.com/plaenen/commandcore/pkg/credentials"
	"github.com/plaenen/commandcore/pkg/domain"
	commandnats "github.com/plaenen/commandcore/pkg/nats"
	"github.com/plaenen/commandcore/pkg/runner"
	"github.com/plaenen/commandcore/pkg/store"
)

const dateLayout = "2006-01-02"

func main() {
	ctx, stop := runner.ShutdownContext(context.Background())
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type subcommand func(ctx context.Context, a *app, args []string, out io.Writer) error

var subcommands = map[string]subcommand{
	"execute":       cmdExecute,
	"approve":       cmdApprove,
	"reject":        cmdReject,
	"pending":       cmdPending,
	"show":          cmdShow,
	"release-stale": cmdReleaseStale,
	"permissions":   cmdPermissions,
	"serve":         cmdServe,
}

// run executes one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "help" {
		usage(stderr)
		return 2
	}
	if args[0] == "seal" {
		if err := cmdSeal(ctx, args[1:], stdout); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return 2
			}
			writeJSON(stdout, failure(err))
			return 1
		}
		return 0
	}
	sub, ok := subcommands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	err = sub(ctx, a, args[1:], stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 2
	}
	writeJSON(stdout, failure(err))
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: commandctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  execute        submit a command envelope")
	fmt.Fprintln(w, "  approve        release a command awaiting approval")
	fmt.Fprintln(w, "  reject         reject a command awaiting approval")
	fmt.Fprintln(w, "  pending        list commands awaiting approval")
	fmt.Fprintln(w, "  show           print a command record")
	fmt.Fprintln(w, "  release-stale  free idempotency keys held by crashed processes")
	fmt.Fprintln(w, "  permissions    list registered command permissions")
	fmt.Fprintln(w, "  serve          sweep stale placeholders and tail published outcomes")
	fmt.Fprintln(w, "  seal           encrypt connection credentials into a secret file")
}

func cmdExecute(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	var (
		action       = fs.String("action", "", "action name, e.g. DEPOSIT (required)")
		entity       = fs.String("entity", "", "entity name, e.g. SAVINGSACCOUNT (required)")
		payload      = fs.String("payload", "", "JSON payload, or @file to read it from a file")
		key          = fs.String("key", "", "idempotency key")
		autoKey      = fs.Bool("auto-key", false, "generate a random idempotency key")
		actor        = fs.String("actor", os.Getenv("USER"), "maker id")
		approved     = fs.Bool("approved", false, "submit as already approved by a checker")
		businessDate = fs.String("business-date", "", "tenant business date (YYYY-MM-DD)")
		entityID     = fs.Int64("entity-id", 0, "entity id")
		clientID     = fs.Int64("client-id", 0, "client id")
		loanID       = fs.Int64("loan-id", 0, "loan id")
		savingsID    = fs.Int64("savings-id", 0, "savings account id")
		jobName      = fs.String("job", "", "batch job name")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := readPayload(*payload)
	if err != nil {
		return err
	}
	if *autoKey && *key == "" {
		*key = uuid.NewString()
	}

	env := domain.NewEnvelope(strings.ToUpper(*action), strings.ToUpper(*entity)).
		WithEntityID(*entityID).
		WithClientID(*clientID).
		WithLoanID(*loanID).
		WithSavingsID(*savingsID).
		WithJSON(body).
		WithIdempotencyKey(*key).
		WithActor(*actor).
		WithJobName(*jobName).
		Build()

	pc, err := platformContext(*businessDate)
	if err != nil {
		return err
	}
	res, err := a.service.Execute(ctx, pc, env, *approved)
	if err != nil {
		return err
	}
	writeJSON(out, result(res, *key))
	return nil
}

func cmdApprove(ctx context.Context, a *app, args []string, out io.Writer) error {
	return check(ctx, a, args, out, "approve")
}

func cmdReject(ctx context.Context, a *app, args []string, out io.Writer) error {
	return check(ctx, a, args, out, "reject")
}

func check(ctx context.Context, a *app, args []string, out io.Writer, verb string) error {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	var (
		id           = fs.String("id", "", "command id (required)")
		checker      = fs.String("checker", os.Getenv("USER"), "checker id")
		businessDate = fs.String("business-date", "", "tenant business date (YYYY-MM-DD)")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return domain.Invalid("id", "required", "command id is required")
	}
	pc, err := platformContext(*businessDate)
	if err != nil {
		return err
	}

	var res *domain.CommandResult
	if verb == "approve" {
		res, err = a.service.Approve(ctx, pc, *id, *checker)
	} else {
		res, err = a.service.Reject(ctx, pc, *id, *checker)
	}
	if err != nil {
		return err
	}
	writeJSON(out, result(res, ""))
	return nil
}

func cmdPending(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	var (
		action = fs.String("action", "", "filter by action name")
		entity = fs.String("entity", "", "filter by entity name")
		maker  = fs.String("maker", "", "filter by maker id")
		limit  = fs.Int("limit", 50, "maximum number of records")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	recs, err := a.service.Pending(ctx, store.RecordFilter{
		ActionName: strings.ToUpper(*action),
		EntityName: strings.ToUpper(*entity),
		MakerID:    *maker,
		Limit:      *limit,
	})
	if err != nil {
		return err
	}
	views := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	writeJSON(out, views)
	return nil
}

func cmdShow(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	id := fs.String("id", "", "command id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return domain.Invalid("id", "required", "command id is required")
	}

	rec, err := a.service.Record(ctx, *id)
	if err != nil {
		return err
	}
	writeJSON(out, viewOf(rec))
	return nil
}

func cmdReleaseStale(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("release-stale", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := a.service.ReleaseStale(ctx)
	if err != nil {
		return err
	}
	writeJSON(out, map[string]int{"released": n})
	return nil
}

func cmdPermissions(_ context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("permissions", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	writeJSON(out, a.registry.Permissions())
	return nil
}

func cmdServe(ctx context.Context, a *app, args []string, _ io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var (
		interval = fs.Duration("sweep-interval", a.cfg.Idempotency.SweepInterval, "stale placeholder sweep interval")
		tail     = fs.String("tail", "", "durable consumer name; logs every published outcome when set")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	services := []runner.Service{runner.NewSweeper(a.service, *interval, a.logger)}
	if *tail != "" {
		if a.publisher == nil {
			return domain.Invalid("tail", "publishing_disabled", "set COMMANDCORE_NATS_URL to tail outcomes")
		}
		services = append(services, commandnats.NewConsumer(a.publisher, *tail, func(evt *domain.OutcomeEvent) error {
			a.logger.Info("command outcome",
				"command_id", evt.CommandID,
				"action", evt.ActionName,
				"entity", evt.EntityName,
				"aggregate_key", evt.AggregateKey,
				"status", evt.Status,
			)
			return nil
		}))
	}
	return runner.New(services, runner.WithLogger(a.logger)).Run(ctx)
}

// cmdSeal writes a secret file for COMMANDCORE_{DB,NATS}_CREDENTIALS_FILE.
func cmdSeal(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seal", flag.ContinueOnError)
	var (
		keeper   = fs.String("keeper", "", "secrets keeper URL, e.g. base64key://... (required)")
		file     = fs.String("file", "", "secret file to write (required)")
		token    = fs.String("token", "", "bearer token")
		user     = fs.String("user", "", "user name")
		password = fs.String("password", "", "password")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	creds := &credentials.Credentials{Type: credentials.CredentialTypeToken, Token: *token}
	if *user != "" {
		creds = &credentials.Credentials{Type: credentials.CredentialTypeUserPassword, User: *user, Password: *password}
	}
	if err := credentials.Seal(ctx, *keeper, *file, creds); err != nil {
		return err
	}
	writeJSON(out, map[string]any{"file": *file, "credentials": creds.Redacted()})
	return nil
}

func readPayload(arg string) (string, error) {
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read payload: %w", err)
		}
		return string(b), nil
	}
	return arg, nil
}

func platformContext(businessDate string) (domain.PlatformContext, error) {
	pc := domain.DefaultPlatformContext()
	if businessDate == "" {
		return pc, nil
	}
	d, err := time.Parse(dateLayout, businessDate)
	if err != nil {
		return pc, domain.Invalid("business-date", "invalid_date", "business date must be YYYY-MM-DD")
	}
	return pc.WithBusinessDate(domain.BusinessDate, d), nil
}

type resultView struct {
	CommandID       string            `json:"commandId"`
	Status          domain.Status     `json:"status"`
	StatusCode      int               `json:"statusCode"`
	ResourceID      string            `json:"resourceId,omitempty"`
	IdempotencyKey  string            `json:"idempotencyKey,omitempty"`
	ServedFromCache bool              `json:"servedFromCache,omitempty"`
	Attempts        int               `json:"attempts,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            json.RawMessage   `json:"body,omitempty"`
}

func result(res *domain.CommandResult, key string) resultView {
	return resultView{
		CommandID:       res.CommandID,
		Status:          res.Status,
		StatusCode:      res.StatusCode(),
		ResourceID:      res.ResourceID,
		IdempotencyKey:  key,
		ServedFromCache: res.ServedFromCache,
		Attempts:        res.Attempts,
		Headers:         res.Headers(),
		Body:            res.Body,
	}
}

type failureView struct {
	Error      string              `json:"error"`
	Kind       domain.ErrorKind    `json:"kind"`
	StatusCode int                 `json:"statusCode"`
	Errors     []domain.FieldError `json:"errors,omitempty"`
}

func failure(err error) failureView {
	v := failureView{
		Error:      err.Error(),
		Kind:       domain.KindOf(err),
		StatusCode: domain.StatusCode(err),
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		v.Errors = ve.Errors
	}
	return v
}

type recordView struct {
	ID             string           `json:"id"`
	Status         domain.Status    `json:"status"`
	Action         string           `json:"action"`
	Entity         string           `json:"entity"`
	Routing        domain.Routing   `json:"routing"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	MakerID        string           `json:"makerId,omitempty"`
	CheckerID      string           `json:"checkerId,omitempty"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	Result         json.RawMessage  `json:"result,omitempty"`
	ErrorCode      domain.ErrorKind `json:"errorCode,omitempty"`
	ErrorDetail    json.RawMessage  `json:"errorDetail,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	Version        int64            `json:"version"`
}

func viewOf(rec *domain.CommandRecord) recordView {
	return recordView{
		ID:             rec.ID,
		Status:         rec.Status,
		Action:         rec.ActionName,
		Entity:         rec.EntityName,
		Routing:        rec.Routing,
		IdempotencyKey: rec.IdempotencyKey,
		MakerID:        rec.MakerID,
		CheckerID:      rec.CheckerID,
		Payload:        rec.Payload,
		Result:         rec.Result,
		ErrorCode:      rec.ErrorCode,
		ErrorDetail:    rec.ErrorDetail,
		CreatedAt:      rec.CreatedAt,
		CompletedAt:    rec.CompletedAt,
		Version:        rec.Version,
	}
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
