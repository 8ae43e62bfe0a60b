// Command invoiceflow runs invoices through the processing pipeline and lets
// reviewers resolve the runs that pause for human review.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/deepnoodle-ai/invoiceflow/capability"
	"github.com/deepnoodle-ai/invoiceflow/script"
	"github.com/deepnoodle-ai/invoiceflow/stages"
	"github.com/deepnoodle-ai/invoiceflow/telemetry"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
)

var version = "dev"

// globalFlags are accepted before the command name.
type globalFlags struct {
	ConfigFile string
	Store      string
	DSN        string
	Dir        string
	LogLevel   string
	JSON       bool
	Timeout    time.Duration
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("invoiceflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	fs.StringVar(&g.ConfigFile, "config", "", "Path to a YAML config file")
	fs.StringVar(&g.Store, "store", "", "Store driver: memory, file, sqlite, postgres or redis")
	fs.StringVar(&g.DSN, "dsn", "", "Store connection string (sqlite path, postgres URL or redis address)")
	fs.StringVar(&g.Dir, "dir", "", "Data directory for the file store")
	fs.StringVar(&g.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.BoolVar(&g.JSON, "json", false, "Print results as JSON")
	fs.DurationVar(&g.Timeout, "timeout", 0, "Overall command timeout (e.g. 30s)")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := loadConfig(g)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	app, err := newApp(ctx, cfg, stdout, stderr, g.JSON)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer app.close(context.Background())

	command, rest := fs.Arg(0), fs.Args()[1:]
	switch command {
	case "start":
		err = app.start(ctx, rest)
	case "resolve":
		err = app.resolve(ctx, rest)
	case "get":
		err = app.get(ctx, rest)
	case "runs":
		err = app.runs(ctx, rest)
	case "pending":
		err = app.pending(ctx, rest)
	case "history":
		err = app.history(ctx, rest)
	default:
		color.New(color.FgRed).Fprintf(stderr, "Error: unknown command %q\n", command)
		fs.Usage()
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		color.New(color.FgRed).Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `invoiceflow - invoice processing with human review

Usage: invoiceflow [options] <command> [command options]

Commands:
  start    -f invoice.json           Run an invoice through the pipeline
  resolve  -checkpoint ID -decision ACCEPT|REJECT -reviewer ID [-notes TEXT]
  get      -run ID                   Show a run
  runs     [-status S] [-limit N] [-offset N]
  pending  [-limit N] [-offset N]    List checkpoints awaiting review
  history  -run ID                   Show a run's audit trail

Options:
`)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  INVOICEFLOW_* variables override the config file; a .env file in the
  working directory is loaded first.
`)
}

// loadConfig layers the config file, the environment and finally flags.
func loadConfig(g globalFlags) (invoiceflow.Config, error) {
	cfg := invoiceflow.DefaultConfig()
	if g.ConfigFile != "" {
		var err error
		if cfg, err = invoiceflow.LoadConfigFile(g.ConfigFile); err != nil {
			return invoiceflow.Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return invoiceflow.Config{}, err
	}
	if g.Store != "" {
		cfg.Store.Driver = g.Store
	}
	if g.DSN != "" {
		cfg.Store.DSN = g.DSN
	}
	if g.Dir != "" {
		cfg.Store.Dir = g.Dir
	}
	if g.LogLevel != "" {
		cfg.LogLevel = g.LogLevel
	}
	return cfg, cfg.Validate()
}

type app struct {
	engine   *invoiceflow.Engine
	backend  *backend
	shutdown telemetry.Shutdown
	stdout   io.Writer
	stderr   io.Writer
	json     bool
}

func newApp(ctx context.Context, cfg invoiceflow.Config, stdout, stderr io.Writer, asJSON bool) (*app, error) {
	level := invoiceflow.ParseLevel(cfg.LogLevel)
	var logger *slog.Logger
	if stderr == io.Writer(os.Stderr) {
		logger = invoiceflow.NewLogger(level)
	} else {
		logger = invoiceflow.NewJSONLogger(stderr, level)
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}
	callbacks, err := telemetry.NewCallbacks(nil, nil)
	if err != nil {
		return nil, err
	}

	table, err := capability.NewProviderTable(cfg.Providers)
	if err != nil {
		return nil, err
	}
	compiler, err := script.NewCompiler(cfg.ScriptEngine)
	if err != nil {
		return nil, err
	}
	suite := capability.NewMockSuite(table, capability.NewMockERP(capability.DemoCatalogue()...))
	registry, err := stages.NewRegistry(stages.Options{
		Suite:    suite,
		Match:    cfg.Match,
		Approval: cfg.Approval,
		Compiler: compiler,
	})
	if err != nil {
		return nil, err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	engine, err := invoiceflow.NewEngine(invoiceflow.EngineOptions{
		Registry:      registry,
		Store:         be.store,
		Audit:         be.audit,
		Logger:        logger,
		Callbacks:     callbacks,
		Retry:         cfg.Retry,
		StageTimeout:  cfg.StageTimeout,
		ReviewBaseURL: cfg.ReviewBaseURL,
	})
	if err != nil {
		be.close()
		return nil, err
	}
	logger.Debug("engine ready", "store", cfg.Store.Driver, "providers", table.Selections())
	return &app{engine: engine, backend: be, shutdown: shutdown, stdout: stdout, stderr: stderr, json: asJSON}, nil
}

func (a *app) close(ctx context.Context) {
	_ = a.backend.close()
	_ = a.shutdown(ctx)
}

func (a *app) start(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var file string
	fs.StringVar(&file, "file", "", "Path to the invoice JSON file, or - for stdin")
	fs.StringVar(&file, "f", "", "Path to the invoice JSON file (shorthand)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return fmt.Errorf("start requires -f")
	}

	var inv invoiceflow.Invoice
	var err error
	if file == "-" {
		inv, err = invoiceflow.ReadInvoice(os.Stdin)
	} else {
		inv, err = invoiceflow.LoadInvoiceFile(file)
	}
	if err != nil {
		return err
	}

	outcome, err := a.engine.Start(ctx, inv)
	if outcome != nil {
		a.printOutcome(ctx, outcome)
	}
	return err
}

func (a *app) resolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var checkpointID, decision, reviewer, notes string
	fs.StringVar(&checkpointID, "checkpoint", "", "Checkpoint ID")
	fs.StringVar(&decision, "decision", "", "ACCEPT or REJECT")
	fs.StringVar(&reviewer, "reviewer", "", "Reviewer ID")
	fs.StringVar(&notes, "notes", "", "Optional reviewer notes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if checkpointID == "" {
		return fmt.Errorf("resolve requires -checkpoint")
	}
	d, err := invoiceflow.ParseDecision(decision)
	if err != nil {
		return err
	}

	outcome, err := a.engine.Resume(ctx, checkpointID, invoiceflow.Resolution{
		Decision:   d,
		ReviewerID: reviewer,
		Notes:      notes,
	})
	if outcome != nil {
		a.printOutcome(ctx, outcome)
	}
	return err
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var runID string
	fs.StringVar(&runID, "run", "", "Run ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	run, err := a.engine.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(run)
	}
	a.printRun(run)
	if run.State.Final != nil {
		color.New(color.FgMagenta).Fprintln(a.stdout, "Final:")
		return a.printJSON(run.State.Final)
	}
	return nil
}

func (a *app) runs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var status string
	var opts invoiceflow.ListOptions
	fs.StringVar(&status, "status", "", "Only runs with this status")
	fs.IntVar(&opts.Limit, "limit", invoiceflow.DefaultPageSize, "Page size")
	fs.IntVar(&opts.Offset, "offset", 0, "Page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if status != "" {
		opts.Status = invoiceflow.RunStatus(strings.ToUpper(status))
		if !opts.Status.Valid() {
			return fmt.Errorf("unknown status %q", status)
		}
	}
	runs, err := a.engine.ListRuns(ctx, opts)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(runs)
	}
	if len(runs) == 0 {
		color.New(color.FgBlue).Fprintln(a.stdout, "No runs")
		return nil
	}
	for _, run := range runs {
		fmt.Fprintf(a.stdout, "%s  %-8s  %-15s  %s\n", run.ID, run.InvoiceID, run.Status, run.CurrentStage)
	}
	return nil
}

func (a *app) pending(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var limit, offset int
	fs.IntVar(&limit, "limit", invoiceflow.DefaultPageSize, "Page size")
	fs.IntVar(&offset, "offset", 0, "Page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	checkpoints, err := a.engine.ListPendingCheckpoints(ctx, limit, offset)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(checkpoints)
	}
	if len(checkpoints) == 0 {
		color.New(color.FgBlue).Fprintln(a.stdout, "No checkpoints awaiting review")
		return nil
	}
	for _, cp := range checkpoints {
		color.New(color.FgYellow).Fprintf(a.stdout, "%s", cp.ID)
		fmt.Fprintf(a.stdout, "  run %s  %s\n", cp.RunID, cp.Reason)
		if cp.ReviewURL != "" {
			fmt.Fprintf(a.stdout, "    %s\n", cp.ReviewURL)
		}
	}
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var runID string
	fs.StringVar(&runID, "run", "", "Run ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := a.engine.History(ctx, runID)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(events)
	}
	for _, e := range events {
		fmt.Fprintf(a.stdout, "%s  %-18s  %-15s  %s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, e.Stage, e.Message)
	}
	return nil
}

func (a *app) printOutcome(ctx context.Context, outcome *invoiceflow.Outcome) {
	if a.json {
		_ = a.printJSON(outcome)
		return
	}
	statusColor := color.New(color.FgGreen)
	switch outcome.Status {
	case invoiceflow.RunStatusPaused:
		statusColor = color.New(color.FgYellow)
	case invoiceflow.RunStatusFailed, invoiceflow.RunStatusManualHandoff:
		statusColor = color.New(color.FgRed)
	}
	fmt.Fprintf(a.stdout, "Run:    %s\n", outcome.RunID)
	statusColor.Fprintf(a.stdout, "Status: %s\n", outcome.Status)
	fmt.Fprintf(a.stdout, "Stage:  %s\n", outcome.CurrentStage)
	if outcome.CheckpointID == "" {
		return
	}
	fmt.Fprintf(a.stdout, "Checkpoint: %s\n", outcome.CheckpointID)
	if cp, err := a.engine.GetCheckpoint(ctx, outcome.CheckpointID); err == nil {
		fmt.Fprintf(a.stdout, "Reason: %s\n", cp.Reason)
		if cp.ReviewURL != "" {
			color.New(color.FgCyan).Fprintf(a.stdout, "Review: %s\n", cp.ReviewURL)
		}
	}
}

func (a *app) printRun(run *invoiceflow.Run) {
	fmt.Fprintf(a.stdout, "Run:     %s\n", run.ID)
	fmt.Fprintf(a.stdout, "Invoice: %s\n", run.InvoiceID)
	fmt.Fprintf(a.stdout, "Status:  %s\n", run.Status)
	fmt.Fprintf(a.stdout, "Stage:   %s\n", run.CurrentStage)
	fmt.Fprintf(a.stdout, "Retries: %d\n", run.RetryCount)
	if run.Error != "" {
		color.New(color.FgRed).Fprintf(a.stdout, "Error:   %s\n", run.Error)
	}
}

func (a *app) printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(a.stdout, string(data))
	return nil
}
