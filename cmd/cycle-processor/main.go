// Package main is the entry point for the billing cycle processor.
//
// The same scheduler.Runner serves three modes:
//
//   - Lambda (default): EventBridge sends a MaintenancePayload per rule.
//   - Scheduled: when CYCLE_SCHEDULE holds a cron expression the process
//     stays up and runs process_cycles (then export_ledger, if a bucket is
//     configured) on that schedule.
//   - One-shot: --task runs a single task and exits, for local development
//     and backfills.
//
// Usage:
//
//	go run ./cmd/cycle-processor --list
//	go run ./cmd/cycle-processor --task=process_cycles --reference-time=2026-02-15T02:00:00Z
//	go run ./cmd/cycle-processor --task=export_ledger --dry-run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/config"
	"github.com/Kre8ivTech/client-portal-sub003/internal/db"
	"github.com/Kre8ivTech/client-portal-sub003/internal/external"
	"github.com/Kre8ivTech/client-portal-sub003/internal/notifications"
	"github.com/Kre8ivTech/client-portal-sub003/internal/scheduler"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the one-shot flags.
type cliOptions struct {
	Task          string
	ReferenceTime string
	List          bool
	DryRun        bool
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("cycle-processor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.Task, "task", "", "Run a single task and exit (e.g. process_cycles)")
	fs.StringVar(&opts.ReferenceTime, "reference-time", "", "Override reference time (RFC3339, e.g. 2026-01-15T02:00:00Z)")
	fs.BoolVar(&opts.List, "list", false, "List all available task types and exit")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Print the JSON payload without executing")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.DryRun && opts.Task == "" {
		return opts, errors.New("--dry-run requires --task")
	}
	return opts, nil
}

// payload validates the flags and builds the MaintenancePayload.
func (o cliOptions) payload() (scheduler.MaintenancePayload, error) {
	task := scheduler.TaskType(o.Task)
	if _, ok := scheduler.Tasks[task]; !ok {
		return scheduler.MaintenancePayload{}, fmt.Errorf("unknown task type %q", o.Task)
	}
	p := scheduler.MaintenancePayload{Task: task}
	if o.ReferenceTime != "" {
		t, err := time.Parse(time.RFC3339, o.ReferenceTime)
		if err != nil {
			return p, fmt.Errorf("invalid --reference-time %q (expected RFC3339): %w", o.ReferenceTime, err)
		}
		t = t.UTC()
		p.ReferenceTime = &t
	}
	return p, nil
}

func run(args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if opts.List {
		printAvailableTasks(os.Stdout)
		return nil
	}

	var oneShot *scheduler.MaintenancePayload
	if opts.Task != "" {
		p, err := opts.payload()
		if err != nil {
			return err
		}
		if opts.DryRun {
			return printPayload(os.Stdout, p)
		}
		oneShot = &p
	}

	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	awsCfg, err := config.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	runner := buildRunner(cfg, logger, runnerDeps{
		DB:         pool,
		Events:     newEventPublisher(cfg, awsCfg, logger),
		CloudWatch: cloudwatch.NewFromConfig(awsCfg),
		S3:         s3.NewFromConfig(awsCfg),
	})

	logger.Info("cycle processor initialized",
		"worker_id", runner.WorkerID,
		"version", cfg.Build.Version,
		"ledger_export", runner.Ledger != nil,
	)

	switch {
	case oneShot != nil:
		report, err := runner.Handle(ctx, *oneShot)
		if err != nil {
			return err
		}
		return printPayload(os.Stdout, report)
	case cfg.Processor.Schedule != "":
		return runScheduled(ctx, runner, cfg.Processor.Schedule, scheduledTasks(runner), logger)
	default:
		lambda.Start(runner.Handle)
		return nil
	}
}

// runnerDeps holds the process-level collaborators handed to buildRunner.
type runnerDeps struct {
	DB         db.TxBeginner
	Events     billing.EventPublisher
	CloudWatch notifications.CloudWatchClient
	S3         scheduler.ObjectPutter
}

// buildRunner wires the cycle processor, ledger exporter and job
// bookkeeping repositories into a scheduler.Runner.
func buildRunner(cfg *config.Config, logger *slog.Logger, deps runnerDeps) *scheduler.Runner {
	payments := external.NewStripePaymentClient(&http.Client{Timeout: cfg.Billing.PaymentTimeout}, external.StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger,
	})

	var metrics scheduler.RunRecorder
	if cfg.Observability.EnableMetrics && deps.CloudWatch != nil {
		metrics = notifications.NewCycleMetrics(deps.CloudWatch, cfg.Observability.MetricNamespace, logger)
	}

	cycles := scheduler.NewCycleProcessor(scheduler.CycleProcessorDeps{
		Tx:       db.NewBillingTx(db.NewStore(deps.DB)),
		Lister:   db.NewAssignmentRepository(deps.DB),
		Payments: payments,
		Events:   deps.Events,
		Metrics:  metrics,
		Config: scheduler.CycleConfig{
			GraceDays:        cfg.Billing.GracePeriodDays,
			PaymentErrorDays: cfg.Billing.PaymentErrorRetryDays,
			Concurrency:      cfg.Processor.Concurrency,
			PageSize:         cfg.Processor.PageSize,
		},
		Logger: logger,
	})

	runner := &scheduler.Runner{
		Cycles:     cycles,
		Metrics:    metrics,
		JobLock:    db.NewJobLockRepository(deps.DB),
		JobHistory: db.NewJobHistoryRepository(deps.DB),
		WorkerID:   "cycle-processor-" + uuid.New().String(),
		LockTTL:    cfg.Processor.LockTTL,
		Clock:      types.RealClock{},
		Logger:     logger,
	}
	if cfg.AWS.LedgerBucket != "" && deps.S3 != nil {
		runner.Ledger = scheduler.NewLedgerExporter(db.NewHourLogRepository(deps.DB), deps.S3, cfg.AWS.LedgerBucket, logger)
	}
	return runner
}

func newEventPublisher(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) billing.EventPublisher {
	if cfg.AWS.EventQueueURL == "" {
		logger.Warn("SQS_BILLING_EVENTS not set; domain events are logged only")
		return notifications.LogPublisher{Logger: logger}
	}
	return notifications.NewEventPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS.EventQueueURL, logger)
}

// scheduledTasks is the sequence each cron tick runs.
func scheduledTasks(r *scheduler.Runner) []scheduler.TaskType {
	tasks := []scheduler.TaskType{scheduler.TaskProcessCycles}
	if r.Ledger != nil {
		tasks = append(tasks, scheduler.TaskExportLedger)
	}
	return tasks
}

// taskHandler is satisfied by *scheduler.Runner.
type taskHandler interface {
	Handle(ctx context.Context, payload scheduler.MaintenancePayload) (scheduler.RunReport, error)
}

// runScheduled runs tasks on the cron schedule (UTC) until ctx is cancelled. Overlapping
// ticks are skipped.
func runScheduled(ctx context.Context, h taskHandler, schedule string, tasks []scheduler.TaskType, logger *slog.Logger) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	_, err := c.AddFunc(schedule, func() {
		for _, task := range tasks {
			report, err := h.Handle(ctx, scheduler.MaintenancePayload{Task: task})
			if err != nil {
				logger.Error("scheduled task failed", "task", task, "error", err)
				continue
			}
			logger.Info("scheduled task complete",
				"task", task,
				"items", report.Items(),
				"failures", len(report.Failures),
				"lock_held", report.LockHeld,
			)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid CYCLE_SCHEDULE %q: %w", schedule, err)
	}

	c.Start()
	logger.Info("cycle processor scheduled", "schedule", schedule, "tasks", tasks)

	<-ctx.Done()
	logger.Info("shutting down scheduler")
	<-c.Stop().Done()
	return nil
}

// printAvailableTasks writes the task types sorted by name.
func printAvailableTasks(w io.Writer) {
	tasks := make([]string, 0, len(scheduler.Tasks))
	maxLen := 0
	for t := range scheduler.Tasks {
		tasks = append(tasks, string(t))
		maxLen = max(maxLen, len(t))
	}
	sort.Strings(tasks)

	fmt.Fprintf(w, "Available task types:\n\n")
	for _, t := range tasks {
		fmt.Fprintf(w, "  %-*s  %s\n", maxLen, t, scheduler.Tasks[scheduler.TaskType(t)])
	}
}

func printPayload(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
