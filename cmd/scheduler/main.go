// Package main runs the billing jobs on a cron schedule for deployments
// without EventBridge. It shares the Runner's locks with the billing-jobs
// Lambda, so running both (or several scheduler replicas) is safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"stockmeter/internal/app"
	"stockmeter/internal/config"
	"stockmeter/internal/scheduler"
)

var (
	scanSchedule  = flag.String("scan-schedule", getEnv("BILLING_SCAN_SCHEDULE", "0 * * * *"), "Cron schedule for the billing scan (default: top of every hour)")
	retrySchedule = flag.String("retry-schedule", getEnv("INVOICE_RETRY_SCHEDULE", "30 * * * *"), "Cron schedule for invoice retries (default: half past every hour)")
	runOnce       = flag.String("run-once", "", "Run the named task once and exit (billing_scan or retry_invoices)")
)

// TaskRunner executes one maintenance payload.
type TaskRunner interface {
	Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error)
}

func main() {
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger); err != nil {
		logger.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	defer func() { _ = engine.Close(context.Background()) }()

	if *runOnce != "" {
		out, err := engine.Runner.Handle(ctx, scheduler.MaintenancePayload{Task: scheduler.TaskType(*runOnce)})
		if err != nil {
			return err
		}
		logger.Info(out)
		return nil
	}

	if engine.Metrics != nil {
		go engine.Metrics.Start(ctx, cfg.Observability.FlushInterval)
	}

	c, err := newCron(ctx, engine.Runner, Schedules{Scan: *scanSchedule, Retry: *retrySchedule}, logger)
	if err != nil {
		return err
	}

	c.Start()
	logger.Info("billing scheduler started", "scan_schedule", *scanSchedule, "retry_schedule", *retrySchedule)

	<-ctx.Done()
	logger.Info("shutting down, waiting for running jobs")

	<-c.Stop().Done()
	logger.Info("billing scheduler stopped")
	return nil
}

// Schedules holds the standard five-field cron expressions for each task.
type Schedules struct {
	Scan  string
	Retry string
}

// newCron registers both tasks. Jobs still running when the next tick fires
// are skipped rather than stacked.
func newCron(ctx context.Context, runner TaskRunner, s Schedules, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger)),
	)

	jobs := []struct {
		expr string
		task scheduler.TaskType
	}{
		{s.Scan, scheduler.TaskBillingScan},
		{s.Retry, scheduler.TaskRetryInvoices},
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.expr, taskFunc(ctx, runner, j.task, logger)); err != nil {
			return nil, fmt.Errorf("scheduling %s with %q: %w", j.task, j.expr, err)
		}
	}
	return c, nil
}

func taskFunc(ctx context.Context, runner TaskRunner, task scheduler.TaskType, logger *slog.Logger) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		out, err := runner.Handle(ctx, scheduler.MaintenancePayload{Task: task})
		if err != nil {
			logger.ErrorContext(ctx, "scheduled billing job failed", "task", task, "error", err)
			return
		}
		logger.InfoContext(ctx, "scheduled billing job finished", "task", task, "result", out)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
