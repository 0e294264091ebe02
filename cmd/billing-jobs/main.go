// Package main is the entrypoint for the billing-jobs Lambda function.
//
// EventBridge rules send a scheduler.MaintenancePayload naming the task:
//
//	billing_scan    hourly: close due cycles, expire trials, finalize
//	                cancellations and enforce the grace window
//	retry_invoices  hourly at :30: re-issue invoices for pending snapshots
//
// The scheduler.Runner takes the hourly lock and records job history, so a
// redelivered event or an overlapping cron host does not run a task twice.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"stockmeter/internal/app"
	"stockmeter/internal/config"
	"stockmeter/internal/scheduler"
)

// TaskRunner executes one maintenance payload.
type TaskRunner interface {
	Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error)
}

// MetricsFlusher publishes buffered metrics. Lambda freezes the process
// between invocations, so nothing may stay buffered after a return.
type MetricsFlusher interface {
	Flush(ctx context.Context)
}

// Handler adapts the Runner to the Lambda runtime.
type Handler struct {
	Runner  TaskRunner
	Metrics MetricsFlusher // may be nil
	Logger  *slog.Logger
}

// Handle runs the payload's task and flushes metrics before returning.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if h.Metrics != nil {
		defer h.Metrics.Flush(context.WithoutCancel(ctx))
	}

	result, err := h.Runner.Handle(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "billing job invocation failed", "task", payload.Task, "error", err)
		return "", err
	}
	return result, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("billing-jobs Lambda initializing (cold start)")

	handler, err := newHandler(context.Background(), logger)
	if err != nil {
		logger.Error("failed to initialize billing-jobs", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// newHandler loads configuration (resolving SSM parameters) and wires the
// engine. The pool is reused across warm invocations.
func newHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}

	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building engine: %w", err)
	}

	h := &Handler{Runner: engine.Runner, Logger: logger}
	if engine.Metrics != nil {
		h.Metrics = engine.Metrics
	}

	logger.Info("billing-jobs Lambda initialized",
		"environment", cfg.Environment,
		"scan_batch_size", cfg.Billing.ScanBatchSize,
		"scan_concurrency", cfg.Billing.SchedulerConcurrency,
	)
	return h, nil
}
