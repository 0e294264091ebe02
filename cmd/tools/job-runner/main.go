// Package main implements the job-runner CLI for invoking billing tasks
// directly, bypassing the Lambda shim and the cron scheduler.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=billing_scan
//	go run ./cmd/tools/job-runner --task=billing_scan --reference-time=2026-03-01T00:05:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=retry_invoices
//	go run ./cmd/tools/job-runner --list
//
// Configuration comes from the environment (or a .env file). With
// --reference-time a cycle boundary can be replayed: the Runner still takes
// the lock for that hour, so a replay never double-bills a cycle that a
// scheduled run already closed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"stockmeter/internal/app"
	"stockmeter/internal/config"
	"stockmeter/internal/scheduler"
)

// validTasks is the exhaustive set of tasks the Runner dispatches.
var validTasks = map[scheduler.TaskType]string{
	scheduler.TaskBillingScan:   "Close due billing cycles, expire trials, finalize cancellations, enforce grace",
	scheduler.TaskRetryInvoices: "Re-issue processor invoices for snapshots left pending",
}

func main() {
	taskFlag := flag.String("task", "", "Task type to execute (e.g., billing_scan)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-03-01T00:05:00Z)")
	listFlag := flag.Bool("list", false, "List all available task types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON payload without executing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Invoke billing tasks directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nUse --list to see all available task types.\n")
	}
	flag.Parse()

	if *listFlag {
		printAvailableTasks(os.Stderr)
		return
	}

	payload, err := buildPayload(*taskFlag, *refTimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks(os.Stderr)
		os.Exit(1)
	}

	if *dryRunFlag {
		if err := printPayload(os.Stdout, payload); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := executeTask(ctx, payload, logger)
	if err != nil {
		logger.Error("task execution failed", "task", string(payload.Task), "error", err)
		os.Exit(1)
	}
	logger.Info("task execution succeeded", "task", string(payload.Task), "result", result)
}

// buildPayload validates the flags and constructs the payload.
func buildPayload(task, refTime string) (scheduler.MaintenancePayload, error) {
	if task == "" {
		return scheduler.MaintenancePayload{}, fmt.Errorf("--task is required")
	}
	taskType := scheduler.TaskType(task)
	if _, ok := validTasks[taskType]; !ok {
		return scheduler.MaintenancePayload{}, fmt.Errorf("unknown task type %q", task)
	}

	payload := scheduler.MaintenancePayload{Task: taskType}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return scheduler.MaintenancePayload{}, fmt.Errorf("invalid --reference-time %q (expected RFC3339): %w", refTime, err)
		}
		t = t.UTC()
		payload.ReferenceTime = &t
	}
	return payload, nil
}

// executeTask wires the engine from the environment and runs the payload
// through the same Runner the Lambda uses.
func executeTask(ctx context.Context, payload scheduler.MaintenancePayload, logger *slog.Logger) (string, error) {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return "", fmt.Errorf("loading configuration: %w", err)
	}

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return "", fmt.Errorf("building engine: %w", err)
	}
	defer func() { _ = engine.Close(context.Background()) }()

	return engine.Runner.Handle(ctx, payload)
}

// printAvailableTasks writes the task table sorted by name.
func printAvailableTasks(w io.Writer) {
	fmt.Fprintf(w, "Available task types:\n\n")

	tasks := make([]scheduler.TaskType, 0, len(validTasks))
	maxLen := 0
	for t := range validTasks {
		tasks = append(tasks, t)
		if len(t) > maxLen {
			maxLen = len(t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })

	for _, t := range tasks {
		fmt.Fprintf(w, "  %-*s  %s\n", maxLen, string(t), validTasks[t])
	}
	fmt.Fprintln(w)
}

func printPayload(w io.Writer, payload scheduler.MaintenancePayload) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
