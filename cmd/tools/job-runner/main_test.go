package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"stockmeter/internal/scheduler"
)

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name    string
		task    string
		refTime string
		wantErr string
		wantRef string
	}{
		{name: "scan", task: "billing_scan"},
		{name: "retry with reference", task: "retry_invoices", refTime: "2026-03-01T02:05:00+02:00", wantRef: "2026-03-01T00:05:00Z"},
		{name: "missing task", wantErr: "--task is required"},
		{name: "unknown task", task: "sync_stripe", wantErr: "unknown task type"},
		{name: "bad reference", task: "billing_scan", refTime: "yesterday", wantErr: "invalid --reference-time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildPayload(tt.task, tt.refTime)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Task != scheduler.TaskType(tt.task) {
				t.Errorf("task = %q", p.Task)
			}
			if tt.wantRef == "" {
				if p.ReferenceTime != nil {
					t.Errorf("expected nil reference time, got %v", p.ReferenceTime)
				}
				return
			}
			if p.ReferenceTime == nil || p.ReferenceTime.Format(time.RFC3339) != tt.wantRef {
				t.Errorf("reference time = %v, want %s", p.ReferenceTime, tt.wantRef)
			}
		})
	}
}

func TestPrintAvailableTasks_Sorted(t *testing.T) {
	var buf bytes.Buffer
	printAvailableTasks(&buf)

	out := buf.String()
	scan := strings.Index(out, "billing_scan")
	retry := strings.Index(out, "retry_invoices")
	if scan < 0 || retry < 0 {
		t.Fatalf("missing tasks in output:\n%s", out)
	}
	if scan > retry {
		t.Error("tasks not sorted by name")
	}
}

func TestPrintPayload(t *testing.T) {
	ref := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	var buf bytes.Buffer
	if err := printPayload(&buf, scheduler.MaintenancePayload{Task: scheduler.TaskBillingScan, ReferenceTime: &ref}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"task": "billing_scan"`, `"reference_time": "2026-03-01T00:05:00Z"`} {
		if !strings.Contains(out, want) {
			t.Errorf("payload missing %s:\n%s", want, out)
		}
	}
}
