package core

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"stockmeter/internal/config"
)

// --- Helpers ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	cfg.Server.RequestTimeout = 5 * time.Second
	srv, err := NewServer(cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

type recordedMetric struct {
	method, endpoint, status string
}

type mockMetrics struct {
	mu      sync.Mutex
	records []recordedMetric
}

func (m *mockMetrics) RecordRequest(method, endpoint, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordedMetric{method, endpoint, status})
}

// --- Tests ---

func TestNewServer_RequiresDependencies(t *testing.T) {
	if _, err := NewServer(nil, discardLogger()); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewServer(&config.Config{}, nil); err == nil {
		t.Error("expected error for nil logger")
	}
}

func TestMountRoutes_RegistrarsAndHealth(t *testing.T) {
	srv := newTestServer(t)
	metrics := &mockMetrics{}
	srv.Metrics = metrics
	srv.V1RouteRegistrars = []RouteRegistrar{
		func(r chi.Router) {
			r.Get("/accounts/{accountID}/billing", func(w http.ResponseWriter, r *http.Request) {
				JSON(w, r, http.StatusOK, APIResponse{Data: chi.URLParam(r, "accountID")})
			})
		},
	}
	srv.MountRoutes()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/acct_1/billing", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data != "acct_1" {
		t.Errorf("expected data acct_1, got %v", resp.Data)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-Id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}

	if len(metrics.records) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(metrics.records))
	}
	if got := metrics.records[0].endpoint; got != "/v1/accounts/{accountID}/billing" {
		t.Errorf("expected route pattern as endpoint, got %q", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected health 200, got %d", rec.Code)
	}
}

func TestMountRoutes_RequestTimeoutApplied(t *testing.T) {
	srv := newTestServer(t)
	srv.Config.Server.RequestTimeout = 50 * time.Millisecond

	var deadline time.Time
	srv.V1RouteRegistrars = []RouteRegistrar{
		func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				deadline, _ = r.Context().Deadline()
				w.WriteHeader(http.StatusNoContent)
			})
		},
	}
	srv.MountRoutes()

	start := time.Now()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))

	if deadline.IsZero() {
		t.Fatal("expected a context deadline")
	}
	if deadline.Sub(start) > time.Second {
		t.Errorf("deadline %v too far from configured 50ms", deadline.Sub(start))
	}
}

func TestShutdown_RunsAllClosers(t *testing.T) {
	srv := newTestServer(t)

	var calls []string
	srv.OnShutdown(func() error { calls = append(calls, "pool"); return errors.New("close failed") })
	srv.OnShutdown(func() error { calls = append(calls, "metrics"); return nil })

	err := srv.Shutdown(context.Background())
	if err == nil {
		t.Fatal("expected first closer error to be returned")
	}
	if len(calls) != 2 || calls[0] != "pool" || calls[1] != "metrics" {
		t.Errorf("unexpected closer order: %v", calls)
	}
}
