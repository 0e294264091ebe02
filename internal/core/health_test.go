package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockHealthProbe struct {
	name     string
	checkErr error
	delay    time.Duration
	panics   bool
}

func (m *mockHealthProbe) Name() string { return m.name }

func (m *mockHealthProbe) Check(context.Context) error {
	if m.panics {
		panic("probe exploded")
	}
	// Sleeps past cancellation so the handler reports the probe as timed out.
	time.Sleep(m.delay)
	return m.checkErr
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(context.Context) error { return m.err }

func runHealth(t *testing.T, probes ...HealthProbe) (int, healthResponse) {
	t.Helper()
	srv := newTestServer(t)
	srv.HealthProbes = probes

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := runHealth(t)
	if code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("expected 200 healthy, got %d %q", code, resp.Status)
	}
	if len(resp.Components) != 0 {
		t.Errorf("expected no components, got %v", resp.Components)
	}
}

func TestHandleHealth_AllHealthy(t *testing.T) {
	code, resp := runHealth(t,
		PingProbe{ProbeName: "database", Target: mockPinger{}},
		&mockHealthProbe{name: "sqs"},
	)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	for _, name := range []string{"database", "sqs"} {
		if resp.Components[name].Status != "healthy" {
			t.Errorf("component %q: expected healthy, got %+v", name, resp.Components[name])
		}
	}
}

func TestHandleHealth_DatabaseDown(t *testing.T) {
	code, resp := runHealth(t,
		PingProbe{ProbeName: "database", Target: mockPinger{err: errors.New("connection refused")}},
		&mockHealthProbe{name: "sqs"},
	)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %q", resp.Status)
	}
	db := resp.Components["database"]
	if db.Status != "unhealthy" || db.Message != "connection refused" {
		t.Errorf("unexpected database component: %+v", db)
	}
	if resp.Components["sqs"].Status != "healthy" {
		t.Errorf("sqs should stay healthy: %+v", resp.Components["sqs"])
	}
}

func TestHandleHealth_Timeout(t *testing.T) {
	code, resp := runHealth(t,
		&mockHealthProbe{name: "database"},
		&mockHealthProbe{name: "slow", delay: 3 * time.Second},
	)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if msg := resp.Components["slow"].Message; msg != "health check timed out" {
		t.Errorf("expected timeout message, got %q", msg)
	}
	if resp.Components["database"].Status != "healthy" {
		t.Errorf("database should be healthy: %+v", resp.Components["database"])
	}
}

func TestHandleHealth_ProbePanic(t *testing.T) {
	code, resp := runHealth(t, &mockHealthProbe{name: "broken", panics: true})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if resp.Components["broken"].Message != "probe panicked: probe exploded" {
		t.Errorf("unexpected message %q", resp.Components["broken"].Message)
	}
}
