package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/jensholdgaard/charity-auction/internal/clock"
	"github.com/jensholdgaard/charity-auction/internal/health"
)

func newClock() *clock.Mock {
	return clock.NewMock(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
}

func probe(t *testing.T, h *health.Handler, path string) (int, health.Status) {
	t.Helper()
	r := mux.NewRouter()
	h.Register(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var s health.Status
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	return rec.Code, s
}

func TestLiveness(t *testing.T) {
	code, s := probe(t, health.NewHandler(newClock()), "/healthz")
	if code != http.StatusOK || s.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok", code, s.Status)
	}
	if s.Timestamp != "2025-06-15T12:00:00Z" {
		t.Errorf("Timestamp = %q", s.Timestamp)
	}
}

func TestReadiness(t *testing.T) {
	pass := health.Checker{Name: "database", Check: func(context.Context) error { return nil }}
	fail := health.Checker{Name: "database", Check: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name       string
		ready      bool
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantCheck  string
	}{
		{name: "not ready", wantCode: http.StatusServiceUnavailable, wantStatus: "not_ready"},
		{name: "ready without checks", ready: true, wantCode: http.StatusOK, wantStatus: "ready"},
		{name: "checks pass", ready: true, checkers: []health.Checker{pass}, wantCode: http.StatusOK, wantStatus: "ready", wantCheck: "ok"},
		{name: "check fails", ready: true, checkers: []health.Checker{fail}, wantCode: http.StatusServiceUnavailable, wantStatus: "not_ready", wantCheck: "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := health.NewHandler(newClock(), tt.checkers...)
			h.SetReady(tt.ready)

			code, s := probe(t, h, "/readyz")
			if code != tt.wantCode || s.Status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, s.Status, tt.wantCode, tt.wantStatus)
			}
			if got := s.Checks["database"]; got != tt.wantCheck {
				t.Errorf("database check = %q, want %q", got, tt.wantCheck)
			}
		})
	}
}

func TestSweepFreshness(t *testing.T) {
	clk := newClock()
	var last time.Time
	c := health.SweepFreshness(func() time.Time { return last }, clk, 5*time.Minute)
	ctx := context.Background()

	if err := c.Check(ctx); err != nil {
		t.Errorf("fresh start: %v", err)
	}

	clk.Advance(6 * time.Minute)
	if err := c.Check(ctx); err == nil {
		t.Error("never swept after 6m: want error")
	}

	last = clk.Now().Add(-time.Minute)
	if err := c.Check(ctx); err != nil {
		t.Errorf("swept a minute ago: %v", err)
	}

	h := health.NewHandler(clk)
	h.AddChecker(c)
	h.SetReady(true)
	clk.Advance(10 * time.Minute)
	if code, s := probe(t, h, "/readyz"); code != http.StatusServiceUnavailable || s.Checks["sweep"] == "ok" {
		t.Errorf("stale sweep: got %d %v", code, s.Checks)
	}
}
