// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/jensholdgaard/charity-auction/internal/clock"
)

// Status is the probe response body.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker is a named dependency check run by the readiness probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// SweepFreshness fails when the last sweep finished more than maxAge ago.
// A sweeper that has never run passes until maxAge has elapsed since start.
func SweepFreshness(lastRun func() time.Time, clk clock.Clock, maxAge time.Duration) Checker {
	started := clk.Now()
	return Checker{
		Name: "sweep",
		Check: func(context.Context) error {
			last := lastRun()
			if last.IsZero() {
				last = started
			}
			if age := clk.Now().Sub(last); age > maxAge {
				return fmt.Errorf("last sweep %s ago", age.Round(time.Second))
			}
			return nil
		},
	}
}

// Handler serves /healthz and /readyz.
type Handler struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
}

// NewHandler creates a Handler running checkers on every readiness probe.
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// AddChecker appends a readiness check.
func (h *Handler) AddChecker(c Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, c)
}

// SetReady marks the service as ready to receive traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Register mounts both probes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
}

// LivenessHandler always reports ok while the process serves requests.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{Status: "ok", Timestamp: h.timestamp()})
	}
}

// ReadinessHandler reports ready only after SetReady(true) and when every
// checker passes.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		ready := h.ready
		checkers := h.checkers
		h.mu.RUnlock()

		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, Status{Status: "not_ready", Timestamp: h.timestamp()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := make(map[string]string, len(checkers))
		code := http.StatusOK
		for _, c := range checkers {
			if err := c.Check(ctx); err != nil {
				checks[c.Name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			checks[c.Name] = "ok"
		}

		status := "ready"
		if code != http.StatusOK {
			status = "not_ready"
		}
		writeJSON(w, code, Status{Status: status, Checks: checks, Timestamp: h.timestamp()})
	}
}

func (h *Handler) timestamp() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
