package closing_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jensholdgaard/charity-auction/internal/closing"
	"github.com/jensholdgaard/charity-auction/internal/throttle"
)

type countingSweep struct {
	calls atomic.Int32
	ctxs  chan context.Context
}

func (s *countingSweep) ProcessExpired(ctx context.Context) closing.Summary {
	s.calls.Add(1)
	if s.ctxs != nil {
		s.ctxs <- ctx
	}
	return closing.Summary{}
}

type gateFunc func(context.Context) (bool, error)

func (f gateFunc) Allow(ctx context.Context) (bool, error) { return f(ctx) }

var allowAll = gateFunc(func(context.Context) (bool, error) { return true, nil })

func TestTrigger_Paths(t *testing.T) {
	tests := []struct {
		path string
		want int32
	}{
		{path: "/", want: 1},
		{path: "/items/signed-shirt", want: 1},
		{path: "/api/sweep", want: 0},
		{path: "/webhooks/payments/123", want: 0},
		{path: "/apiary", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			sw := &countingSweep{}
			served := false
			h := closing.Trigger(sw, allowAll, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				served = true
			}))

			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			if got := sw.calls.Load(); got != tt.want {
				t.Errorf("sweeps = %d, want %d", got, tt.want)
			}
			if !served {
				t.Error("request not passed through")
			}
		})
	}
}

func TestTrigger_Gate(t *testing.T) {
	tests := []struct {
		name string
		gate throttle.Gate
		want int32
	}{
		{name: "denied", gate: gateFunc(func(context.Context) (bool, error) { return false, nil }), want: 0},
		{name: "gate error", gate: gateFunc(func(context.Context) (bool, error) { return false, errors.New("redis down") }), want: 0},
		{name: "allowed", gate: allowAll, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := &countingSweep{}
			rec := httptest.NewRecorder()
			h := closing.Trigger(sw, tt.gate, discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			}))

			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if got := sw.calls.Load(); got != tt.want {
				t.Errorf("sweeps = %d, want %d", got, tt.want)
			}
			if rec.Code != http.StatusTeapot {
				t.Errorf("status = %d, want the handler's %d", rec.Code, http.StatusTeapot)
			}
		})
	}
}

func TestTrigger_SweepSurvivesCancelledRequest(t *testing.T) {
	sw := &countingSweep{ctxs: make(chan context.Context, 1)}
	h := closing.Trigger(sw, allowAll, discard)(http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	h.ServeHTTP(httptest.NewRecorder(), req)

	got := <-sw.ctxs
	if err := got.Err(); err != nil {
		t.Errorf("sweep context error = %v, want nil", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &countingSweep{ctxs: make(chan context.Context, 16)}

	done := make(chan struct{})
	go func() {
		closing.Run(ctx, sw, 10*time.Millisecond, discard)
		close(done)
	}()

	// The first sweep runs without waiting for the ticker.
	<-sw.ctxs
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
