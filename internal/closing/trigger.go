package closing

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jensholdgaard/charity-auction/internal/throttle"
)

// skippedPrefixes are paths that never trigger a sweep. Machine callers
// should not pay for it.
var skippedPrefixes = []string{"/api/", "/webhooks/"}

// Sweep is the part of a Sweeper the trigger and runner need.
type Sweep interface {
	ProcessExpired(ctx context.Context) Summary
}

// Trigger returns middleware that runs a sweep before serving page
// requests, at most once per gate gap. The sweep outlives a cancelled
// request and never fails it.
func Trigger(sw Sweep, gate throttle.Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if triggers(r.URL.Path) {
				runGated(r.Context(), sw, gate, logger)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func triggers(path string) bool {
	for _, p := range skippedPrefixes {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

func runGated(ctx context.Context, sw Sweep, gate throttle.Gate, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	ok, err := gate.Allow(ctx)
	if err != nil {
		logger.WarnContext(ctx, "sweep throttle unavailable, skipping", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	sw.ProcessExpired(ctx)
}
