package closing

import (
	"context"
	"log/slog"
	"time"
)

// Run sweeps once per interval until ctx is done. The first sweep runs
// immediately so lots that expired while no replica was leading close
// without waiting a full interval.
func Run(ctx context.Context, sw Sweep, interval time.Duration, logger *slog.Logger) {
	logger.InfoContext(ctx, "periodic sweeper started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sw.ProcessExpired(ctx)

		select {
		case <-ctx.Done():
			logger.Info("periodic sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}
