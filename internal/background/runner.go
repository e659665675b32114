// Package background runs the gateway's periodic processors: scheduled
// one-shot actions, recurring cron actions, event-group flush, state-
// machine timeout expiry, approval expiry, and audit retention. Each
// processor runs its own ticker-goroutine loop.
package background

import (
	"context"
	"log/slog"
	"time"
)

// runTicker invokes tick every interval until ctx is canceled, logging
// (not panicking on) any error tick returns so one bad cycle doesn't
// kill the whole background processor.
func runTicker(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, tick func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				logger.Error("background processor tick failed", "processor", name, "error", err)
			}
		}
	}
}
