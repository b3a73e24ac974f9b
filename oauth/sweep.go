package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartSweeper launches a goroutine that runs the revalidation sweep once
// immediately and thereafter on the given interval. Every entity the sweep
// flags is refreshed one at a time; RefreshEntity handles its own failures
// (disable-on-failure), so a sweep cycle never aborts early.
func StartSweeper(ctx context.Context, lc *Lifecycle, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		runSweep(ctx, lc)
		for {
			// Per-iteration jitter (±10% of interval) so multiple platforms'
			// sweeps drift apart instead of bursting together.
			var jitter time.Duration
			if jitterRange := int64(interval / 10); jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
			runSweep(ctx, lc)
		}
	}()
}

func runSweep(ctx context.Context, lc *Lifecycle) {
	stale, err := lc.VerifyAllTokens(ctx)
	if err != nil {
		slog.Warn("revalidation sweep failed", slog.String("platform", lc.Platform), slog.Any("err", err))
		return
	}
	for _, e := range stale {
		if ctx.Err() != nil {
			return
		}
		lc.RefreshEntity(ctx, e)
	}
}
