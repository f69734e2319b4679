package cleanup

import (
	"context"
	"time"

	"github.com/AlibekovAA/clinic-auth/internal/common/clock"
	"github.com/AlibekovAA/clinic-auth/internal/common/logger"
	"github.com/AlibekovAA/clinic-auth/internal/observability/metrics"
)

type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StartRefreshTokenCleanup sweeps expired refresh records every interval
// until ctx is done. It blocks; run it on its own goroutine.
func StartRefreshTokenCleanup(ctx context.Context, store ExpiredDeleter, clk clock.Clock, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RunOnce(ctx, store, clk, log)
		}
	}
}

func RunOnce(ctx context.Context, store ExpiredDeleter, clk clock.Clock, log *logger.Logger) int64 {
	deleted, err := store.DeleteExpired(ctx, clk.Now())
	if err != nil {
		log.WithFields(ctx, logger.Fields{
			"action": "refresh_token_cleanup_failed",
		}).Errorf("refresh token cleanup failed: %v", err)
		return 0
	}
	if deleted > 0 {
		metrics.RefreshTokensCleanupDeleted.Add(float64(deleted))
		log.Infof("refresh token cleanup: deleted %d expired records", deleted)
	}
	return deleted
}
