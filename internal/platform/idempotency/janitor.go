package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunJanitor purges expired records every interval until ctx is cancelled. Each tick drains in
// batches of batchSize until a batch comes back short.
func RunJanitor(ctx context.Context, store Store, interval time.Duration, batchSize int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			total, err := purgeAll(ctx, store, now.UTC(), batchSize)
			if err != nil {
				logger.Warn("idempotency purge failed", zap.Error(err), zap.Int("purged", total))
				continue
			}
			if total > 0 {
				logger.Info("idempotency records purged", zap.Int("purged", total))
			}
		}
	}
}

func purgeAll(ctx context.Context, store Store, now time.Time, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	total := 0
	for {
		n, err := store.Purge(ctx, now, batchSize)
		total += n
		if err != nil || n < batchSize {
			return total, err
		}
	}
}
