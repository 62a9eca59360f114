package dedupe

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = time.Hour

// Sweeper periodically deletes expired ledger rows. It runs on its own timer
// and never blocks HasProcessed/MarkProcessed.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start begins the sweep loop. Blocks until the context is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.logger.Info("ttl sweeper started", "interval", sw.interval)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("ttl sweeper stopped")
			return
		case <-ticker.C:
			n, err := sw.store.CleanupExpired(ctx)
			if err != nil {
				sw.logger.Warn("ttl sweep failed", "err", err)
				continue
			}
			if n > 0 {
				sw.logger.Info("ttl sweep removed expired records", "count", n)
			}
		}
	}
}
