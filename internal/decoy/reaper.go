package decoy

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/dejavu/internal/metrics"
)

// Expirer discards stale pending decoys.
type Expirer interface {
	DiscardExpiredDecoys(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Reaper periodically discards pending decoys older than a TTL. It never
// publishes anything.
type Reaper struct {
	store    Expirer
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a Reaper. Defaults: ttl 24h, interval 10m.
func NewReaper(store Expirer, ttl, interval time.Duration) *Reaper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reaper{store: store, ttl: ttl, interval: interval, logger: slog.Default(), now: time.Now}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("decoy sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep discards every pending decoy created before now minus the TTL.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	now := r.now()
	n, err := r.store.DiscardExpiredDecoys(ctx, now.Add(-r.ttl), now)
	if err != nil {
		return 0, err
	}
	metrics.RecordExpired(n)
	if n > 0 {
		r.logger.Info("expired pending decoys", "count", n)
	}
	return n, nil
}
