package main

import (
	"context"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/logging"
	"github.com/tableside/auth-core/internal/ratelimit"
)

const defaultCleanupInterval = 5 * time.Minute

// sweeper purges one kind of expired state and reports how much went.
type sweeper struct {
	name  string
	sweep func(ctx context.Context, now time.Time) (int64, error)
}

// sweepers lists the expired-state purges. mem is nil when limiter state
// lives in Redis, which expires its own keys.
func (s *services) sweepers(mem *ratelimit.MemoryStore) []sweeper {
	out := []sweeper{
		{name: "station_tokens", sweep: s.stations.DeleteExpired},
		{name: "refresh_tokens", sweep: s.refresh.DeleteExpired},
		{name: "revoked_tokens", sweep: s.revocations.DeleteExpired},
	}
	if mem != nil {
		out = append(out, sweeper{name: "ratelimit_keys", sweep: func(_ context.Context, now time.Time) (int64, error) {
			return int64(mem.Sweep(now)), nil
		}})
	}
	return out
}

// runMaintenance sweeps on every tick until ctx is cancelled.
func runMaintenance(ctx context.Context, interval time.Duration, sweepers []sweeper, log *logging.Logger) {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sweepOnce(ctx, now.UTC(), sweepers, log)
		}
	}
}

// sweepOnce runs every sweeper. A failing sweeper is logged and the rest
// still run.
func sweepOnce(ctx context.Context, now time.Time, sweepers []sweeper, log *logging.Logger) {
	for _, s := range sweepers {
		n, err := s.sweep(ctx, now)
		if err != nil {
			log.Error("maintenance sweep failed", "target", s.name, "error", err)
			continue
		}
		if n > 0 {
			log.Debug("maintenance sweep", "target", s.name, "removed", n)
		}
	}
}
