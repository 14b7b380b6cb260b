package ingest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Sweeper periodically marks stale queued/running rows as timeout.
// Correctness relies entirely on the store's transactional sweep; the
// optional Redis lock only keeps concurrent worker processes from
// sweeping redundantly.
type Sweeper struct {
	Runs     RunStore
	Registry *Registry
	// Interval between sweeps. Defaults to 1m.
	Interval time.Duration
	// Redis, when set, is used for a coarse SET NX EX lock so only one
	// process sweeps per interval. It is an optimization, not a
	// correctness primitive.
	Redis *redis.Client
	// LockKey defaults to "sellerhub:ingest:sweeper".
	LockKey string
}

// Serve sweeps until ctx is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	var interval = s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.acquire(ctx, interval) {
				if n, err := s.Sweep(ctx); err != nil {
					log.WithField("err", err).Error("sweep failed")
				} else if n > 0 {
					log.WithField("count", n).Warn("swept stale runs to timeout")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.Runs.SweepStale(ctx, DefaultStuckTTL, s.Registry.StuckTTLs(), ReasonStaleUnlock)
	if err != nil {
		return 0, err
	}
	sweeperTimeouts.Add(float64(n))
	return n, nil
}

func (s *Sweeper) acquire(ctx context.Context, ttl time.Duration) bool {
	if s.Redis == nil {
		return true
	}
	var key = s.LockKey
	if key == "" {
		key = "sellerhub:ingest:sweeper"
	}
	ok, err := s.Redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		// Redis being down must not stop the sweeper.
		log.WithField("err", err).Warn("sweeper lock unavailable; sweeping anyway")
		return true
	}
	return ok
}
