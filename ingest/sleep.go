package ingest

import (
	"context"
	"math/rand"
	"time"
)

// heartbeatChunk is the longest uninterrupted sleep a run may take.
// Anything longer is cut into chunks that each touch heartbeat_at, so a
// rate-limit backoff never trips the stuck detector.
const heartbeatChunk = 10 * time.Second

// RateLimitBackoff computes the sleep before the retry-th retry of a
// rate-limited request: min(20 * 2^(retry-1), 120) seconds with a
// ±25% jitter, clamped to [10s, 120s].
func RateLimitBackoff(retry int, rng *rand.Rand) time.Duration {
	if retry < 1 {
		retry = 1
	}
	var base = 20 * time.Second << (retry - 1)
	if base > 120*time.Second {
		base = 120 * time.Second
	}
	var jittered = base
	if rng != nil {
		// Uniform in [0.75, 1.25] of base.
		var f = 0.75 + rng.Float64()*0.5
		jittered = time.Duration(float64(base) * f)
	}
	if jittered < 10*time.Second {
		jittered = 10 * time.Second
	}
	if jittered > 120*time.Second {
		jittered = 120 * time.Second
	}
	return jittered
}

// sleepChunked sleeps d in chunks of at most heartbeatChunk. Before
// each chunk it calls touch with the remaining duration; touch is where
// the RunContext heartbeats and publishes sleep_remaining_seconds.
// Returns ctx.Err() if the context is canceled mid-sleep.
func sleepChunked(ctx context.Context, d time.Duration, tick func(remaining time.Duration)) error {
	var deadline = time.Now().Add(d)
	for {
		var remaining = time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if tick != nil {
			tick(remaining)
		}
		var chunk = remaining
		if chunk > heartbeatChunk {
			chunk = heartbeatChunk
		}
		var timer = time.NewTimer(chunk)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
