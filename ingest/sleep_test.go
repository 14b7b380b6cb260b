package ingest

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitBackoffBounds(t *testing.T) {
	var rng = rand.New(rand.NewSource(42))
	for retry := 1; retry <= 10; retry++ {
		for i := 0; i < 100; i++ {
			var d = RateLimitBackoff(retry, rng)
			require.GreaterOrEqual(t, d, 10*time.Second, "retry %d", retry)
			require.LessOrEqual(t, d, 120*time.Second, "retry %d", retry)
		}
	}
}

func TestRateLimitBackoffGrowth(t *testing.T) {
	// Without jitter the schedule is 20, 40, 80, 120, 120, ...
	require.Equal(t, 20*time.Second, RateLimitBackoff(1, nil))
	require.Equal(t, 40*time.Second, RateLimitBackoff(2, nil))
	require.Equal(t, 80*time.Second, RateLimitBackoff(3, nil))
	require.Equal(t, 120*time.Second, RateLimitBackoff(4, nil))
	require.Equal(t, 120*time.Second, RateLimitBackoff(9, nil))
	// Degenerate retry counts clamp to the first step.
	require.Equal(t, 20*time.Second, RateLimitBackoff(0, nil))
}

func TestRateLimitBackoffJitterWindow(t *testing.T) {
	var rng = rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		var d = RateLimitBackoff(1, rng)
		require.GreaterOrEqual(t, d, 15*time.Second)
		require.LessOrEqual(t, d, 25*time.Second)
	}
}

func TestSleepChunkedTicks(t *testing.T) {
	var ticks []time.Duration
	var err = sleepChunked(context.Background(), 30*time.Millisecond, func(remaining time.Duration) {
		ticks = append(ticks, remaining)
	})
	require.NoError(t, err)
	require.NotEmpty(t, ticks)
	require.LessOrEqual(t, ticks[0], 30*time.Millisecond)
}

func TestSleepChunkedCancellation(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	var err = sleepChunked(ctx, time.Minute, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunContextSleepHeartbeats(t *testing.T) {
	var runs = newMemRuns()
	run, err := runs.CreateQueued(context.Background(), NewRun{
		ProjectID: 1, Source: "wildberries", Job: "products", TriggeredBy: TriggerManual,
		StuckTTL: DefaultStuckTTL,
	})
	require.NoError(t, err)
	_, err = runs.StartRunning(context.Background(), run.ID, "task")
	require.NoError(t, err)

	var rc = &RunContext{RunID: run.ID, runs: runs, logger: testLogger()}
	require.NoError(t, rc.Sleep(context.Background(), 20*time.Millisecond))

	updated, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.HeartbeatAt)
}
