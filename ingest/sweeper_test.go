package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testSweeper(t *testing.T) (*Sweeper, *memRuns) {
	t.Helper()
	var reg = NewRegistry()
	reg.Register(JobSpec{Source: "wildberries", Job: "products", SupportsManual: true, Runner: noopRunner})
	reg.Register(JobSpec{
		Source: "wildberries", Job: "supplier_stocks",
		SupportsManual: true, StuckTTL: time.Hour, Runner: noopRunner,
	})
	var runs = newMemRuns()
	return &Sweeper{Runs: runs, Registry: reg}, runs
}

func staleRun(t *testing.T, runs *memRuns, job string, age time.Duration) *Run {
	t.Helper()
	run, err := runs.CreateQueued(context.Background(), NewRun{
		ProjectID: 1, Source: "wildberries", Job: job,
		TriggeredBy: TriggerManual, StuckTTL: DefaultStuckTTL,
	})
	require.NoError(t, err)
	runs.mu.Lock()
	var old = time.Now().Add(-age)
	runs.runs[run.ID].CreatedAt = old
	runs.runs[run.ID].UpdatedAt = old
	runs.mu.Unlock()
	return run
}

func TestSweepFlipsStaleRuns(t *testing.T) {
	sweeper, runs := testSweeper(t)
	var stale = staleRun(t, runs, "products", 45*time.Minute)

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	swept, err := runs.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, swept.Status)
	require.Equal(t, ReasonStaleUnlock, swept.Stats["reason"])
}

func TestSweepHonorsJobTTLOverride(t *testing.T) {
	sweeper, runs := testSweeper(t)
	// 45 minutes is past the default TTL but within the one-hour
	// override carried by supplier_stocks.
	var run = staleRun(t, runs, "supplier_stocks", 45*time.Minute)

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	kept, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, kept.Status)
}

func TestSweepLeavesFreshRunsAlone(t *testing.T) {
	sweeper, runs := testSweeper(t)
	run, err := runs.CreateQueued(context.Background(), NewRun{
		ProjectID: 1, Source: "wildberries", Job: "products",
		TriggeredBy: TriggerManual, StuckTTL: DefaultStuckTTL,
	})
	require.NoError(t, err)

	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)

	fresh, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, fresh.Status)
}

func TestSweeperLockExcludesSecondProcess(t *testing.T) {
	srv := miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	sweeper, _ := testSweeper(t)
	sweeper.Redis = client

	require.True(t, sweeper.acquire(context.Background(), time.Minute))
	// Same key is still held; a second acquire within the TTL loses.
	require.False(t, sweeper.acquire(context.Background(), time.Minute))

	srv.FastForward(2 * time.Minute)
	require.True(t, sweeper.acquire(context.Background(), time.Minute))
}

func TestSweeperSweepsWhenRedisDown(t *testing.T) {
	srv := miniredis.RunT(t)
	var client = redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	srv.Close()

	sweeper, runs := testSweeper(t)
	sweeper.Redis = client
	staleRun(t, runs, "products", 45*time.Minute)

	require.True(t, sweeper.acquire(context.Background(), time.Minute))
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
