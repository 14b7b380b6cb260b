package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testWorker(t *testing.T, specs ...JobSpec) (*Worker, *memRuns, *memSchedules) {
	t.Helper()
	var reg = NewRegistry()
	for _, spec := range specs {
		reg.Register(spec)
	}
	var runs = newMemRuns()
	var schedules = newMemSchedules()
	var orc = &Orchestrator{Registry: reg, Runs: runs, Schedules: schedules}
	return &Worker{Orchestrator: orc, Runs: runs, Registry: reg, id: "test-worker"}, runs, schedules
}

func enqueue(t *testing.T, w *Worker, projectID int64, source, job string) *Run {
	t.Helper()
	run, err := w.Orchestrator.Enqueue(context.Background(), projectID, source, job, TriggerManual, nil, nil)
	require.NoError(t, err)
	return run
}

func TestWorkerExecutesSuccess(t *testing.T) {
	w, runs, _ := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products", SupportsManual: true,
		Runner: func(_ context.Context, rc *RunContext) Result {
			return Succeed(Stats{"saved": 7})
		},
	})
	var run = enqueue(t, w, 1, "wildberries", "products")
	w.execute(context.Background(), run)

	finished, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, finished.Status)
	require.Equal(t, 7, finished.Stats["saved"])
	require.Equal(t, true, finished.Stats["ok"])
	require.NotNil(t, finished.FinishedAt)
}

func TestWorkerFailsRunWithTruncatedError(t *testing.T) {
	var longMsg = strings.Repeat("x", 2000)
	w, runs, _ := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products", SupportsManual: true,
		Runner: func(context.Context, *RunContext) Result {
			return Fail(ReasonFailedToFetchPage, errors.New(longMsg), nil)
		},
	})
	var run = enqueue(t, w, 1, "wildberries", "products")
	w.execute(context.Background(), run)

	finished, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, finished.Status)
	require.Equal(t, ReasonFailedToFetchPage, finished.Stats["reason"])
	require.NotNil(t, finished.ErrorMessage)
	require.Len(t, *finished.ErrorMessage, maxErrorMessage)
}

func TestWorkerRecoversPanics(t *testing.T) {
	w, runs, _ := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products", SupportsManual: true,
		Runner: func(context.Context, *RunContext) Result {
			panic("bad payload")
		},
	})
	var run = enqueue(t, w, 1, "wildberries", "products")
	w.execute(context.Background(), run)

	finished, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, finished.Status)
	require.Contains(t, *finished.ErrorMessage, "bad payload")
}

func TestWorkerFailsUnknownJob(t *testing.T) {
	w, runs, _ := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products", SupportsManual: true, Runner: noopRunner,
	})
	var run = enqueue(t, w, 1, "wildberries", "products")

	// Simulate a registry shrink between enqueue and execution.
	runs.mu.Lock()
	runs.runs[run.ID].Job = "withdrawn"
	runs.mu.Unlock()
	stale, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)

	w.execute(context.Background(), stale)
	finished, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, finished.Status)
	require.Equal(t, ReasonJobNotFound, finished.Stats["reason"])
}

func TestWorkerRateLimitedSkipPushesSchedule(t *testing.T) {
	w, runs, schedules := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products",
		SupportsSchedule: true, SupportsManual: true,
		Runner: func(context.Context, *RunContext) Result {
			return Skip(ReasonRateLimited, Stats{"rate_limit_retries": 5})
		},
	})
	schedule, err := schedules.Create(context.Background(), NewSchedule{
		ProjectID: 1, Source: "wildberries", Job: "products",
		CronExpr: "* * * * *", Timezone: "UTC", Enabled: true,
	})
	require.NoError(t, err)

	run, err := w.Orchestrator.Enqueue(context.Background(), 1, "wildberries", "products",
		TriggerScheduled, &schedule.ID, nil)
	require.NoError(t, err)
	w.execute(context.Background(), run)

	finished, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, finished.Status)
	require.Equal(t, ReasonRateLimited, finished.Stats["reason"])
	// Stats accumulated before giving up survive the skip.
	require.Equal(t, 5, finished.Stats["rate_limit_retries"])

	// The linked schedule moved well past the every-minute cadence.
	pushed, err := schedules.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.True(t, pushed.NextRunAt.After(time.Now().Add(10*time.Minute)))
}

func TestWorkerDropsResultWhenSweeperWon(t *testing.T) {
	var block = make(chan struct{})
	w, runs, _ := testWorker(t, JobSpec{
		Source: "wildberries", Job: "products", SupportsManual: true,
		Runner: func(context.Context, *RunContext) Result {
			<-block
			return Succeed(nil)
		},
	})
	var run = enqueue(t, w, 1, "wildberries", "products")

	var done = make(chan struct{})
	go func() {
		defer close(done)
		w.execute(context.Background(), run)
	}()

	// Wait for the start transition, then let a sweep win the race.
	require.Eventually(t, func() bool {
		current, err := runs.Get(context.Background(), run.ID)
		return err == nil && current.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, runs.MarkTimeout(context.Background(), run.ID, ReasonStaleUnlock, nil))
	close(block)
	<-done

	final, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, final.Status)
}

func TestWorkerQueuesChainedRuns(t *testing.T) {
	w, runs, _ := testWorker(t,
		JobSpec{
			Source: "wildberries", Job: "products", SupportsManual: true,
			Runner: func(context.Context, *RunContext) Result {
				var res = Succeed(nil)
				res.Chain = []ChainRequest{{Source: "internal", Job: "build_rrp_snapshots"}}
				return res
			},
		},
		JobSpec{Source: "internal", Job: "build_rrp_snapshots", SupportsManual: true, Runner: noopRunner},
	)
	var run = enqueue(t, w, 1, "wildberries", "products")
	w.execute(context.Background(), run)

	chained, err := runs.List(context.Background(), RunFilter{
		ProjectID: 1, Source: "internal", Job: "build_rrp_snapshots",
	})
	require.NoError(t, err)
	require.Len(t, chained, 1)
	require.Equal(t, TriggerChained, chained[0].TriggeredBy)
	require.Equal(t, StatusQueued, chained[0].Status)
}

func TestWorkerRunsInlineDependent(t *testing.T) {
	w, runs, _ := testWorker(t,
		JobSpec{
			Source: "wildberries", Job: "frontend_prices", SupportsManual: true,
			Runner: func(ctx context.Context, rc *RunContext) Result {
				inline, err := rc.RunInline(ctx, "wildberries", "prices", nil)
				if err != nil {
					return Fail(ReasonPricesRefreshFailed, err, nil)
				}
				if inline.Status != StatusSuccess {
					return Fail(ReasonPricesRefreshFailed, errors.New("refresh failed"), nil)
				}
				return Succeed(Stats{"inline_run": inline.ID})
			},
		},
		JobSpec{Source: "wildberries", Job: "prices", SupportsManual: true, Runner: noopRunner},
	)
	var run = enqueue(t, w, 1, "wildberries", "frontend_prices")
	w.execute(context.Background(), run)

	parent, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, parent.Status)

	inlineRuns, err := runs.List(context.Background(), RunFilter{
		ProjectID: 1, Source: "wildberries", Job: "prices",
	})
	require.NoError(t, err)
	require.Len(t, inlineRuns, 1)
	require.Equal(t, StatusSuccess, inlineRuns[0].Status)
	require.Equal(t, TriggerChained, inlineRuns[0].TriggeredBy)
}
