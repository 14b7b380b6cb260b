package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *memRuns, *memSchedules) {
	t.Helper()
	var reg = NewRegistry()
	reg.Register(JobSpec{
		Source: "wildberries", Job: "products",
		SupportsSchedule: true, SupportsManual: true,
		Runner: noopRunner,
	})
	reg.Register(JobSpec{
		Source: "wildberries", Job: "wb_finances",
		SupportsManual: true,
		ValidateParams: func(params json.RawMessage) error {
			if len(params) == 0 {
				return errors.New("date_from and date_to are required")
			}
			return nil
		},
		Runner: noopRunner,
	})
	reg.Register(JobSpec{
		Source: "internal", Job: "build_tax_statement",
		SupportsManual: true,
		Runner:         noopRunner,
	})

	var runs = newMemRuns()
	var schedules = newMemSchedules()
	return &Orchestrator{Registry: reg, Runs: runs, Schedules: schedules}, runs, schedules
}

func TestEnqueueUnknownJob(t *testing.T) {
	orc, _, _ := testOrchestrator(t)
	_, err := orc.Enqueue(context.Background(), 1, "wildberries", "nope", TriggerManual, nil, nil)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestEnqueueScheduleNotSupported(t *testing.T) {
	orc, _, _ := testOrchestrator(t)
	_, err := orc.Enqueue(context.Background(), 1, "wildberries", "wb_finances", TriggerScheduled, nil, nil)
	require.ErrorIs(t, err, ErrScheduleNotSupported)
}

func TestEnqueueValidatesParams(t *testing.T) {
	orc, _, _ := testOrchestrator(t)
	_, err := orc.Enqueue(context.Background(), 1, "wildberries", "wb_finances", TriggerManual, nil, nil)
	require.ErrorIs(t, err, ErrInvalidParams)

	run, err := orc.Enqueue(context.Background(), 1, "wildberries", "wb_finances", TriggerManual, nil,
		json.RawMessage(`{"date_from":"2024-01-01","date_to":"2024-01-31"}`))
	require.NoError(t, err)
	require.Equal(t, StatusQueued, run.Status)
}

func TestEnqueueExclusion(t *testing.T) {
	orc, _, _ := testOrchestrator(t)
	first, err := orc.Enqueue(context.Background(), 1, "wildberries", "products", TriggerManual, nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusQueued, first.Status)

	// A second trigger for the same (project, source, job) conflicts.
	_, err = orc.Enqueue(context.Background(), 1, "wildberries", "products", TriggerManual, nil, nil)
	require.ErrorIs(t, err, ErrActiveRunExists)

	// A different project does not.
	_, err = orc.Enqueue(context.Background(), 2, "wildberries", "products", TriggerManual, nil, nil)
	require.NoError(t, err)
}

func TestEnqueueTakesOverStuckRun(t *testing.T) {
	orc, runs, _ := testOrchestrator(t)
	stale, err := orc.Enqueue(context.Background(), 1, "wildberries", "products", TriggerManual, nil, nil)
	require.NoError(t, err)

	// Age the run past the stuck TTL.
	runs.mu.Lock()
	var old = time.Now().Add(-2 * DefaultStuckTTL)
	runs.runs[stale.ID].CreatedAt = old
	runs.runs[stale.ID].UpdatedAt = old
	runs.mu.Unlock()

	fresh, err := orc.Enqueue(context.Background(), 1, "wildberries", "products", TriggerManual, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, fresh.ID)

	swept, err := runs.Get(context.Background(), stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, swept.Status)
}

func TestForceTimeout(t *testing.T) {
	orc, runs, _ := testOrchestrator(t)
	run, err := orc.Enqueue(context.Background(), 1, "wildberries", "products", TriggerManual, nil, nil)
	require.NoError(t, err)

	require.NoError(t, orc.ForceTimeout(context.Background(), run.ID, "admin"))
	timedOut, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, timedOut.Status)

	// Terminal runs are rejected.
	require.ErrorIs(t, orc.ForceTimeout(context.Background(), run.ID, "admin"), ErrRunNotRunning)
}

func TestPushScheduleForwardIsMonotonic(t *testing.T) {
	orc, _, schedules := testOrchestrator(t)
	schedule, err := schedules.Create(context.Background(), NewSchedule{
		ProjectID: 1, Source: "wildberries", Job: "products",
		CronExpr: "*/5 * * * *", Timezone: "UTC", Enabled: true,
	})
	require.NoError(t, err)

	require.NoError(t, orc.PushScheduleForward(context.Background(), schedule.ID, time.Hour))
	pushed, err := schedules.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.True(t, pushed.NextRunAt.After(time.Now().Add(50*time.Minute)))

	// Pushing backward is a no-op.
	require.NoError(t, orc.PushScheduleForward(context.Background(), schedule.ID, time.Minute))
	after, err := schedules.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.Equal(t, *pushed.NextRunAt, *after.NextRunAt)
}
