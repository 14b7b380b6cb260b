package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testScheduler(t *testing.T) (*Scheduler, *memRuns, *memSchedules) {
	t.Helper()
	orc, runs, schedules := testOrchestrator(t)
	return &Scheduler{Orchestrator: orc, Schedules: schedules}, runs, schedules
}

func dueSchedule(t *testing.T, schedules *memSchedules, projectID int64) *Schedule {
	t.Helper()
	schedule, err := schedules.Create(context.Background(), NewSchedule{
		ProjectID: projectID, Source: "wildberries", Job: "products",
		CronExpr: "*/5 * * * *", Timezone: "UTC", Enabled: true,
	})
	require.NoError(t, err)
	// Pull next_run_at into the past so the schedule is due.
	schedules.mu.Lock()
	var past = time.Now().Add(-time.Minute)
	schedules.schedules[schedule.ID].NextRunAt = &past
	schedules.mu.Unlock()
	return schedule
}

func TestTickQueuesDueSchedules(t *testing.T) {
	sched, runs, schedules := testScheduler(t)
	var schedule = dueSchedule(t, schedules, 1)

	require.NoError(t, sched.Tick(context.Background()))

	queued, err := runs.ListQueued(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, TriggerScheduled, queued[0].TriggeredBy)
	require.NotNil(t, queued[0].ScheduleID)
	require.Equal(t, schedule.ID, *queued[0].ScheduleID)

	// next_run_at advanced beyond now.
	advanced, err := schedules.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.True(t, advanced.NextRunAt.After(time.Now()))
}

func TestTickSkipsOnActiveRunAndStillAdvances(t *testing.T) {
	sched, runs, schedules := testScheduler(t)
	var schedule = dueSchedule(t, schedules, 1)

	// Occupy the slot with an active run.
	_, err := sched.Orchestrator.Enqueue(context.Background(), 1, "wildberries", "products",
		TriggerManual, nil, nil)
	require.NoError(t, err)

	require.NoError(t, sched.Tick(context.Background()))

	// Exactly one queued (the manual one) plus one skipped stub.
	skipped, err := runs.List(context.Background(), RunFilter{ProjectID: 1, Status: StatusSkipped})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	require.Equal(t, ReasonActiveRunExists, skipped[0].Stats["reason"])
	require.Equal(t, TriggerScheduled, skipped[0].TriggeredBy)

	advanced, err := schedules.Get(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.True(t, advanced.NextRunAt.After(time.Now()))
}

func TestTickIgnoresDisabledSchedules(t *testing.T) {
	sched, runs, schedules := testScheduler(t)
	var schedule = dueSchedule(t, schedules, 1)
	schedules.mu.Lock()
	schedules.schedules[schedule.ID].Enabled = false
	schedules.mu.Unlock()

	require.NoError(t, sched.Tick(context.Background()))
	queued, err := runs.ListQueued(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestTickProcessesManySchedulesWithoutBlocking(t *testing.T) {
	sched, runs, schedules := testScheduler(t)
	for projectID := int64(1); projectID <= 20; projectID++ {
		dueSchedule(t, schedules, projectID)
	}

	var done = make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, sched.Tick(context.Background()))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick blocked")
	}

	queued, err := runs.ListQueued(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, queued, 20)
}
