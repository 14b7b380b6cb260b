package ingest

import (
	"context"
	"encoding/json"
	"time"
)

// NewRun is the input of RunStore.CreateQueued.
type NewRun struct {
	ProjectID   int64
	Source      string
	Job         string
	ScheduleID  *int64
	TriggeredBy TriggeredBy
	Params      json.RawMessage
	// StuckTTL bounds the liveness of any conflicting active run: a
	// conflicting row older than this is taken over (marked timeout)
	// inside the creating transaction.
	StuckTTL time.Duration
}

// RunStore persists IngestRuns and enforces the exclusion contract.
// CreateQueued must take the per-(project, source, job) advisory lock,
// perform opportunistic stuck takeover, and insert the queued row in a
// single transaction. Start and finish transitions are compare-and-set.
type RunStore interface {
	CreateQueued(ctx context.Context, n NewRun) (*Run, error)
	// CreateSkippedStub records a run that was rejected by exclusion,
	// already in terminal status skipped with the given reason.
	CreateSkippedStub(ctx context.Context, n NewRun, reason string) (*Run, error)
	Get(ctx context.Context, id int64) (*Run, error)
	List(ctx context.Context, f RunFilter) ([]*Run, error)
	ListQueued(ctx context.Context, limit int) ([]*Run, error)

	// StartRunning transitions queued to running. Returns
	// ErrRunAlreadyRunning if the row is not queued.
	StartRunning(ctx context.Context, id int64, taskID string) (*Run, error)
	// Heartbeat touches heartbeat_at while the run is active.
	Heartbeat(ctx context.Context, id int64) error
	// SetProgress overwrites stats while status is running.
	SetProgress(ctx context.Context, id int64, stats Stats) error

	// FinishSuccess and FinishFailed require status running
	// (ErrRunNotRunning otherwise).
	FinishSuccess(ctx context.Context, id int64, stats Stats) error
	FinishFailed(ctx context.Context, id int64, stats Stats, errMsg, errTrace string) error

	// MarkTimeout forces queued/running to timeout, recording the
	// system action in meta.
	MarkTimeout(ctx context.Context, id int64, reason string, meta Stats) error
	// MarkSkipped finalizes an active run as skipped, merging any stats
	// the runner accumulated before giving up.
	MarkSkipped(ctx context.Context, id int64, reason string, stats Stats) error

	// SweepStale marks qualifying stale active runs timeout and
	// returns how many rows it flipped. ttls carries per-job overrides;
	// defaultTTL applies to keys absent from it.
	SweepStale(ctx context.Context, defaultTTL time.Duration, ttls map[Key]time.Duration, reason string) (int, error)
}

// RunFilter narrows RunStore.List.
type RunFilter struct {
	ProjectID int64
	Source    string
	Job       string
	Status    Status
	Limit     int
	Offset    int
}

// NewSchedule is the input of ScheduleStore.Create.
type NewSchedule struct {
	ProjectID int64
	Source    string
	Job       string
	CronExpr  string
	Timezone  string
	Enabled   bool
}

// ScheduleStore persists IngestSchedules. Cron expressions are parsed
// and validated at write time; next_run_at only moves forward.
type ScheduleStore interface {
	Create(ctx context.Context, n NewSchedule) (*Schedule, error)
	Get(ctx context.Context, id int64) (*Schedule, error)
	ListByProject(ctx context.Context, projectID int64) ([]*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id int64) error

	// Due returns enabled schedules with next_run_at <= now.
	Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// AdvanceNextRun moves next_run_at to the given instant. The store
	// must never move it backward.
	AdvanceNextRun(ctx context.Context, id int64, next time.Time) error
}
