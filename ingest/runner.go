package ingest

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

// RunContext is handed to a RunnerFunc. It scopes the coordination
// operations (heartbeat, progress, chunked sleeps) to one run and
// carries the run's identity and params.
type RunContext struct {
	ProjectID   int64
	RunID       int64
	ScheduleID  *int64
	Source      string
	Job         string
	TriggeredBy TriggeredBy
	Params      json.RawMessage

	runs   RunStore
	logger *log.Entry
	rng    *rand.Rand

	// inline is installed by the worker and executes a dependent run
	// synchronously, returning it in its terminal state.
	inline func(ctx context.Context, source, job string, params json.RawMessage) (*Run, error)
}

// NewRunContext binds a run's coordination operations to the given
// store. The worker layers the inline executor on top.
func NewRunContext(run *Run, runs RunStore, logger *log.Entry) *RunContext {
	return &RunContext{
		ProjectID:   run.ProjectID,
		RunID:       run.ID,
		ScheduleID:  run.ScheduleID,
		Source:      run.Source,
		Job:         run.Job,
		TriggeredBy: run.TriggeredBy,
		Params:      run.Params,
		runs:        runs,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() ^ run.ID)),
	}
}

// Log returns the run-scoped logger.
func (rc *RunContext) Log() *log.Entry { return rc.logger }

// Heartbeat touches heartbeat_at, proving liveness to the stuck
// detector. An error here usually means the run was swept; runners
// should abort cleanly when it persists.
func (rc *RunContext) Heartbeat(ctx context.Context) error {
	return rc.runs.Heartbeat(ctx, rc.RunID)
}

// SetProgress overwrites the run's stats blob while running.
func (rc *RunContext) SetProgress(ctx context.Context, stats Stats) error {
	return rc.runs.SetProgress(ctx, rc.RunID, stats)
}

// Sleep pauses for d, heartbeating at least every 10 seconds and
// publishing sleep_remaining_seconds so the UI can show the pause.
func (rc *RunContext) Sleep(ctx context.Context, d time.Duration) error {
	return sleepChunked(ctx, d, func(remaining time.Duration) {
		if err := rc.runs.Heartbeat(ctx, rc.RunID); err != nil {
			rc.logger.WithField("err", err).Warn("heartbeat during sleep failed")
		}
		if remaining > heartbeatChunk {
			_ = rc.runs.SetProgress(ctx, rc.RunID, Stats{
				"sleep_remaining_seconds": int(remaining / time.Second),
			})
		}
	})
}

// RateLimitSleep sleeps the backoff for the retry-th rate-limit retry,
// with heartbeats.
func (rc *RunContext) RateLimitSleep(ctx context.Context, retry int) error {
	rateLimitRetries.WithLabelValues(rc.Source, rc.Job).Inc()
	return rc.Sleep(ctx, RateLimitBackoff(retry, rc.rng))
}

// CountPage records one fetched source page.
func (rc *RunContext) CountPage() {
	pagesFetched.WithLabelValues(rc.Source, rc.Job).Inc()
}

// RunInline creates a dependent run (triggered_by=chained), executes it
// synchronously in-process, and returns it in its terminal state. Used
// by frontend_prices to refresh admin prices before deriving SPP. The
// dependent run is subject to the same exclusion as any other trigger.
func (rc *RunContext) RunInline(ctx context.Context, source, job string, params json.RawMessage) (*Run, error) {
	return rc.inline(ctx, source, job, params)
}
