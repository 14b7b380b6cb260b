package ingest

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// Scheduler is the single-process cooperative tick loop. Each tick it
// loads due schedules and attempts to create a queued run for each;
// next_run_at always advances, whether or not creation succeeded. The
// scheduler never executes work and never blocks on a runner.
type Scheduler struct {
	Orchestrator *Orchestrator
	Schedules    ScheduleStore
	// TickInterval defaults to 30s.
	TickInterval time.Duration
	// BatchLimit bounds how many due schedules one tick processes.
	BatchLimit int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Serve ticks until ctx is canceled.
func (s *Scheduler) Serve(ctx context.Context) error {
	var interval = s.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()

	log.WithField("interval", interval).Info("scheduler started")
	for {
		if err := s.Tick(ctx); err != nil {
			log.WithField("err", err).Error("scheduler tick failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick processes all currently due schedules once.
func (s *Scheduler) Tick(ctx context.Context) error {
	schedulerTicks.Inc()
	var limit = s.BatchLimit
	if limit <= 0 {
		limit = 200
	}
	var now = s.now()

	due, err := s.Schedules.Due(ctx, now, limit)
	if err != nil {
		return err
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	var fields = log.Fields{
		"schedule": sched.ID,
		"project":  sched.ProjectID,
		"job":      sched.Key().String(),
	}

	run, err := s.Orchestrator.Enqueue(ctx, sched.ProjectID, sched.Source, sched.Job,
		TriggerScheduled, &sched.ID, nil)
	switch {
	case err == nil:
		log.WithFields(fields).WithField("run", run.ID).Debug("scheduled run queued")
	case errors.Is(err, ErrActiveRunExists), errors.Is(err, ErrLockNotAcquired):
		// Exclusion rejected creation; leave a skipped stub for the
		// audit trail and move on.
		if _, stubErr := s.Orchestrator.Runs.CreateSkippedStub(ctx, NewRun{
			ProjectID:   sched.ProjectID,
			Source:      sched.Source,
			Job:         sched.Job,
			ScheduleID:  &sched.ID,
			TriggeredBy: TriggerScheduled,
		}, ReasonActiveRunExists); stubErr != nil {
			log.WithFields(fields).WithField("err", stubErr).Error("failed to write skipped stub")
		}
		log.WithFields(fields).Info("scheduled run skipped: active run exists")
	default:
		log.WithFields(fields).WithField("err", err).Error("failed to queue scheduled run")
	}

	// Always advance, even on skip or error.
	next, err := CronNext(sched.CronExpr, sched.Timezone, now)
	if err != nil {
		// Unparseable expressions are rejected at write; reaching this
		// means the row predates validation. Disable by not advancing.
		log.WithFields(fields).WithField("err", err).Error("cron expression no longer parses")
		return
	}
	if err := s.Schedules.AdvanceNextRun(ctx, sched.ID, next); err != nil {
		log.WithFields(fields).WithField("err", err).Error("failed to advance next_run_at")
	}
}
