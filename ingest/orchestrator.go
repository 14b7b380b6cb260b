package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Orchestrator is the policy layer over the run stores: it resolves
// jobs through the registry, validates params and trigger support, and
// delegates the transactional exclusion work to the RunStore.
type Orchestrator struct {
	Registry  *Registry
	Runs      RunStore
	Schedules ScheduleStore
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Enqueue validates and creates a queued run for the given trigger.
// It returns ErrJobNotFound, ErrManualNotSupported, ErrInvalidParams,
// ErrActiveRunExists or ErrLockNotAcquired as appropriate; the HTTP
// surface maps those onto 422 and 409.
func (o *Orchestrator) Enqueue(ctx context.Context, projectID int64, source, job string, by TriggeredBy, scheduleID *int64, params json.RawMessage) (*Run, error) {
	spec, err := o.Registry.Lookup(source, job)
	if err != nil {
		return nil, err
	}
	if by == TriggerManual && !spec.SupportsManual {
		return nil, fmt.Errorf("%w: %s", ErrManualNotSupported, spec.Key())
	}
	if by == TriggerScheduled && !spec.SupportsSchedule {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotSupported, spec.Key())
	}
	if spec.ValidateParams != nil {
		if err := spec.ValidateParams(params); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidParams, err)
		}
	}

	run, err := o.Runs.CreateQueued(ctx, NewRun{
		ProjectID:   projectID,
		Source:      source,
		Job:         job,
		ScheduleID:  scheduleID,
		TriggeredBy: by,
		Params:      params,
		StuckTTL:    spec.EffectiveStuckTTL(),
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"run":     run.ID,
		"project": projectID,
		"job":     spec.Key().String(),
		"trigger": by,
	}).Info("queued ingest run")
	return run, nil
}

// ForceTimeout is the admin mark-timeout operation. Only queued or
// running runs qualify.
func (o *Orchestrator) ForceTimeout(ctx context.Context, runID int64, actor string) error {
	run, err := o.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run %d is %s", ErrRunNotRunning, runID, run.Status)
	}
	return o.Runs.MarkTimeout(ctx, runID, ReasonManualStuck, Stats{
		"forced_by": actor,
		"forced_at": o.now().UTC().Format(time.RFC3339),
	})
}

// PushScheduleForward moves a schedule's next_run_at ahead by the given
// window. Used after a rate-limited skip so the next scheduled attempt
// does not immediately hit the same limit.
func (o *Orchestrator) PushScheduleForward(ctx context.Context, scheduleID int64, window time.Duration) error {
	return o.Schedules.AdvanceNextRun(ctx, scheduleID, o.now().Add(window))
}
