package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	maxErrorMessage = 500
	maxErrorTrace   = 50_000
)

// Worker polls for queued runs and executes their runners. Several
// workers may run concurrently across processes; the StartRunning
// compare-and-set makes claims race-free.
type Worker struct {
	Orchestrator *Orchestrator
	Runs         RunStore
	Registry     *Registry
	// Concurrency is the number of runs executed in parallel by this
	// worker process. Defaults to 4.
	Concurrency int
	// PollInterval between empty claim attempts. Defaults to 5s.
	PollInterval time.Duration
	// RateLimitedPushback is how far a linked schedule is pushed
	// forward after a rate-limited skip. Defaults to 15m.
	RateLimitedPushback time.Duration

	id string
}

// Serve claims and executes runs until ctx is canceled.
func (w *Worker) Serve(ctx context.Context) error {
	if w.id == "" {
		w.id = uuid.NewString()
	}
	var concurrency = w.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	var poll = w.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}

	log.WithFields(log.Fields{"worker": w.id, "concurrency": concurrency}).Info("worker started")

	var sem = make(chan struct{}, concurrency)
	var eg, egCtx = errgroup.WithContext(ctx)
	var ticker = time.NewTicker(poll)
	defer ticker.Stop()

	for {
		queued, err := w.Runs.ListQueued(egCtx, concurrency)
		if err != nil {
			log.WithField("err", err).Error("listing queued runs failed")
		}
		for _, run := range queued {
			select {
			case sem <- struct{}{}:
			case <-egCtx.Done():
				return eg.Wait()
			}
			var run = run
			eg.Go(func() error {
				defer func() { <-sem }()
				w.execute(egCtx, run)
				return nil
			})
		}
		select {
		case <-ticker.C:
		case <-egCtx.Done():
			return eg.Wait()
		}
	}
}

// execute drives one run through start, runner, and finish.
func (w *Worker) execute(ctx context.Context, run *Run) {
	var fields = log.Fields{
		"run":     run.ID,
		"project": run.ProjectID,
		"job":     run.Key().String(),
		"worker":  w.id,
	}

	spec, err := w.Registry.Lookup(run.Source, run.Job)
	if err != nil {
		// Fail closed: queued run for an unknown job moves straight to
		// failed with that reason.
		if failErr := w.failQueued(ctx, run.ID, ReasonJobNotFound, err); failErr != nil {
			log.WithFields(fields).WithField("err", failErr).Error("failed to fail unknown-job run")
		}
		return
	}

	started, err := w.Runs.StartRunning(ctx, run.ID, w.id)
	if err != nil {
		if errors.Is(err, ErrRunAlreadyRunning) {
			// Another worker claimed it, or a sweeper finalized it.
			return
		}
		log.WithFields(fields).WithField("err", err).Error("start transition failed")
		return
	}
	runsStarted.WithLabelValues(run.Source, run.Job).Inc()
	log.WithFields(fields).Info("run started")

	var rc = NewRunContext(started, w.Runs, log.WithFields(fields))
	rc.inline = func(ctx context.Context, source, job string, params json.RawMessage) (*Run, error) {
		return w.runInline(ctx, started, source, job, params)
	}

	var result = w.invoke(ctx, spec, rc)
	w.finalize(ctx, started, result, fields)
}

// invoke runs the runner, converting panics into failed Results so a
// bad page payload can never take the worker down.
func (w *Worker) invoke(ctx context.Context, spec JobSpec, rc *RunContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{
				Outcome: StatusFailed,
				Reason:  "panic",
				Err:     fmt.Errorf("runner panic: %v", r),
				Stats:   Stats{"panic_trace": truncate(string(debug.Stack()), maxErrorTrace)},
			}
		}
	}()
	return spec.Runner(ctx, rc)
}

// finalize commits the runner's Result. Finish transitions are CAS from
// 'running': when a sweeper flipped the run to timeout meanwhile, the
// final write is dropped and the timeout stands.
func (w *Worker) finalize(ctx context.Context, run *Run, result Result, fields log.Fields) {
	var stats = result.Stats
	if stats == nil {
		stats = Stats{}
	}

	var err error
	switch result.Outcome {
	case StatusSuccess:
		stats["ok"] = true
		err = w.Runs.FinishSuccess(ctx, run.ID, stats)
	case StatusSkipped:
		stats["ok"] = false
		stats["reason"] = result.Reason
		err = w.Runs.MarkSkipped(ctx, run.ID, result.Reason, stats)
		if err == nil && result.Reason == ReasonRateLimited && run.ScheduleID != nil {
			var pushback = w.RateLimitedPushback
			if pushback <= 0 {
				pushback = 15 * time.Minute
			}
			if pushErr := w.Orchestrator.PushScheduleForward(ctx, *run.ScheduleID, pushback); pushErr != nil {
				log.WithFields(fields).WithField("err", pushErr).Warn("failed to push schedule forward")
			}
		}
	default:
		stats["ok"] = false
		if result.Reason != "" {
			stats["reason"] = result.Reason
		}
		var msg, trace string
		if result.Err != nil {
			msg = truncate(result.Err.Error(), maxErrorMessage)
			trace = truncate(fmt.Sprintf("%+v", result.Err), maxErrorTrace)
		} else {
			msg = result.Reason
		}
		err = w.Runs.FinishFailed(ctx, run.ID, stats, msg, trace)
	}

	if err != nil {
		if errors.Is(err, ErrRunNotRunning) {
			log.WithFields(fields).Warn("run was finalized elsewhere; dropping result")
		} else {
			log.WithFields(fields).WithField("err", err).Error("finish transition failed")
		}
		return
	}

	runsFinished.WithLabelValues(run.Source, run.Job, string(result.Outcome)).Inc()
	if run.StartedAt != nil {
		runDuration.WithLabelValues(run.Source, run.Job).
			Observe(time.Since(*run.StartedAt).Seconds())
	}
	log.WithFields(fields).WithFields(log.Fields{
		"status": result.Outcome,
		"reason": result.Reason,
	}).Info("run finished")

	if result.Outcome == StatusSuccess {
		for _, chain := range result.Chain {
			if _, chainErr := w.Orchestrator.Enqueue(ctx, run.ProjectID, chain.Source, chain.Job,
				TriggerChained, nil, chain.Params); chainErr != nil {
				if errors.Is(chainErr, ErrActiveRunExists) || errors.Is(chainErr, ErrLockNotAcquired) {
					log.WithFields(fields).WithField("chain", chain.Source+"/"+chain.Job).
						Info("chained run not queued: active run exists")
				} else {
					log.WithFields(fields).WithField("err", chainErr).Error("failed to queue chained run")
				}
			}
		}
	}
}

// runInline executes a dependent run synchronously within the parent's
// task. The dependent run goes through the normal queued->running->
// terminal lifecycle and the usual exclusion.
func (w *Worker) runInline(ctx context.Context, parent *Run, source, job string, params json.RawMessage) (*Run, error) {
	spec, err := w.Registry.Lookup(source, job)
	if err != nil {
		return nil, err
	}
	run, err := w.Orchestrator.Enqueue(ctx, parent.ProjectID, source, job, TriggerChained, nil, params)
	if err != nil {
		return nil, err
	}
	started, err := w.Runs.StartRunning(ctx, run.ID, w.id)
	if err != nil {
		return nil, err
	}

	var fields = log.Fields{
		"run":     started.ID,
		"project": started.ProjectID,
		"job":     started.Key().String(),
		"parent":  parent.ID,
		"worker":  w.id,
	}
	runsStarted.WithLabelValues(source, job).Inc()

	var rc = NewRunContext(started, w.Runs, log.WithFields(fields))
	rc.inline = func(context.Context, string, string, json.RawMessage) (*Run, error) {
		return nil, fmt.Errorf("nested inline runs are not supported")
	}

	var result = w.invoke(ctx, spec, rc)
	w.finalize(ctx, started, result, fields)
	return w.Runs.Get(ctx, started.ID)
}

// failQueued moves a queued run directly to failed with the reason.
func (w *Worker) failQueued(ctx context.Context, id int64, reason string, cause error) error {
	// Start it first so the failed CAS applies; ignore races.
	if _, err := w.Runs.StartRunning(ctx, id, w.id); err != nil {
		return err
	}
	return w.Runs.FinishFailed(ctx, id, Stats{"ok": false, "reason": reason},
		truncate(cause.Error(), maxErrorMessage), "")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
