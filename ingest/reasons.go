package ingest

import "errors"

// Reason codes consumed by the run lifecycle. Runners classify their
// own failures into these; the orchestrator stores the first classified
// reason in stats.reason and never decides status from raw errors.
const (
	ReasonNoCredentials       = "no_credentials"
	ReasonLockNotAcquired     = "lock_not_acquired"
	ReasonActiveRunExists     = "active_run_exists"
	ReasonJobNotFound         = "job_not_found"
	ReasonInvalidParams       = "invalid_params"
	ReasonRateLimited         = "rate_limited"
	ReasonFailedToFetchPage   = "incomplete_run_failed_to_fetch_page"
	ReasonLowCoverage         = "incomplete_run_low_coverage"
	ReasonStaleUnlock         = "stale_unlock_conflict"
	ReasonManualStuck         = "manual_stuck"
	ReasonParseError          = "parse_error"
	ReasonMissingRequired     = "missing_required"
	ReasonTransformError      = "transform_error"
	ReasonPricesRefreshFailed = "prices_refresh_failed"
)

var (
	// ErrJobNotFound is returned by registry lookups for unknown
	// (source, job) pairs. Lookups fail closed.
	ErrJobNotFound = errors.New("job not found")

	// ErrActiveRunExists is returned when a queued or running row for
	// the same (project, source, job) already exists.
	ErrActiveRunExists = errors.New("active run exists")

	// ErrLockNotAcquired is returned when the advisory lock guarding
	// run creation could not be taken.
	ErrLockNotAcquired = errors.New("advisory lock not acquired")

	// ErrRunAlreadyRunning is returned by the start transition when the
	// row is no longer queued. Runners treat it as an abort signal and
	// must not touch any external API afterwards.
	ErrRunAlreadyRunning = errors.New("run already running")

	// ErrRunNotRunning is returned by finish and progress operations
	// when the compare-and-set from 'running' fails, typically because
	// a sweeper marked the run timeout in the meantime.
	ErrRunNotRunning = errors.New("run is not running")

	// ErrRunNotFound is returned for lookups of unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrScheduleNotFound is returned for lookups of unknown schedules.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrInvalidCron is returned when a cron expression does not parse.
	ErrInvalidCron = errors.New("invalid cron expression")

	// ErrInvalidParams is returned when a parameterized job is enqueued
	// with missing or malformed params.
	ErrInvalidParams = errors.New("invalid params")

	// ErrManualNotSupported is returned when a manual trigger names a
	// job with supports_manual = false.
	ErrManualNotSupported = errors.New("job does not support manual runs")

	// ErrScheduleNotSupported is returned when a schedule is written
	// for a job with supports_schedule = false.
	ErrScheduleNotSupported = errors.New("job does not support schedules")
)
