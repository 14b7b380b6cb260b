// Package ingest implements the ingestion control plane: the job
// registry, the per-tenant scheduler, the run lifecycle with its
// exclusion and stuck-detection guarantees, and the worker pool that
// executes runners.
package ingest

import (
	"encoding/json"
	"time"
)

// Status of an IngestRun. Terminal statuses are success, failed,
// timeout and skipped.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether a run in this status will never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// TriggeredBy records how a run came to exist.
type TriggeredBy string

const (
	TriggerManual    TriggeredBy = "manual"
	TriggerScheduled TriggeredBy = "scheduled"
	TriggerChained   TriggeredBy = "chained"
)

// Key identifies a job within a source.
type Key struct {
	Source string
	Job    string
}

func (k Key) String() string { return k.Source + "/" + k.Job }

// Stats is the free-form progress and counter blob of a run. It is
// written by runners while running and finalized on finish. Not
// authoritative for correctness.
type Stats map[string]any

// Merge returns a copy of s with other's keys overlaid.
func (s Stats) Merge(other Stats) Stats {
	var out = make(Stats, len(s)+len(other))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Run is the audit and coordination record for a single execution of a
// job for a project.
type Run struct {
	ID           int64           `json:"id"`
	ScheduleID   *int64          `json:"schedule_id,omitempty"`
	ProjectID    int64           `json:"project_id"`
	Source       string          `json:"source"`
	Job          string          `json:"job"`
	Status       Status          `json:"status"`
	TriggeredBy  TriggeredBy     `json:"triggered_by"`
	Params       json.RawMessage `json:"params,omitempty"`
	Stats        Stats           `json:"stats"`
	Meta         Stats           `json:"meta,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorTrace   *string         `json:"error_trace,omitempty"`
	TaskID       *string         `json:"task_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
}

// Key returns the run's job key.
func (r *Run) Key() Key { return Key{Source: r.Source, Job: r.Job} }

// LastTouched is the most recent liveness signal of the run, used by
// stuck detection.
func (r *Run) LastTouched() time.Time {
	var t = r.CreatedAt
	if r.UpdatedAt.After(t) {
		t = r.UpdatedAt
	}
	if r.StartedAt != nil && r.StartedAt.After(t) {
		t = *r.StartedAt
	}
	if r.HeartbeatAt != nil && r.HeartbeatAt.After(t) {
		t = *r.HeartbeatAt
	}
	return t
}

// Stuck reports whether the run has shown no liveness within ttl as of now.
func (r *Run) Stuck(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastTouched()) > ttl
}

// Schedule is a per-tenant cron schedule for one job.
type Schedule struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Source    string     `json:"source"`
	Job       string     `json:"job"`
	CronExpr  string     `json:"cron_expr"`
	Timezone  string     `json:"timezone"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Key returns the schedule's job key.
func (s *Schedule) Key() Key { return Key{Source: s.Source, Job: s.Job} }
