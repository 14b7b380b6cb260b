package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DefaultStuckTTL is the global liveness TTL for runs whose job does
// not override it.
const DefaultStuckTTL = 30 * time.Minute

// Result is the classified outcome a runner hands back to the worker.
// Runners never raise through the orchestrator: any failure is folded
// into a Result with a reason code.
type Result struct {
	Outcome Status // StatusSuccess, StatusFailed or StatusSkipped
	Reason  string // reason code, empty on success
	Stats   Stats
	Err     error // short cause for error_message; may be nil
	// Chain lists follow-up runs to enqueue (triggered_by=chained)
	// after this run's terminal state is committed. Only honored on
	// success.
	Chain []ChainRequest
}

// ChainRequest asks the worker to enqueue a dependent run.
type ChainRequest struct {
	Source string
	Job    string
	Params json.RawMessage
}

// Succeed builds a success Result.
func Succeed(stats Stats) Result {
	return Result{Outcome: StatusSuccess, Stats: stats}
}

// Fail builds a failed Result with the given reason code.
func Fail(reason string, err error, stats Stats) Result {
	return Result{Outcome: StatusFailed, Reason: reason, Err: err, Stats: stats}
}

// Skip builds a skipped Result with the given reason code.
func Skip(reason string, stats Stats) Result {
	return Result{Outcome: StatusSkipped, Reason: reason, Stats: stats}
}

// RunnerFunc executes one run. It must consult ctx and the RunContext's
// heartbeat-aware sleep helpers during any blocking operation.
type RunnerFunc func(ctx context.Context, rc *RunContext) Result

// JobSpec is one registry entry: the static metadata and runner of a
// (source, job) pair.
type JobSpec struct {
	Source           string
	Job              string
	Title            string
	SupportsSchedule bool
	SupportsManual   bool
	// StuckTTL overrides DefaultStuckTTL when non-zero.
	StuckTTL time.Duration
	// ValidateParams rejects malformed params at enqueue time. Nil
	// means the job takes no params.
	ValidateParams func(params json.RawMessage) error
	Runner         RunnerFunc
}

// Key returns the spec's job key.
func (s JobSpec) Key() Key { return Key{Source: s.Source, Job: s.Job} }

// EffectiveStuckTTL returns the job's TTL or the global default.
func (s JobSpec) EffectiveStuckTTL() time.Duration {
	if s.StuckTTL > 0 {
		return s.StuckTTL
	}
	return DefaultStuckTTL
}

// Registry is the static table of (source, job) to runner and metadata.
// It is populated once at service wiring and read-only afterwards.
type Registry struct {
	jobs map[Key]JobSpec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[Key]JobSpec)}
}

// Register adds a JobSpec. Registering the same key twice is a wiring
// bug and panics.
func (r *Registry) Register(spec JobSpec) {
	var key = spec.Key()
	if key.Source == "" || key.Job == "" || spec.Runner == nil {
		panic(fmt.Sprintf("incomplete job spec %q", key))
	}
	if _, ok := r.jobs[key]; ok {
		panic(fmt.Sprintf("job %q registered twice", key))
	}
	r.jobs[key] = spec
}

// Lookup resolves a (source, job) pair. Unknown pairs fail closed with
// ErrJobNotFound.
func (r *Registry) Lookup(source, job string) (JobSpec, error) {
	spec, ok := r.jobs[Key{Source: source, Job: job}]
	if !ok {
		return JobSpec{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, source, job)
	}
	return spec, nil
}

// Jobs returns all registered specs in stable order.
func (r *Registry) Jobs() []JobSpec {
	var out = make([]JobSpec, 0, len(r.jobs))
	for _, spec := range r.jobs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Job < out[j].Job
	})
	return out
}

// StuckTTLs returns the per-key TTL table used by the sweeper.
func (r *Registry) StuckTTLs() map[Key]time.Duration {
	var out = make(map[Key]time.Duration, len(r.jobs))
	for key, spec := range r.jobs {
		out[key] = spec.EffectiveStuckTTL()
	}
	return out
}
