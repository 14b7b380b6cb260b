package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

func testLogger() *log.Entry { return log.WithField("test", true) }

// memRuns is an in-memory RunStore with the same exclusion and CAS
// semantics as the Postgres implementation.
type memRuns struct {
	mu     sync.Mutex
	nextID int64
	runs   map[int64]*Run
	now    func() time.Time
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[int64]*Run), now: time.Now}
}

func (m *memRuns) clock() time.Time {
	return m.now().UTC()
}

func (m *memRuns) CreateQueued(_ context.Context, n NewRun) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var now = m.clock()
	for _, run := range m.runs {
		if run.ProjectID != n.ProjectID || run.Source != n.Source || run.Job != n.Job {
			continue
		}
		if run.Status == StatusQueued || run.Status == StatusRunning {
			if run.Stuck(now, n.StuckTTL) {
				run.Status = StatusTimeout
				run.Meta = Stats{"reason": ReasonManualStuck}
				finished := now
				run.FinishedAt = &finished
				continue
			}
			return nil, ErrActiveRunExists
		}
	}
	return m.insert(n, StatusQueued, ""), nil
}

func (m *memRuns) CreateSkippedStub(_ context.Context, n NewRun, reason string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var run = m.insert(n, StatusSkipped, reason)
	finished := m.clock()
	run.FinishedAt = &finished
	return run, nil
}

func (m *memRuns) insert(n NewRun, status Status, reason string) *Run {
	m.nextID++
	var now = m.clock()
	var run = &Run{
		ID:          m.nextID,
		ProjectID:   n.ProjectID,
		Source:      n.Source,
		Job:         n.Job,
		ScheduleID:  n.ScheduleID,
		Status:      status,
		TriggeredBy: n.TriggeredBy,
		Params:      n.Params,
		Stats:       Stats{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if reason != "" {
		run.Stats["reason"] = reason
	}
	m.runs[run.ID] = run
	return run
}

func (m *memRuns) Get(_ context.Context, id int64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	var copied = *run
	return &copied, nil
}

func (m *memRuns) List(_ context.Context, f RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if f.ProjectID != 0 && run.ProjectID != f.ProjectID {
			continue
		}
		if f.Source != "" && run.Source != f.Source {
			continue
		}
		if f.Job != "" && run.Job != f.Job {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		var copied = *run
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRuns) ListQueued(_ context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if run.Status == StatusQueued {
			var copied = *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRuns) StartRunning(_ context.Context, id int64, taskID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status != StatusQueued {
		return nil, ErrRunAlreadyRunning
	}
	var now = m.clock()
	run.Status = StatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	run.TaskID = &taskID
	var copied = *run
	return &copied, nil
}

func (m *memRuns) Heartbeat(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunNotRunning
	}
	var now = m.clock()
	run.HeartbeatAt = &now
	return nil
}

func (m *memRuns) SetProgress(_ context.Context, id int64, stats Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusRunning {
		return ErrRunNotRunning
	}
	run.Stats = run.Stats.Merge(stats)
	run.UpdatedAt = m.clock()
	return nil
}

func (m *memRuns) finish(id int64, status Status, stats Stats, errMsg, errTrace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status != StatusRunning {
		return ErrRunNotRunning
	}
	var now = m.clock()
	run.Status = status
	run.Stats = run.Stats.Merge(stats)
	run.FinishedAt = &now
	run.UpdatedAt = now
	if errMsg != "" {
		run.ErrorMessage = &errMsg
	}
	if errTrace != "" {
		run.ErrorTrace = &errTrace
	}
	return nil
}

func (m *memRuns) FinishSuccess(_ context.Context, id int64, stats Stats) error {
	return m.finish(id, StatusSuccess, stats, "", "")
}

func (m *memRuns) FinishFailed(_ context.Context, id int64, stats Stats, errMsg, errTrace string) error {
	return m.finish(id, StatusFailed, stats, errMsg, errTrace)
}

func (m *memRuns) MarkTimeout(_ context.Context, id int64, reason string, meta Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunNotRunning
	}
	var now = m.clock()
	run.Status = StatusTimeout
	run.Stats["reason"] = reason
	run.Meta = meta
	run.FinishedAt = &now
	run.UpdatedAt = now
	return nil
}

func (m *memRuns) MarkSkipped(_ context.Context, id int64, reason string, stats Stats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunNotRunning
	}
	var now = m.clock()
	run.Status = StatusSkipped
	run.Stats = run.Stats.Merge(stats)
	run.Stats["reason"] = reason
	run.FinishedAt = &now
	run.UpdatedAt = now
	return nil
}

func (m *memRuns) SweepStale(_ context.Context, defaultTTL time.Duration, ttls map[Key]time.Duration, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var now = m.clock()
	var swept int
	for _, run := range m.runs {
		if run.Status != StatusQueued && run.Status != StatusRunning {
			continue
		}
		var ttl = defaultTTL
		if override, ok := ttls[run.Key()]; ok {
			ttl = override
		}
		if !run.Stuck(now, ttl) {
			continue
		}
		run.Status = StatusTimeout
		run.Stats["reason"] = reason
		run.Meta = Stats{"swept_at": now.Format(time.RFC3339)}
		finished := now
		run.FinishedAt = &finished
		run.UpdatedAt = now
		swept++
	}
	return swept, nil
}

// memSchedules is an in-memory ScheduleStore.
type memSchedules struct {
	mu        sync.Mutex
	nextID    int64
	schedules map[int64]*Schedule
	now       func() time.Time
}

func newMemSchedules() *memSchedules {
	return &memSchedules{schedules: make(map[int64]*Schedule), now: time.Now}
}

func (m *memSchedules) Create(_ context.Context, n NewSchedule) (*Schedule, error) {
	if err := ValidateCron(n.CronExpr, n.Timezone); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	next, _ := CronNext(n.CronExpr, n.Timezone, m.now())
	var schedule = &Schedule{
		ID:        m.nextID,
		ProjectID: n.ProjectID,
		Source:    n.Source,
		Job:       n.Job,
		CronExpr:  n.CronExpr,
		Timezone:  n.Timezone,
		Enabled:   n.Enabled,
		NextRunAt: &next,
		CreatedAt: m.now(),
		UpdatedAt: m.now(),
	}
	m.schedules[schedule.ID] = schedule
	var copied = *schedule
	return &copied, nil
}

func (m *memSchedules) Get(_ context.Context, id int64) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	schedule, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	var copied = *schedule
	return &copied, nil
}

func (m *memSchedules) ListByProject(_ context.Context, projectID int64) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, schedule := range m.schedules {
		if schedule.ProjectID == projectID {
			var copied = *schedule
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memSchedules) Update(_ context.Context, s *Schedule) error {
	if err := ValidateCron(s.CronExpr, s.Timezone); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrScheduleNotFound
	}
	var copied = *s
	m.schedules[s.ID] = &copied
	return nil
}

func (m *memSchedules) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *memSchedules) Due(_ context.Context, now time.Time, limit int) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Schedule
	for _, schedule := range m.schedules {
		if !schedule.Enabled || schedule.NextRunAt == nil || schedule.NextRunAt.After(now) {
			continue
		}
		var copied = *schedule
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSchedules) AdvanceNextRun(_ context.Context, id int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	schedule, ok := m.schedules[id]
	if !ok {
		return ErrScheduleNotFound
	}
	if schedule.NextRunAt == nil || next.After(*schedule.NextRunAt) {
		schedule.NextRunAt = &next
	}
	return nil
}

var (
	_ RunStore      = (*memRuns)(nil)
	_ ScheduleStore = (*memSchedules)(nil)
)
