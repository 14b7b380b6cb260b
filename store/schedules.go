package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sellerhub/sellerhub/ingest"
)

const scheduleColumns = `id, project_id, source_code, job_code, cron_expr, timezone,
	enabled, next_run_at, created_at, updated_at`

// Schedules is the Postgres ingest.ScheduleStore. Cron expressions and
// timezones are validated on every write; next_run_at never moves
// backward.
type Schedules struct {
	db *pgxpool.Pool
}

// NewSchedules returns a Schedules repository over the pool.
func NewSchedules(db *pgxpool.Pool) *Schedules { return &Schedules{db: db} }

var _ ingest.ScheduleStore = (*Schedules)(nil)

// Create validates and inserts a schedule, seeding next_run_at with the
// first upcoming cron instant.
func (s *Schedules) Create(ctx context.Context, n ingest.NewSchedule) (*ingest.Schedule, error) {
	if n.Timezone == "" {
		n.Timezone = "UTC"
	}
	if err := ingest.ValidateCron(n.CronExpr, n.Timezone); err != nil {
		return nil, err
	}
	next, err := ingest.CronNext(n.CronExpr, n.Timezone, time.Now())
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `INSERT INTO ingest_schedules
		(project_id, source_code, job_code, cron_expr, timezone, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+scheduleColumns,
		n.ProjectID, n.Source, n.Job, n.CronExpr, n.Timezone, n.Enabled, next)
	sched, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("enabled schedule for %s/%s already exists", n.Source, n.Job)
		}
		return nil, fmt.Errorf("creating schedule: %w", err)
	}
	return sched, nil
}

// Get returns one schedule by id.
func (s *Schedules) Get(ctx context.Context, id int64) (*ingest.Schedule, error) {
	row := s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM ingest_schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingest.ErrScheduleNotFound
	}
	return sched, err
}

// ListByProject returns a project's schedules.
func (s *Schedules) ListByProject(ctx context.Context, projectID int64) ([]*ingest.Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM ingest_schedules
		WHERE project_id = $1 ORDER BY source_code, job_code`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	return scanSchedules(rows)
}

// Update rewrites the mutable fields, re-validating the cron expression
// and recomputing next_run_at.
func (s *Schedules) Update(ctx context.Context, sched *ingest.Schedule) error {
	if err := ingest.ValidateCron(sched.CronExpr, sched.Timezone); err != nil {
		return err
	}
	next, err := ingest.CronNext(sched.CronExpr, sched.Timezone, time.Now())
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE ingest_schedules
		SET cron_expr = $2, timezone = $3, enabled = $4, next_run_at = $5, updated_at = NOW()
		WHERE id = $1`,
		sched.ID, sched.CronExpr, sched.Timezone, sched.Enabled, next)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("enabled schedule for %s/%s already exists", sched.Source, sched.Job)
		}
		return fmt.Errorf("updating schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrScheduleNotFound
	}
	return nil
}

// Delete removes a schedule; its runs keep a nulled schedule_id.
func (s *Schedules) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM ingest_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrScheduleNotFound
	}
	return nil
}

// Due returns enabled schedules whose next_run_at has passed.
func (s *Schedules) Due(ctx context.Context, now time.Time, limit int) ([]*ingest.Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM ingest_schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	return scanSchedules(rows)
}

// AdvanceNextRun moves next_run_at forward. The GREATEST guard keeps
// the advancement monotonic under concurrent pushes.
func (s *Schedules) AdvanceNextRun(ctx context.Context, id int64, next time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE ingest_schedules
		SET next_run_at = GREATEST(next_run_at, $2), updated_at = NOW()
		WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("advancing next_run_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*ingest.Schedule, error) {
	var sched ingest.Schedule
	if err := row.Scan(
		&sched.ID, &sched.ProjectID, &sched.Source, &sched.Job, &sched.CronExpr, &sched.Timezone,
		&sched.Enabled, &sched.NextRunAt, &sched.CreatedAt, &sched.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sched, nil
}

func scanSchedules(rows pgx.Rows) ([]*ingest.Schedule, error) {
	defer rows.Close()
	var out []*ingest.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}
