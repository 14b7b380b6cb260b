package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sellerhub/sellerhub/ingest"
)

const runColumns = `id, schedule_id, project_id, source_code, job_code, status, triggered_by,
	params, stats, meta, error_message, error_trace, task_id,
	created_at, started_at, finished_at, heartbeat_at, updated_at, duration_ms`

// Runs is the Postgres ingest.RunStore. Exclusion combines the partial
// uniqueness index on running rows with a transaction-scoped advisory
// lock taken at create time.
type Runs struct {
	db *pgxpool.Pool
}

// NewRuns returns a Runs repository over the pool.
func NewRuns(db *pgxpool.Pool) *Runs { return &Runs{db: db} }

var _ ingest.RunStore = (*Runs)(nil)

// CreateQueued inserts a queued run under the (project, source, job)
// advisory lock. A conflicting active run that is stuck (no liveness
// within n.StuckTTL) is taken over: marked timeout inside the same
// transaction before the insert. Commit releases the lock.
func (r *Runs) CreateQueued(ctx context.Context, n ingest.NewRun) (*ingest.Run, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`,
		AdvisoryKey(n.ProjectID, n.Source, n.Job)).Scan(&locked); err != nil {
		return nil, fmt.Errorf("taking advisory lock: %w", err)
	}
	if !locked {
		return nil, ingest.ErrLockNotAcquired
	}

	// Inside the lock: look for an active row, taking over stuck ones.
	rows, err := tx.Query(ctx, `SELECT `+runColumns+` FROM ingest_runs
		WHERE project_id = $1 AND source_code = $2 AND job_code = $3
		  AND status IN ('queued', 'running')
		FOR UPDATE`, n.ProjectID, n.Source, n.Job)
	if err != nil {
		return nil, fmt.Errorf("querying active runs: %w", err)
	}
	active, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	var now = time.Now().UTC()
	for _, prev := range active {
		if n.StuckTTL <= 0 || !prev.Stuck(now, n.StuckTTL) {
			return nil, fmt.Errorf("%w: run %d is %s", ingest.ErrActiveRunExists, prev.ID, prev.Status)
		}
		meta, _ := json.Marshal(ingest.Stats{
			"timed_out_by": "create_conflict",
			"timed_out_at": now.Format(time.RFC3339),
			"stuck_ttl_seconds": int(n.StuckTTL / time.Second),
		})
		if _, err := tx.Exec(ctx, `UPDATE ingest_runs
			SET status = 'timeout', finished_at = NOW(), updated_at = NOW(),
			    stats = stats || jsonb_build_object('ok', false, 'reason', $2::text),
			    meta = meta || $3::jsonb
			WHERE id = $1`, prev.ID, ingest.ReasonManualStuck, meta); err != nil {
			return nil, fmt.Errorf("taking over stuck run %d: %w", prev.ID, err)
		}
	}

	var params = n.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	row := tx.QueryRow(ctx, `INSERT INTO ingest_runs
		(schedule_id, project_id, source_code, job_code, status, triggered_by, params, heartbeat_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, NOW())
		RETURNING `+runColumns,
		n.ScheduleID, n.ProjectID, n.Source, n.Job, string(n.TriggeredBy), params)
	run, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ingest.ErrActiveRunExists
		}
		return nil, fmt.Errorf("inserting queued run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return run, nil
}

// CreateSkippedStub records an exclusion-rejected scheduled fire.
func (r *Runs) CreateSkippedStub(ctx context.Context, n ingest.NewRun, reason string) (*ingest.Run, error) {
	stats, _ := json.Marshal(ingest.Stats{"ok": false, "reason": reason})
	row := r.db.QueryRow(ctx, `INSERT INTO ingest_runs
		(schedule_id, project_id, source_code, job_code, status, triggered_by, params, stats, finished_at)
		VALUES ($1, $2, $3, $4, 'skipped', $5, '{}'::jsonb, $6, NOW())
		RETURNING `+runColumns,
		n.ScheduleID, n.ProjectID, n.Source, n.Job, string(n.TriggeredBy), stats)
	return scanRun(row)
}

// Get returns one run by id.
func (r *Runs) Get(ctx context.Context, id int64) (*ingest.Run, error) {
	row := r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM ingest_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ingest.ErrRunNotFound
	}
	return run, err
}

// List returns runs matching the filter, newest first.
func (r *Runs) List(ctx context.Context, f ingest.RunFilter) ([]*ingest.Run, error) {
	var where = []string{"project_id = $1"}
	var args = []any{f.ProjectID}
	if f.Source != "" {
		args = append(args, f.Source)
		where = append(where, fmt.Sprintf("source_code = $%d", len(args)))
	}
	if f.Job != "" {
		args = append(args, f.Job)
		where = append(where, fmt.Sprintf("job_code = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	var limit = f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT `+runColumns+` FROM ingest_runs WHERE %s
		 ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return scanRuns(rows)
}

// ListQueued returns claimable queued runs, oldest first.
func (r *Runs) ListQueued(ctx context.Context, limit int) ([]*ingest.Run, error) {
	rows, err := r.db.Query(ctx, `SELECT `+runColumns+` FROM ingest_runs
		WHERE status = 'queued' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing queued runs: %w", err)
	}
	return scanRuns(rows)
}

// StartRunning is the queued -> running compare-and-set. It races
// cleanly against other workers and against sweepers: whoever loses the
// CAS gets ErrRunAlreadyRunning.
func (r *Runs) StartRunning(ctx context.Context, id int64, taskID string) (*ingest.Run, error) {
	row := r.db.QueryRow(ctx, `UPDATE ingest_runs
		SET status = 'running', started_at = NOW(), heartbeat_at = NOW(),
		    updated_at = NOW(), task_id = $2
		WHERE id = $1 AND status = 'queued'
		RETURNING `+runColumns, id, taskID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ingest.ErrRunAlreadyRunning
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Partial unique index on running rows: exclusion guarded a
			// second time at start.
			return nil, ingest.ErrRunAlreadyRunning
		}
		return nil, fmt.Errorf("start transition: %w", err)
	}
	return run, nil
}

// Heartbeat touches heartbeat_at on an active run.
func (r *Runs) Heartbeat(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotRunning
	}
	return nil
}

// SetProgress overwrites the stats blob while running.
func (r *Runs) SetProgress(ctx context.Context, id int64, stats ingest.Stats) error {
	blob, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
		SET stats = stats || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id, blob)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotRunning
	}
	return nil
}

// FinishSuccess finalizes a running run as success (CAS from running).
func (r *Runs) FinishSuccess(ctx context.Context, id int64, stats ingest.Stats) error {
	return r.finish(ctx, id, ingest.StatusSuccess, stats, "", "")
}

// FinishFailed finalizes a running run as failed (CAS from running).
func (r *Runs) FinishFailed(ctx context.Context, id int64, stats ingest.Stats, errMsg, errTrace string) error {
	return r.finish(ctx, id, ingest.StatusFailed, stats, errMsg, errTrace)
}

func (r *Runs) finish(ctx context.Context, id int64, status ingest.Status, stats ingest.Stats, errMsg, errTrace string) error {
	blob, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
		SET status = $2, stats = stats || $3::jsonb,
		    error_message = NULLIF($4, ''), error_trace = NULLIF($5, ''),
		    finished_at = NOW(), updated_at = NOW(),
		    duration_ms = (EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000)::bigint
		WHERE id = $1 AND status = 'running'`,
		id, string(status), blob, errMsg, errTrace)
	if err != nil {
		return fmt.Errorf("finish transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotRunning
	}
	return nil
}

// MarkTimeout forces an active run to timeout, recording who did it.
func (r *Runs) MarkTimeout(ctx context.Context, id int64, reason string, meta ingest.Stats) error {
	blob, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling meta: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
		SET status = 'timeout', finished_at = NOW(), updated_at = NOW(),
		    stats = stats || jsonb_build_object('ok', false, 'reason', $2::text),
		    meta = meta || $3::jsonb
		WHERE id = $1 AND status IN ('queued', 'running')`, id, reason, blob)
	if err != nil {
		return fmt.Errorf("mark timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotRunning
	}
	return nil
}

// MarkSkipped finalizes an active run as skipped, keeping any stats the
// runner accumulated before giving up.
func (r *Runs) MarkSkipped(ctx context.Context, id int64, reason string, stats ingest.Stats) error {
	if stats == nil {
		stats = ingest.Stats{}
	}
	blob, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}
	tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
		SET status = 'skipped', finished_at = NOW(), updated_at = NOW(),
		    stats = stats || $3::jsonb || jsonb_build_object('ok', false, 'reason', $2::text)
		WHERE id = $1 AND status IN ('queued', 'running')`, id, reason, blob)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotRunning
	}
	return nil
}

// SweepStale marks active rows without recent liveness as timeout. The
// per-key TTLs come from the registry; the threshold is re-checked in
// SQL so a run that heartbeats between the read and the write survives.
func (r *Runs) SweepStale(ctx context.Context, defaultTTL time.Duration, ttls map[ingest.Key]time.Duration, reason string) (int, error) {
	rows, err := r.db.Query(ctx, `SELECT `+runColumns+` FROM ingest_runs
		WHERE status IN ('queued', 'running')`)
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}
	active, err := scanRuns(rows)
	if err != nil {
		return 0, err
	}

	var now = time.Now().UTC()
	var swept int
	for _, run := range active {
		var ttl = defaultTTL
		if v, ok := ttls[run.Key()]; ok {
			ttl = v
		}
		if !run.Stuck(now, ttl) {
			continue
		}
		meta, _ := json.Marshal(ingest.Stats{
			"timed_out_by":      "sweeper",
			"timed_out_at":      now.Format(time.RFC3339),
			"stuck_ttl_seconds": int(ttl / time.Second),
		})
		tag, err := r.db.Exec(ctx, `UPDATE ingest_runs
			SET status = 'timeout', finished_at = NOW(), updated_at = NOW(),
			    stats = stats || jsonb_build_object('ok', false, 'reason', $2::text),
			    meta = meta || $3::jsonb
			WHERE id = $1 AND status IN ('queued', 'running')
			  AND GREATEST(heartbeat_at, updated_at, started_at, created_at) < NOW() - $4::interval`,
			run.ID, reason, meta, ttl.String())
		if err != nil {
			return swept, fmt.Errorf("sweeping run %d: %w", run.ID, err)
		}
		swept += int(tag.RowsAffected())
	}
	return swept, nil
}

func scanRun(row pgx.Row) (*ingest.Run, error) {
	var run ingest.Run
	var triggeredBy, status string
	var stats, meta []byte
	if err := row.Scan(
		&run.ID, &run.ScheduleID, &run.ProjectID, &run.Source, &run.Job, &status, &triggeredBy,
		&run.Params, &stats, &meta, &run.ErrorMessage, &run.ErrorTrace, &run.TaskID,
		&run.CreatedAt, &run.StartedAt, &run.FinishedAt, &run.HeartbeatAt, &run.UpdatedAt, &run.DurationMS,
	); err != nil {
		return nil, err
	}
	run.Status = ingest.Status(status)
	run.TriggeredBy = ingest.TriggeredBy(triggeredBy)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &run.Stats); err != nil {
			return nil, fmt.Errorf("unmarshaling stats: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &run.Meta); err != nil {
			return nil, fmt.Errorf("unmarshaling meta: %w", err)
		}
	}
	return &run, nil
}

func scanRuns(rows pgx.Rows) ([]*ingest.Run, error) {
	defer rows.Close()
	var out []*ingest.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
