package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FinanceReport is one Wildberries realization report header.
type FinanceReport struct {
	ProjectID  int64
	ReportID   int64
	PeriodFrom time.Time
	PeriodTo   time.Time
	Currency   string
}

// FinanceLine is one report line with its payload stored verbatim for
// future re-projection; only the handful of fields the core needs are
// extracted into columns.
type FinanceLine struct {
	RrdID   *int64
	NmID    *int64
	Payload json.RawMessage
}

// Finance persists finance reports, tariffs, and tax statements.
type Finance struct {
	db *pgxpool.Pool
}

// NewFinance returns a Finance repository over the pool.
func NewFinance(db *pgxpool.Pool) *Finance { return &Finance{db: db} }

// SaveReport writes a report header and its lines in one transaction.
// Re-ingesting an existing (project, report_id) replaces its lines.
func (f *Finance) SaveReport(ctx context.Context, runID int64, report FinanceReport, lines []FinanceLine) error {
	tx, err := f.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO wb_finance_reports
		(project_id, report_id, period_from, period_to, currency, ingest_run_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_id, report_id) DO UPDATE SET
			period_from = EXCLUDED.period_from,
			period_to = EXCLUDED.period_to,
			currency = EXCLUDED.currency,
			ingest_run_id = EXCLUDED.ingest_run_id`,
		report.ProjectID, report.ReportID, report.PeriodFrom, report.PeriodTo,
		report.Currency, runID); err != nil {
		return fmt.Errorf("upserting finance report: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM wb_finance_report_lines
		WHERE project_id = $1 AND report_id = $2`,
		report.ProjectID, report.ReportID); err != nil {
		return fmt.Errorf("clearing finance lines: %w", err)
	}

	var batch = &pgx.Batch{}
	for _, line := range lines {
		batch.Queue(`INSERT INTO wb_finance_report_lines
			(project_id, report_id, rrd_id, nm_id, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			report.ProjectID, report.ReportID, line.RrdID, line.NmID, line.Payload)
	}
	if batch.Len() > 0 {
		var br = tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("inserting finance line %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("closing batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveTariffs appends one global tariff payload.
func (f *Finance) SaveTariffs(ctx context.Context, kind string, payload json.RawMessage, at time.Time) error {
	if _, err := f.db.Exec(ctx, `INSERT INTO wb_tariffs (tariff_kind, payload, snapshot_at)
		VALUES ($1, $2, $3)`, kind, payload, at); err != nil {
		return fmt.Errorf("inserting tariffs: %w", err)
	}
	return nil
}

// SaveTaxStatement upserts the derived per-period tax aggregates.
func (f *Finance) SaveTaxStatement(ctx context.Context, projectID int64, periodID string, totals json.RawMessage) error {
	if _, err := f.db.Exec(ctx, `INSERT INTO tax_statements (project_id, period_id, totals)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, period_id) DO UPDATE SET
			totals = EXCLUDED.totals, created_at = NOW()`,
		projectID, periodID, totals); err != nil {
		return fmt.Errorf("upserting tax statement: %w", err)
	}
	return nil
}

// LineTotals aggregates finance lines for a period across reports whose
// period overlaps [from, to].
func (f *Finance) LineTotals(ctx context.Context, projectID int64, from, to time.Time) (count int, err error) {
	err = f.db.QueryRow(ctx, `SELECT COUNT(*)
		FROM wb_finance_report_lines l
		JOIN wb_finance_reports r
		  ON r.project_id = l.project_id AND r.report_id = l.report_id
		WHERE l.project_id = $1 AND r.period_from <= $3 AND r.period_to >= $2`,
		projectID, from, to).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting finance lines: %w", err)
	}
	return count, nil
}
