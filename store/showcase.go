package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ShowcaseRow is one storefront catalog observation.
type ShowcaseRow struct {
	NmID         int64
	Page         int
	PriceBasic   decimal.Decimal
	PriceProduct decimal.Decimal
	SalePercent  int
	// SPPPercent is derived from (1 - price_product/price_basic) and
	// treated as a proxy for the marketplace-applied discount.
	SPPPercent *int
}

// Showcase persists storefront observations: append-only catalog
// snapshots, the wb_current_metrics latest-observed upsert, hourly
// showcase buckets, and the SPP change events those upserts emit.
type Showcase struct {
	db *pgxpool.Pool
}

// NewShowcase returns a Showcase repository over the pool.
func NewShowcase(db *pgxpool.Pool) *Showcase { return &Showcase{db: db} }

// AppendCatalogPage writes one storefront page in a single transaction:
// the append-only catalog rows, the current-metrics upserts (emitting
// wb_spp_events on SPP change inside the same transaction), and the
// hourly showcase buckets (conflicts dropped).
func (s *Showcase) AppendCatalogPage(ctx context.Context, projectID, runID int64, queryType, queryValue string, rows []ShowcaseRow, at time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var hourBucket = at.UTC().Truncate(time.Hour)
	for _, row := range rows {
		if _, err := tx.Exec(ctx, `INSERT INTO frontend_catalog_price_snapshots
			(project_id, query_type, query_value, nm_id, page, price_basic, price_product, sale_percent, ingest_run_id, snapshot_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			projectID, queryType, queryValue, row.NmID, row.Page,
			row.PriceBasic, row.PriceProduct, row.SalePercent, runID, at); err != nil {
			return fmt.Errorf("inserting catalog snapshot: %w", err)
		}
		if err := s.upsertCurrentTx(ctx, tx, projectID, runID, row); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO wb_showcase_price_snapshots
			(project_id, nm_id, hour_bucket_utc, price_showcase, spp_percent)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (project_id, nm_id, hour_bucket_utc) DO NOTHING`,
			projectID, row.NmID, hourBucket, row.PriceProduct, row.SPPPercent); err != nil {
			return fmt.Errorf("inserting showcase bucket: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpsertCurrent updates one wb_current_metrics row, emitting a
// wb_spp_events row in the same transaction when the SPP changed.
func (s *Showcase) UpsertCurrent(ctx context.Context, projectID, runID int64, row ShowcaseRow) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := s.upsertCurrentTx(ctx, tx, projectID, runID, row); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Showcase) upsertCurrentTx(ctx context.Context, tx pgx.Tx, projectID, runID int64, row ShowcaseRow) error {
	// NULL spp compares equal to NULL but distinct from any integer,
	// hence IS DISTINCT FROM. A brand-new row emits no event: there is
	// no previous observation to compare against.
	var prevSPP *int
	var changed bool
	err := tx.QueryRow(ctx, `WITH prev AS (
			SELECT current_spp_percent FROM wb_current_metrics
			WHERE project_id = $1 AND nm_id = $2
			FOR UPDATE
		), upsert AS (
			INSERT INTO wb_current_metrics (project_id, nm_id, current_price_showcase, current_spp_percent, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (project_id, nm_id) DO UPDATE SET
				current_price_showcase = EXCLUDED.current_price_showcase,
				current_spp_percent = EXCLUDED.current_spp_percent,
				updated_at = NOW()
		)
		SELECT
			(SELECT current_spp_percent FROM prev),
			EXISTS (SELECT 1 FROM prev)
				AND (SELECT current_spp_percent FROM prev) IS DISTINCT FROM $4::int`,
		projectID, row.NmID, row.PriceProduct, row.SPPPercent).Scan(&prevSPP, &changed)
	if err != nil {
		return fmt.Errorf("upserting current metrics: %w", err)
	}
	if changed {
		if _, err := tx.Exec(ctx, `INSERT INTO wb_spp_events
			(project_id, nm_id, prev_spp_percent, spp_percent, ingest_run_id)
			VALUES ($1, $2, $3, $4, $5)`,
			projectID, row.NmID, prevSPP, row.SPPPercent, runID); err != nil {
			return fmt.Errorf("inserting spp event: %w", err)
		}
	}
	return nil
}

// CurrentSPP returns the currently observed SPP for one nm.
func (s *Showcase) CurrentSPP(ctx context.Context, projectID, nmID int64) (*int, error) {
	var spp *int
	err := s.db.QueryRow(ctx, `SELECT current_spp_percent FROM wb_current_metrics
		WHERE project_id = $1 AND nm_id = $2`, projectID, nmID).Scan(&spp)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading current spp: %w", err)
	}
	return spp, nil
}
