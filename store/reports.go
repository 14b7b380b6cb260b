package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DiscrepancyRow compares the latest admin price observation of a card
// against its recommended retail price and the latest showcase
// observation.
type DiscrepancyRow struct {
	NmID            int64            `json:"nm_id"`
	VendorCode      string           `json:"vendor_code"`
	Title           string           `json:"title"`
	WBPrice         *decimal.Decimal `json:"wb_price"`
	WBDiscount      *int             `json:"wb_discount"`
	PriceShowcase   *decimal.Decimal `json:"price_showcase"`
	SPPPercent      *int             `json:"spp_percent"`
	RRPPrice        *decimal.Decimal `json:"rrp_price"`
	DeviationPct    *decimal.Decimal `json:"deviation_pct"`
	BelowRRP        bool             `json:"below_rrp"`
	PriceObservedAt *time.Time       `json:"price_observed_at"`
}

// DashboardKPIs summarizes ingestion freshness and coverage for one
// project.
type DashboardKPIs struct {
	Products            int        `json:"products"`
	ProductsWithPrice   int        `json:"products_with_price"`
	ProductsWithRRP     int        `json:"products_with_rrp"`
	ProductsBelowRRP    int        `json:"products_below_rrp"`
	LastPriceSnapshotAt *time.Time `json:"last_price_snapshot_at"`
	LastStockSnapshotAt *time.Time `json:"last_stock_snapshot_at"`
	LastRRPSnapshotAt   *time.Time `json:"last_rrp_snapshot_at"`
	LastShowcaseAt      *time.Time `json:"last_showcase_at"`
}

// Reports serves the derived read models over the snapshot tables.
// Every read self-selects the latest batch per source via MAX(snapshot
// time) subqueries; nothing here mutates state.
type Reports struct {
	db *pgxpool.Pool
}

// NewReports returns a Reports repository over the pool.
func NewReports(db *pgxpool.Pool) *Reports { return &Reports{db: db} }

// NormalizeVendorCode is the canonical vendor code form used to join
// Wildberries cards against Internal Data SKUs: trimmed and lowercased.
func NormalizeVendorCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// PriceDiscrepancy joins each card's latest admin price against the
// latest rrp batch (matched on normalized vendor code) and the current
// showcase metrics. Cards without an RRP match are included with a null
// rrp_price so the caller can see coverage gaps.
func (r *Reports) PriceDiscrepancy(ctx context.Context, projectID int64) ([]DiscrepancyRow, error) {
	rows, err := r.db.Query(ctx, `WITH latest_price AS (
			SELECT DISTINCT ON (nm_id) nm_id, wb_price, wb_discount, created_at
			FROM price_snapshots
			WHERE project_id = $1
			ORDER BY nm_id, created_at DESC
		), latest_rrp AS (
			SELECT vendor_code_norm, rrp_price
			FROM rrp_snapshots
			WHERE project_id = $1
			  AND snapshot_at = (SELECT MAX(snapshot_at) FROM rrp_snapshots WHERE project_id = $1)
		)
		SELECT p.nm_id, p.vendor_code, p.title,
			lp.wb_price, lp.wb_discount, lp.created_at,
			cm.current_price_showcase, cm.current_spp_percent,
			lr.rrp_price
		FROM wb_products p
		LEFT JOIN latest_price lp ON lp.nm_id = p.nm_id
		LEFT JOIN latest_rrp lr ON lr.vendor_code_norm = LOWER(TRIM(p.vendor_code))
		LEFT JOIN wb_current_metrics cm ON cm.project_id = p.project_id AND cm.nm_id = p.nm_id
		WHERE p.project_id = $1
		ORDER BY p.nm_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reading price discrepancy: %w", err)
	}
	defer rows.Close()

	var out []DiscrepancyRow
	for rows.Next() {
		var row DiscrepancyRow
		if err := rows.Scan(&row.NmID, &row.VendorCode, &row.Title,
			&row.WBPrice, &row.WBDiscount, &row.PriceObservedAt,
			&row.PriceShowcase, &row.SPPPercent, &row.RRPPrice); err != nil {
			return nil, err
		}
		row.DeviationPct = deviation(row.PriceShowcase, row.WBPrice, row.RRPPrice)
		if row.DeviationPct != nil && row.DeviationPct.IsNegative() {
			row.BelowRRP = true
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// deviation computes (effective - rrp) / rrp * 100, preferring the
// showcase price as the effective price when observed.
func deviation(showcase, admin, rrp *decimal.Decimal) *decimal.Decimal {
	if rrp == nil || rrp.IsZero() {
		return nil
	}
	var effective = showcase
	if effective == nil {
		effective = admin
	}
	if effective == nil {
		return nil
	}
	var d = effective.Sub(*rrp).Div(*rrp).Mul(decimal.NewFromInt(100)).Round(2)
	return &d
}

// Dashboard computes the project's freshness and coverage KPIs.
func (r *Reports) Dashboard(ctx context.Context, projectID int64) (*DashboardKPIs, error) {
	var k DashboardKPIs
	err := r.db.QueryRow(ctx, `SELECT
			(SELECT COUNT(*) FROM wb_products WHERE project_id = $1),
			(SELECT COUNT(DISTINCT nm_id) FROM price_snapshots WHERE project_id = $1),
			(SELECT MAX(created_at) FROM price_snapshots WHERE project_id = $1),
			(SELECT MAX(snapshot_at) FROM stock_snapshots WHERE project_id = $1),
			(SELECT MAX(snapshot_at) FROM rrp_snapshots WHERE project_id = $1),
			(SELECT MAX(snapshot_at) FROM frontend_catalog_price_snapshots WHERE project_id = $1)`,
		projectID).Scan(&k.Products, &k.ProductsWithPrice,
		&k.LastPriceSnapshotAt, &k.LastStockSnapshotAt, &k.LastRRPSnapshotAt, &k.LastShowcaseAt)
	if err != nil {
		return nil, fmt.Errorf("reading dashboard counters: %w", err)
	}

	if k.LastRRPSnapshotAt != nil {
		err = r.db.QueryRow(ctx, `WITH latest_rrp AS (
				SELECT vendor_code_norm, rrp_price
				FROM rrp_snapshots
				WHERE project_id = $1
				  AND snapshot_at = (SELECT MAX(snapshot_at) FROM rrp_snapshots WHERE project_id = $1)
				  AND rrp_price IS NOT NULL
			), latest_price AS (
				SELECT DISTINCT ON (nm_id) nm_id, wb_price
				FROM price_snapshots
				WHERE project_id = $1
				ORDER BY nm_id, created_at DESC
			)
			SELECT COUNT(*) FILTER (WHERE lr.rrp_price IS NOT NULL),
				COUNT(*) FILTER (WHERE lp.wb_price < lr.rrp_price)
			FROM wb_products p
			LEFT JOIN latest_rrp lr ON lr.vendor_code_norm = LOWER(TRIM(p.vendor_code))
			LEFT JOIN latest_price lp ON lp.nm_id = p.nm_id
			WHERE p.project_id = $1`,
			projectID).Scan(&k.ProductsWithRRP, &k.ProductsBelowRRP)
		if err != nil {
			return nil, fmt.Errorf("reading rrp coverage: %w", err)
		}
	}
	return &k, nil
}
