package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PriceRow is one admin price observation.
type PriceRow struct {
	NmID       int64
	WBPrice    decimal.Decimal
	WBDiscount int
}

// StockRow is one FBS stock observation.
type StockRow struct {
	NmID        int64
	WarehouseID int64
	Quantity    int
}

// SupplierStockRow is one FBO stock observation. Not project-scoped.
type SupplierStockRow struct {
	NmID           int64
	Barcode        string
	WarehouseName  string
	Quantity       int
	LastChangeDate time.Time
}

// RRPRow is one recommended-retail-price projection row.
type RRPRow struct {
	VendorCodeNorm string
	RRPPrice       *decimal.Decimal
	RRPStock       *int
}

// Snapshots appends immutable observation batches. All rows of one run
// share a single snapshot_at; readers self-select the latest batch.
type Snapshots struct {
	db *pgxpool.Pool
}

// NewSnapshots returns a Snapshots repository over the pool.
func NewSnapshots(db *pgxpool.Pool) *Snapshots { return &Snapshots{db: db} }

// AppendPrices writes one batch of admin price rows in one transaction.
func (s *Snapshots) AppendPrices(ctx context.Context, projectID, runID int64, rows []PriceRow, at time.Time) error {
	var batch = &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`INSERT INTO price_snapshots
			(project_id, nm_id, wb_price, wb_discount, ingest_run_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, row.NmID, row.WBPrice, row.WBDiscount, runID, at)
	}
	return s.sendBatchTx(ctx, batch)
}

// AppendStocks writes one batch of FBS stock rows.
func (s *Snapshots) AppendStocks(ctx context.Context, projectID, runID int64, rows []StockRow, at time.Time) error {
	var batch = &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`INSERT INTO stock_snapshots
			(project_id, nm_id, warehouse_id, quantity, ingest_run_id, snapshot_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, row.NmID, row.WarehouseID, row.Quantity, runID, at)
	}
	return s.sendBatchTx(ctx, batch)
}

// AppendSupplierStocks writes FBO rows, returning how many were new.
// The uniqueness constraint over (last_change_date, nm_id, barcode,
// warehouse_name) silently absorbs the restart overlap window.
func (s *Snapshots) AppendSupplierStocks(ctx context.Context, runID int64, rows []SupplierStockRow, at time.Time) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted int
	for _, row := range rows {
		tag, err := tx.Exec(ctx, `INSERT INTO supplier_stock_snapshots
			(nm_id, barcode, warehouse_name, quantity, last_change_date, ingest_run_id, snapshot_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (last_change_date, nm_id, barcode, warehouse_name) DO NOTHING`,
			row.NmID, row.Barcode, row.WarehouseName, row.Quantity, row.LastChangeDate, runID, at)
		if err != nil {
			return 0, fmt.Errorf("inserting supplier stock: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// AppendRRP writes one build_rrp_snapshots batch.
func (s *Snapshots) AppendRRP(ctx context.Context, projectID, runID int64, rows []RRPRow, at time.Time) error {
	var batch = &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`INSERT INTO rrp_snapshots
			(project_id, vendor_code_norm, rrp_price, rrp_stock, ingest_run_id, snapshot_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, row.VendorCodeNorm, row.RRPPrice, row.RRPStock, runID, at)
	}
	return s.sendBatchTx(ctx, batch)
}

// LatestRRPBatch returns the rows of the latest rrp snapshot batch.
func (s *Snapshots) LatestRRPBatch(ctx context.Context, projectID int64) ([]RRPRow, error) {
	rows, err := s.db.Query(ctx, `WITH latest AS (
			SELECT MAX(snapshot_at) AS at FROM rrp_snapshots WHERE project_id = $1
		)
		SELECT vendor_code_norm, rrp_price, rrp_stock
		FROM rrp_snapshots, latest
		WHERE project_id = $1 AND snapshot_at = latest.at
		ORDER BY vendor_code_norm`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reading latest rrp batch: %w", err)
	}
	defer rows.Close()
	var out []RRPRow
	for rows.Next() {
		var row RRPRow
		if err := rows.Scan(&row.VendorCodeNorm, &row.RRPPrice, &row.RRPStock); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MaxSupplierLastChange returns the newest observed last_change_date,
// used to resume FBO pagination after a crash.
func (s *Snapshots) MaxSupplierLastChange(ctx context.Context) (*time.Time, error) {
	var max *time.Time
	if err := s.db.QueryRow(ctx,
		`SELECT MAX(last_change_date) FROM supplier_stock_snapshots`).Scan(&max); err != nil {
		return nil, fmt.Errorf("reading max last_change_date: %w", err)
	}
	return max, nil
}

func (s *Snapshots) sendBatchTx(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var br = tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
