package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Product is one Wildberries card owned by a project.
type Product struct {
	ProjectID  int64
	NmID       int64
	ImtID      *int64
	VendorCode string
	Brand      string
	Title      string
	Payload    json.RawMessage
}

// Warehouse is one seller (FBS) warehouse observation.
type Warehouse struct {
	ProjectID   int64
	WarehouseID int64
	OfficeID    *int64
	Name        string
}

// Products persists Wildberries cards and warehouses.
type Products struct {
	db *pgxpool.Pool
}

// NewProducts returns a Products repository over the pool.
func NewProducts(db *pgxpool.Pool) *Products { return &Products{db: db} }

// UpsertBatch writes one page of cards, keyed on (project, nm_id).
func (p *Products) UpsertBatch(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	var batch = &pgx.Batch{}
	for _, prod := range products {
		var payload = prod.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		batch.Queue(`INSERT INTO wb_products
			(project_id, nm_id, imt_id, vendor_code, brand, title, payload, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (project_id, nm_id) DO UPDATE SET
				imt_id = EXCLUDED.imt_id,
				vendor_code = EXCLUDED.vendor_code,
				brand = EXCLUDED.brand,
				title = EXCLUDED.title,
				payload = EXCLUDED.payload,
				updated_at = NOW()`,
			prod.ProjectID, prod.NmID, prod.ImtID, prod.VendorCode, prod.Brand, prod.Title, payload)
	}
	return p.sendBatch(ctx, batch)
}

// CountByProject returns how many cards the project owns.
func (p *Products) CountByProject(ctx context.Context, projectID int64) (int, error) {
	var n int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM wb_products WHERE project_id = $1`,
		projectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting products: %w", err)
	}
	return n, nil
}

// NmIDsByProject returns the project's nm_ids.
func (p *Products) NmIDsByProject(ctx context.Context, projectID int64) ([]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT nm_id FROM wb_products WHERE project_id = $1 ORDER BY nm_id`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("listing nm ids: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BarcodeIndex maps each barcode the project's cards declare (under
// payload sizes[].skus[]) to its nm_id. Input for the FBS stocks
// refresh, which queries the marketplace by barcode.
func (p *Products) BarcodeIndex(ctx context.Context, projectID int64) (map[string]int64, error) {
	rows, err := p.db.Query(ctx, `SELECT p.nm_id, sku.value
		FROM wb_products p,
			LATERAL jsonb_array_elements(COALESCE(p.payload->'sizes', '[]'::jsonb)) AS sz,
			LATERAL jsonb_array_elements_text(COALESCE(sz->'skus', '[]'::jsonb)) AS sku
		WHERE p.project_id = $1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("reading barcode index: %w", err)
	}
	defer rows.Close()
	var out = make(map[string]int64)
	for rows.Next() {
		var nmID int64
		var barcode string
		if err := rows.Scan(&nmID, &barcode); err != nil {
			return nil, err
		}
		out[barcode] = nmID
	}
	return out, rows.Err()
}

// LatestWarehouses returns the newest warehouse snapshot batch.
func (p *Products) LatestWarehouses(ctx context.Context, projectID int64) ([]Warehouse, error) {
	rows, err := p.db.Query(ctx, `SELECT project_id, warehouse_id, office_id, name
		FROM wb_warehouses
		WHERE project_id = $1
		  AND snapshot_at = (SELECT MAX(snapshot_at) FROM wb_warehouses WHERE project_id = $1)
		ORDER BY warehouse_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing warehouses: %w", err)
	}
	defer rows.Close()
	var out []Warehouse
	for rows.Next() {
		var wh Warehouse
		if err := rows.Scan(&wh.ProjectID, &wh.WarehouseID, &wh.OfficeID, &wh.Name); err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// ReplaceWarehouses writes a fresh warehouse snapshot batch for the
// project; readers take the latest snapshot_at.
func (p *Products) ReplaceWarehouses(ctx context.Context, projectID int64, warehouses []Warehouse, snapshotAt time.Time) error {
	var batch = &pgx.Batch{}
	for _, wh := range warehouses {
		batch.Queue(`INSERT INTO wb_warehouses (project_id, warehouse_id, office_id, name, snapshot_at)
			VALUES ($1, $2, $3, $4, $5)`,
			projectID, wh.WarehouseID, wh.OfficeID, wh.Name, snapshotAt)
	}
	return p.sendBatch(ctx, batch)
}

func (p *Products) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	var br = p.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return nil
}
