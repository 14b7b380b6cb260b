package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Internal Data snapshot statuses.
const (
	InternalStatusSuccess = "success"
	InternalStatusPartial = "partial"
	InternalStatusError   = "error"
)

// ErrNoInternalSnapshot means the project has no usable Internal Data
// snapshot yet.
var ErrNoInternalSnapshot = errors.New("no internal data snapshot")

// InternalSettings is the per-project Internal Data source
// configuration. One row per project, mutated via PUT only.
type InternalSettings struct {
	ProjectID      int64           `json:"project_id"`
	Mode           string          `json:"mode"` // url or upload
	SourceURL      *string         `json:"source_url"`
	FilePath       *string         `json:"file_path"`
	MappingJSON    json.RawMessage `json:"mapping_json"`
	LastTestStatus *string         `json:"last_test_status"`
	LastTestError  *string         `json:"last_test_error"`
	LastSyncStatus *string         `json:"last_sync_status"`
	LastSyncAt     *time.Time      `json:"last_sync_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InternalRow is one validated catalog row ready for persistence.
type InternalRow struct {
	SKU         string
	Title       string
	RRP         *decimal.Decimal
	RRPStock    *int
	Cost        *decimal.Decimal
	Identifiers map[string]string // marketplace_code -> external id
}

// InternalRowError is one row-level validation failure.
type InternalRowError struct {
	RowNumber int    `json:"row_number"`
	Code      string `json:"code"`
	Field     string `json:"field"`
	Detail    string `json:"detail"`
}

// InternalSnapshot is a version-numbered snapshot header.
type InternalSnapshot struct {
	ID           int64     `json:"id"`
	ProjectID    int64     `json:"project_id"`
	Version      int       `json:"version"`
	Status       string    `json:"status"`
	RowsTotal    int       `json:"rows_total"`
	RowsImported int       `json:"rows_imported"`
	RowsFailed   int       `json:"rows_failed"`
	SnapshotAt   time.Time `json:"snapshot_at"`
}

// InternalData persists Internal Data settings, snapshots and the
// category tree.
type InternalData struct {
	db *pgxpool.Pool
}

// NewInternalData returns an InternalData repository over the pool.
func NewInternalData(db *pgxpool.Pool) *InternalData { return &InternalData{db: db} }

// GetSettings returns the project's settings row, or a default one.
func (d *InternalData) GetSettings(ctx context.Context, projectID int64) (*InternalSettings, error) {
	var s InternalSettings
	err := d.db.QueryRow(ctx, `SELECT project_id, mode, source_url, file_path, mapping_json,
			last_test_status, last_test_error, last_sync_status, last_sync_at, updated_at
		FROM internal_data_settings WHERE project_id = $1`, projectID).
		Scan(&s.ProjectID, &s.Mode, &s.SourceURL, &s.FilePath, &s.MappingJSON,
			&s.LastTestStatus, &s.LastTestError, &s.LastSyncStatus, &s.LastSyncAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &InternalSettings{
			ProjectID:   projectID,
			Mode:        "url",
			MappingJSON: json.RawMessage(`{}`),
			UpdatedAt:   time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading internal data settings: %w", err)
	}
	return &s, nil
}

// PutSettings replaces the settings row.
func (d *InternalData) PutSettings(ctx context.Context, s *InternalSettings) error {
	var mapping = s.MappingJSON
	if len(mapping) == 0 {
		mapping = json.RawMessage(`{}`)
	}
	_, err := d.db.Exec(ctx, `INSERT INTO internal_data_settings
		(project_id, mode, source_url, file_path, mapping_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			source_url = EXCLUDED.source_url,
			file_path = COALESCE(EXCLUDED.file_path, internal_data_settings.file_path),
			mapping_json = EXCLUDED.mapping_json,
			updated_at = NOW()`,
		s.ProjectID, s.Mode, s.SourceURL, s.FilePath, mapping)
	if err != nil {
		return fmt.Errorf("writing internal data settings: %w", err)
	}
	return nil
}

// SetTestStatus atomically records the last source test outcome.
func (d *InternalData) SetTestStatus(ctx context.Context, projectID int64, status string, testErr string) error {
	_, err := d.db.Exec(ctx, `INSERT INTO internal_data_settings (project_id, last_test_status, last_test_error, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			last_test_status = EXCLUDED.last_test_status,
			last_test_error = EXCLUDED.last_test_error,
			updated_at = NOW()`, projectID, status, testErr)
	if err != nil {
		return fmt.Errorf("writing test status: %w", err)
	}
	return nil
}

// SaveSnapshot persists a parsed and validated Internal Data batch in a
// single transaction: the version-numbered snapshot header, the product
// rows with their identifiers, prices and costs (bulk upsert), the
// row-level errors, and the settings sync status.
func (d *InternalData) SaveSnapshot(ctx context.Context, projectID, runID int64, status string, rows []InternalRow, rowErrors []InternalRowError, rowsTotal int, at time.Time) (*InternalSnapshot, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var snap = InternalSnapshot{
		ProjectID:    projectID,
		Status:       status,
		RowsTotal:    rowsTotal,
		RowsImported: len(rows),
		RowsFailed:   len(rowErrors),
		SnapshotAt:   at,
	}
	if err := tx.QueryRow(ctx, `INSERT INTO internal_data_snapshots
		(project_id, version, status, rows_total, rows_imported, rows_failed, ingest_run_id, snapshot_at)
		VALUES ($1,
			COALESCE((SELECT MAX(version) FROM internal_data_snapshots WHERE project_id = $1), 0) + 1,
			$2, $3, $4, $5, $6, $7)
		RETURNING id, version`,
		projectID, status, rowsTotal, len(rows), len(rowErrors), runID, at).
		Scan(&snap.ID, &snap.Version); err != nil {
		return nil, fmt.Errorf("inserting snapshot header: %w", err)
	}

	for _, row := range rows {
		var productID int64
		if err := tx.QueryRow(ctx, `INSERT INTO internal_products
			(project_id, snapshot_id, internal_sku, title)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			ON CONFLICT (project_id, snapshot_id, internal_sku) DO UPDATE SET
				title = EXCLUDED.title
			RETURNING id`,
			projectID, snap.ID, row.SKU, row.Title).Scan(&productID); err != nil {
			return nil, fmt.Errorf("upserting product %q: %w", row.SKU, err)
		}
		if row.RRP != nil || row.RRPStock != nil {
			if _, err := tx.Exec(ctx, `INSERT INTO internal_product_prices
				(project_id, snapshot_id, internal_product_id, rrp, rrp_stock)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (snapshot_id, internal_product_id) DO UPDATE SET
					rrp = EXCLUDED.rrp, rrp_stock = EXCLUDED.rrp_stock`,
				projectID, snap.ID, productID, row.RRP, row.RRPStock); err != nil {
				return nil, fmt.Errorf("upserting price for %q: %w", row.SKU, err)
			}
		}
		if row.Cost != nil {
			if _, err := tx.Exec(ctx, `INSERT INTO internal_product_costs
				(project_id, snapshot_id, internal_product_id, cost)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (snapshot_id, internal_product_id) DO UPDATE SET
					cost = EXCLUDED.cost`,
				projectID, snap.ID, productID, row.Cost); err != nil {
				return nil, fmt.Errorf("upserting cost for %q: %w", row.SKU, err)
			}
		}
		for marketplace, external := range row.Identifiers {
			if _, err := tx.Exec(ctx, `INSERT INTO internal_product_identifiers
				(project_id, snapshot_id, internal_product_id, marketplace_code, external_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (snapshot_id, internal_product_id, marketplace_code) DO UPDATE SET
					external_id = EXCLUDED.external_id`,
				projectID, snap.ID, productID, marketplace, external); err != nil {
				return nil, fmt.Errorf("upserting identifier for %q: %w", row.SKU, err)
			}
		}
	}

	for _, rowErr := range rowErrors {
		if _, err := tx.Exec(ctx, `INSERT INTO internal_data_row_errors
			(project_id, snapshot_id, row_number, code, field, detail)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))`,
			projectID, snap.ID, rowErr.RowNumber, rowErr.Code, rowErr.Field, rowErr.Detail); err != nil {
			return nil, fmt.Errorf("inserting row error: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `INSERT INTO internal_data_settings
		(project_id, last_sync_status, last_sync_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			last_sync_status = EXCLUDED.last_sync_status,
			last_sync_at = EXCLUDED.last_sync_at,
			updated_at = NOW()`,
		projectID, status, at); err != nil {
		return nil, fmt.Errorf("updating sync status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &snap, nil
}

// LatestUsableSnapshot returns the newest snapshot with status success
// or partial.
func (d *InternalData) LatestUsableSnapshot(ctx context.Context, projectID int64) (*InternalSnapshot, error) {
	var snap InternalSnapshot
	err := d.db.QueryRow(ctx, `SELECT id, project_id, version, status, rows_total, rows_imported, rows_failed, snapshot_at
		FROM internal_data_snapshots
		WHERE project_id = $1 AND status IN ($2, $3)
		ORDER BY version DESC LIMIT 1`,
		projectID, InternalStatusSuccess, InternalStatusPartial).
		Scan(&snap.ID, &snap.ProjectID, &snap.Version, &snap.Status,
			&snap.RowsTotal, &snap.RowsImported, &snap.RowsFailed, &snap.SnapshotAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoInternalSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("reading latest snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotRRPRows projects the snapshot's rows with non-null RRP.
func (d *InternalData) SnapshotRRPRows(ctx context.Context, snapshotID int64) ([]RRPRow, error) {
	rows, err := d.db.Query(ctx, `SELECT p.internal_sku, pr.rrp, pr.rrp_stock
		FROM internal_products p
		JOIN internal_product_prices pr
		  ON pr.snapshot_id = p.snapshot_id AND pr.internal_product_id = p.id
		WHERE p.snapshot_id = $1 AND pr.rrp IS NOT NULL
		ORDER BY p.internal_sku`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot rrp rows: %w", err)
	}
	defer rows.Close()
	var out []RRPRow
	for rows.Next() {
		var row RRPRow
		var rrp decimal.Decimal
		if err := rows.Scan(&row.VendorCodeNorm, &rrp, &row.RRPStock); err != nil {
			return nil, err
		}
		row.RRPPrice = &rrp
		out = append(out, row)
	}
	return out, rows.Err()
}

// HasRRPRows reports whether the project's latest usable snapshot
// carries any non-null RRP values. Used to decide products->rrp
// chaining.
func (d *InternalData) HasRRPRows(ctx context.Context, projectID int64) (bool, error) {
	snap, err := d.LatestUsableSnapshot(ctx, projectID)
	if errors.Is(err, ErrNoInternalSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var n int
	if err := d.db.QueryRow(ctx, `SELECT COUNT(*) FROM internal_product_prices
		WHERE snapshot_id = $1 AND rrp IS NOT NULL`, snap.ID).Scan(&n); err != nil {
		return false, fmt.Errorf("counting rrp rows: %w", err)
	}
	return n > 0, nil
}

// Category is one node of a project's category tree.
type Category struct {
	ID       int64  `json:"id"`
	ParentID *int64 `json:"parent_id"`
	Name     string `json:"name"`
}

// ErrCategoryCycle is returned when a category write would introduce a
// cycle.
var ErrCategoryCycle = errors.New("category parent chain forms a cycle")

// ListCategories returns the project's category nodes.
func (d *InternalData) ListCategories(ctx context.Context, projectID int64) ([]Category, error) {
	rows, err := d.db.Query(ctx, `SELECT id, parent_id, name FROM internal_categories
		WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()
	var out []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.ParentID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCategory inserts a node, verifying the parent chain stays
// acyclic by walking it to the root inside the transaction.
func (d *InternalData) CreateCategory(ctx context.Context, projectID int64, name string, parentID *int64) (*Category, error) {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if parentID != nil {
		if err := checkAcyclic(ctx, tx, projectID, *parentID, 0); err != nil {
			return nil, err
		}
	}
	var c = Category{ParentID: parentID, Name: name}
	if err := tx.QueryRow(ctx, `INSERT INTO internal_categories (project_id, parent_id, name)
		VALUES ($1, $2, $3) RETURNING id`, projectID, parentID, name).Scan(&c.ID); err != nil {
		return nil, fmt.Errorf("inserting category: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &c, nil
}

// ReparentCategory moves a node under a new parent, rejecting moves
// that would create a cycle (the node becoming its own ancestor).
func (d *InternalData) ReparentCategory(ctx context.Context, projectID, id int64, parentID *int64) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if parentID != nil {
		if *parentID == id {
			return ErrCategoryCycle
		}
		if err := checkAcyclic(ctx, tx, projectID, *parentID, id); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `UPDATE internal_categories SET parent_id = $3
		WHERE id = $2 AND project_id = $1`, projectID, id, parentID)
	if err != nil {
		return fmt.Errorf("reparenting category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %d not found", id)
	}
	return tx.Commit(ctx)
}

// DeleteCategory removes a node; dependent products and children are
// detached by the schema's ON DELETE SET NULL.
func (d *InternalData) DeleteCategory(ctx context.Context, projectID, id int64) error {
	tag, err := d.db.Exec(ctx, `DELETE FROM internal_categories
		WHERE id = $2 AND project_id = $1`, projectID, id)
	if err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("category %d not found", id)
	}
	return nil
}

// checkAcyclic walks the parent chain from startID to the root. Seeing
// forbiddenID (or looping longer than any sane tree depth) fails.
func checkAcyclic(ctx context.Context, tx pgx.Tx, projectID, startID, forbiddenID int64) error {
	var current = &startID
	for depth := 0; current != nil; depth++ {
		if depth > 1000 {
			return ErrCategoryCycle
		}
		if forbiddenID != 0 && *current == forbiddenID {
			return ErrCategoryCycle
		}
		var parent *int64
		err := tx.QueryRow(ctx, `SELECT parent_id FROM internal_categories
			WHERE id = $2 AND project_id = $1`, projectID, *current).Scan(&parent)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("category %d not found", *current)
		}
		if err != nil {
			return fmt.Errorf("walking category chain: %w", err)
		}
		current = parent
	}
	return nil
}
