package runners

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

// runWarehouses refreshes the project's FBS warehouse list as one
// snapshot batch.
func (d *Deps) runWarehouses(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	var warehouses []wb.SellerWarehouse
	if res, err := withRateLimitRetry(ctx, rc, func() error {
		var err error
		warehouses, err = client.Warehouses(ctx)
		return err
	}); res != nil {
		return *res
	} else if err != nil {
		return ingest.Fail(ingest.ReasonFailedToFetchPage, err, nil)
	}
	rc.CountPage()

	var batch = make([]store.Warehouse, 0, len(warehouses))
	for _, wh := range warehouses {
		batch = append(batch, store.Warehouse{
			ProjectID:   rc.ProjectID,
			WarehouseID: wh.ID,
			OfficeID:    wh.OfficeID,
			Name:        wh.Name,
		})
	}
	if err := d.Products.ReplaceWarehouses(ctx, rc.ProjectID, batch, time.Now().UTC()); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	return ingest.Succeed(ingest.Stats{"warehouses": len(batch)})
}

// runStocks refreshes FBS stock for every seller warehouse by querying
// the marketplace per barcode, then appends one snapshot batch.
func (d *Deps) runStocks(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	warehouses, err := d.Products.LatestWarehouses(ctx, rc.ProjectID)
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	if len(warehouses) == 0 {
		// No warehouse snapshot yet; take one inline.
		fetched, fetchErr := client.Warehouses(ctx)
		if fetchErr != nil {
			if wb.IsRateLimit(fetchErr) {
				return ingest.Skip(ingest.ReasonRateLimited, nil)
			}
			return ingest.Fail(ingest.ReasonFailedToFetchPage, fetchErr, nil)
		}
		for _, wh := range fetched {
			warehouses = append(warehouses, store.Warehouse{
				ProjectID: rc.ProjectID, WarehouseID: wh.ID, OfficeID: wh.OfficeID, Name: wh.Name,
			})
		}
	}

	barcodes, err := d.Products.BarcodeIndex(ctx, rc.ProjectID)
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	if len(barcodes) == 0 {
		return ingest.Skip(ingest.ReasonMissingRequired, ingest.Stats{"detail": "no product barcodes known, run products first"})
	}
	var skus = lo.Keys(barcodes)

	var (
		snapshotAt = time.Now().UTC()
		rows       []store.StockRow
	)
	for _, wh := range warehouses {
		var stocks []wb.SKUStock
		if res, err := withRateLimitRetry(ctx, rc, func() error {
			var err error
			stocks, err = client.Stocks(ctx, wh.WarehouseID, skus)
			return err
		}); res != nil {
			return *res
		} else if err != nil {
			return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"warehouse_id": wh.WarehouseID})
		}
		rc.CountPage()
		for _, stock := range stocks {
			nmID, ok := barcodes[stock.Sku]
			if !ok {
				continue
			}
			rows = append(rows, store.StockRow{
				NmID:        nmID,
				WarehouseID: wh.WarehouseID,
				Quantity:    stock.Amount,
			})
		}
		if err := rc.SetProgress(ctx, ingest.Stats{
			"warehouses_done": len(rows), "warehouse_id": wh.WarehouseID,
		}); err != nil {
			return ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
		}
	}

	if err := d.Snapshots.AppendStocks(ctx, rc.ProjectID, rc.RunID, rows, snapshotAt); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	return ingest.Succeed(ingest.Stats{"warehouses": len(warehouses), "rows": len(rows)})
}
