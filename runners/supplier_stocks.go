package runners

import (
	"context"
	"time"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

const (
	// supplierRestartOverlap is rewound from the last observed
	// last_change_date on start; the uniqueness constraint drops the
	// duplicated window.
	supplierRestartOverlap = 2 * time.Minute
	// supplierInitialWindow bounds the very first run.
	supplierInitialWindow = 90 * 24 * time.Hour
	// supplierPageInterval is the statistics API hard limit.
	supplierPageInterval = time.Minute
)

// runSupplierStocks pages FBO stock by lastChangeDate. Each page must
// strictly advance dateFrom or the run ends; a page repeating the same
// watermark would otherwise loop forever.
func (d *Deps) runSupplierStocks(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	var dateFrom = time.Now().UTC().Add(-supplierInitialWindow)
	if last, err := d.Snapshots.MaxSupplierLastChange(ctx); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	} else if last != nil {
		dateFrom = last.UTC().Add(-supplierRestartOverlap)
	}

	var (
		pages    int
		inserted int
	)
	for {
		var records []wb.SupplierStock
		if res, err := withRateLimitRetry(ctx, rc, func() error {
			var err error
			records, err = client.SupplierStocks(ctx, dateFrom)
			return err
		}); res != nil {
			return *res
		} else if err != nil {
			return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"pages": pages})
		}
		pages++
		rc.CountPage()
		if len(records) == 0 {
			break
		}

		var (
			snapshotAt = time.Now().UTC()
			rows       = make([]store.SupplierStockRow, 0, len(records))
			pageMax    time.Time
		)
		for _, rec := range records {
			rows = append(rows, store.SupplierStockRow{
				NmID:           rec.NmID,
				Barcode:        rec.Barcode,
				WarehouseName:  rec.WarehouseName,
				Quantity:       rec.Quantity,
				LastChangeDate: rec.LastChangeDate.Time,
			})
			if rec.LastChangeDate.After(pageMax) {
				pageMax = rec.LastChangeDate.Time
			}
		}
		newRows, err := d.Snapshots.AppendSupplierStocks(ctx, rc.RunID, rows, snapshotAt)
		if err != nil {
			return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"pages": pages})
		}
		inserted += newRows

		if err := rc.SetProgress(ctx, ingest.Stats{
			"pages": pages, "saved": inserted, "date_from": dateFrom.Format(time.RFC3339),
		}); err != nil {
			return ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
		}

		// Forward progress check.
		if !pageMax.After(dateFrom) {
			rc.Log().WithField("date_from", dateFrom).Info("watermark not advancing, stopping")
			break
		}
		dateFrom = pageMax

		// The client limiter enforces 1 req/min; sleep with heartbeats so
		// the wait does not trip the stuck detector.
		if err := rc.Sleep(ctx, supplierPageInterval); err != nil {
			return ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
		}
	}

	return ingest.Succeed(ingest.Stats{"pages": pages, "saved": inserted})
}
