package runners

import (
	"context"
	"time"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

// runPrices pages the admin price list and appends one price snapshot
// batch.
func (d *Deps) runPrices(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	var (
		snapshotAt = time.Now().UTC()
		offset     int
		pages      int
		rows       []store.PriceRow
		seen       = make(map[int64]struct{})
	)
	for {
		var goods []wb.Good
		if res, err := withRateLimitRetry(ctx, rc, func() error {
			var err error
			goods, err = client.Goods(ctx, wb.DefaultGoodsPageSize, offset)
			return err
		}); res != nil {
			return *res
		} else if err != nil {
			return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"pages": pages})
		}
		pages++
		rc.CountPage()

		for _, good := range goods {
			if _, dup := seen[good.NmID]; dup {
				continue
			}
			seen[good.NmID] = struct{}{}
			rows = append(rows, store.PriceRow{
				NmID:       good.NmID,
				WBPrice:    good.Price,
				WBDiscount: good.Discount,
			})
		}
		if err := rc.SetProgress(ctx, ingest.Stats{"pages": pages, "saved": len(rows)}); err != nil {
			return ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
		}
		if len(goods) < wb.DefaultGoodsPageSize {
			break
		}
		offset += len(goods)
	}

	if err := d.Snapshots.AppendPrices(ctx, rc.ProjectID, rc.RunID, rows, snapshotAt); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"pages": pages})
	}
	return ingest.Succeed(ingest.Stats{"pages": pages, "saved": len(rows)})
}
