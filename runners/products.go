package runners

import (
	"context"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

// runProducts walks the Content v2 cursor and upserts cards. On
// success, when the tenant's Internal Data carries RRP values, it
// chains a build_rrp_snapshots run.
func (d *Deps) runProducts(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	var (
		cursor   = wb.CardCursor{Limit: wb.DefaultCardPageSize}
		seen     = make(map[int64]struct{})
		total    int
		pages    int
		upserted int
	)
	for {
		var page *wb.CardPage
		var fetch = func() error {
			var err error
			page, err = client.Cards(ctx, cursor)
			return err
		}
		if res, err := withRateLimitRetry(ctx, rc, fetch); res != nil {
			return *res
		} else if err != nil {
			if total > 0 {
				return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{
					"pages": pages, "distinct_ids_seen": len(seen), "expected_total": total,
				})
			}
			return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"pages": pages})
		}
		pages++
		rc.CountPage()
		if page.Total > 0 {
			total = page.Total
		}

		var batch = make([]store.Product, 0, len(page.Cards))
		for _, card := range page.Cards {
			if _, dup := seen[card.NmID]; dup {
				continue
			}
			seen[card.NmID] = struct{}{}
			batch = append(batch, store.Product{
				ProjectID:  rc.ProjectID,
				NmID:       card.NmID,
				ImtID:      card.ImtID,
				VendorCode: card.VendorCode,
				Brand:      card.Brand,
				Title:      card.Title,
				Payload:    card.Payload,
			})
		}
		if err := d.Products.UpsertBatch(ctx, batch); err != nil {
			return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"pages": pages})
		}
		upserted += len(batch)

		var progress = ingest.Stats{"pages": pages, "saved": upserted}
		if total > 0 {
			progress["expected_total"] = total
		}
		if err := rc.SetProgress(ctx, progress); err != nil {
			rc.Log().WithField("err", err).Warn("progress update failed, aborting")
			return ingest.Fail(ingest.ReasonStaleUnlock, err, progress)
		}
		if page.Done {
			break
		}
		cursor = page.Next
	}

	var stats = ingest.Stats{"pages": pages, "saved": upserted, "distinct_ids_seen": len(seen)}
	if total > 0 {
		stats["expected_total"] = total
		if float64(len(seen)) < minCoverage*float64(total) {
			return ingest.Fail(ingest.ReasonLowCoverage, nil, stats)
		}
	}

	var result = ingest.Succeed(stats)
	hasRRP, err := d.Internal.HasRRPRows(ctx, rc.ProjectID)
	if err != nil {
		rc.Log().WithField("err", err).Warn("rrp presence check failed, skipping chain")
	} else if hasRRP {
		result.Chain = append(result.Chain, ingest.ChainRequest{Source: SourceInternal, Job: JobBuildRRP})
	}
	return result
}
