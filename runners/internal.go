package runners

import (
	"context"
	"errors"
	"time"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/internaldata"
	"github.com/sellerhub/sellerhub/store"
)

// rowErrorPreview caps how many row errors are copied into run stats.
const rowErrorPreview = 10

// runInternalSync imports the tenant's catalog source into a new
// Internal Data snapshot and, when the import carries RRP values,
// chains a build_rrp_snapshots run.
func (d *Deps) runInternalSync(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	outcome, err := d.Importer.Sync(ctx, rc.ProjectID, rc.RunID)
	if err != nil {
		var syncErr *internaldata.SyncError
		if errors.As(err, &syncErr) {
			return ingest.Fail(syncErr.Reason, syncErr.Err, syncStats(outcome))
		}
		return ingest.Fail(ingest.ReasonTransformError, err, syncStats(outcome))
	}

	var result = ingest.Succeed(syncStats(outcome))
	hasRRP, err := d.Internal.HasRRPRows(ctx, rc.ProjectID)
	if err != nil {
		rc.Log().WithField("err", err).Warn("rrp presence check failed, skipping chain")
	} else if hasRRP {
		result.Chain = append(result.Chain, ingest.ChainRequest{Source: SourceInternal, Job: JobBuildRRP})
	}
	return result
}

func syncStats(outcome *internaldata.SyncOutcome) ingest.Stats {
	if outcome == nil || outcome.Snapshot == nil {
		return nil
	}
	var stats = ingest.Stats{
		"snapshot_version": outcome.Snapshot.Version,
		"snapshot_status":  outcome.Snapshot.Status,
		"rows_total":       outcome.Snapshot.RowsTotal,
		"rows_imported":    outcome.Snapshot.RowsImported,
		"rows_failed":      outcome.Snapshot.RowsFailed,
	}
	if len(outcome.RowErrors) > 0 {
		var preview = outcome.RowErrors
		if len(preview) > rowErrorPreview {
			preview = preview[:rowErrorPreview]
		}
		stats["row_errors_preview"] = preview
	}
	return stats
}

// runRRPXML is the legacy path: it parses the configured source as the
// old RRP XML feed and appends an rrp snapshot batch directly,
// bypassing the Internal Data snapshot model.
func (d *Deps) runRRPXML(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	rows, err := d.Importer.LegacyRRP(ctx, rc.ProjectID)
	if err != nil {
		var syncErr *internaldata.SyncError
		if errors.As(err, &syncErr) {
			return ingest.Fail(syncErr.Reason, syncErr.Err, nil)
		}
		return ingest.Fail(ingest.ReasonParseError, err, nil)
	}
	if err := d.Snapshots.AppendRRP(ctx, rc.ProjectID, rc.RunID, rows, time.Now().UTC()); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	return ingest.Succeed(ingest.Stats{"rows": len(rows)})
}

// runBuildRRP projects the latest usable Internal Data snapshot's
// non-null RRP rows into a fresh rrp snapshot batch. Idempotent: each
// run appends a new batch, readers take the latest.
func (d *Deps) runBuildRRP(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	snap, err := d.Internal.LatestUsableSnapshot(ctx, rc.ProjectID)
	if errors.Is(err, store.ErrNoInternalSnapshot) {
		return ingest.Skip(ingest.ReasonMissingRequired, ingest.Stats{"detail": "no internal data snapshot"})
	}
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}

	rows, err := d.Internal.SnapshotRRPRows(ctx, snap.ID)
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	for i := range rows {
		rows[i].VendorCodeNorm = store.NormalizeVendorCode(rows[i].VendorCodeNorm)
	}
	if len(rows) == 0 {
		return ingest.Skip(ingest.ReasonMissingRequired, ingest.Stats{
			"snapshot_version": snap.Version, "detail": "snapshot has no rrp values",
		})
	}
	if err := d.Snapshots.AppendRRP(ctx, rc.ProjectID, rc.RunID, rows, time.Now().UTC()); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	return ingest.Succeed(ingest.Stats{"snapshot_version": snap.Version, "rows": len(rows)})
}
