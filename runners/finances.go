package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

const financeDateLayout = "2006-01-02"

type financeParams struct {
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

func validateFinanceParams(raw json.RawMessage) error {
	var p financeParams
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	if p.DateFrom == "" || p.DateTo == "" {
		return fmt.Errorf("%w: date_from and date_to are required", ingest.ErrInvalidParams)
	}
	from, err := time.Parse(financeDateLayout, p.DateFrom)
	if err != nil {
		return fmt.Errorf("%w: date_from: %v", ingest.ErrInvalidParams, err)
	}
	to, err := time.Parse(financeDateLayout, p.DateTo)
	if err != nil {
		return fmt.Errorf("%w: date_to: %v", ingest.ErrInvalidParams, err)
	}
	if to.Before(from) {
		return fmt.Errorf("%w: date_to precedes date_from", ingest.ErrInvalidParams)
	}
	return nil
}

// runFinances pulls realization report lines for the requested period,
// groups them by report and stores headers plus opaque line payloads.
func (d *Deps) runFinances(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	var params financeParams
	if err := decodeParams(rc.Params, &params); err != nil {
		return ingest.Fail(ingest.ReasonInvalidParams, err, nil)
	}
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	periodFrom, _ := time.Parse(financeDateLayout, params.DateFrom)
	periodTo, _ := time.Parse(financeDateLayout, params.DateTo)

	byRep, pages, orphans, res := collectFinanceLines(ctx, rc, func(rrdID int64) ([]wb.FinanceLine, error) {
		return client.ReportDetailByPeriod(ctx, params.DateFrom, params.DateTo, rrdID, 0)
	})
	if res != nil {
		return *res
	}

	var totalLines int
	for reportID, lines := range byRep {
		if err := d.Finance.SaveReport(ctx, rc.RunID, store.FinanceReport{
			ProjectID:  rc.ProjectID,
			ReportID:   reportID,
			PeriodFrom: periodFrom,
			PeriodTo:   periodTo,
			Currency:   "RUB",
		}, lines); err != nil {
			return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"report_id": reportID})
		}
		totalLines += len(lines)
	}

	return ingest.Succeed(ingest.Stats{
		"pages": pages, "reports": len(byRep), "rows_count": totalLines, "orphan_lines": orphans,
	})
}

// collectFinanceLines walks report_detail pages and groups lines by
// realization report. Pagination is keyed by the rrd_id cursor; a
// non-empty page that leaves the cursor in place would be re-requested
// forever, so the walk ends there instead.
func collectFinanceLines(ctx context.Context, rc *ingest.RunContext, fetch func(rrdID int64) ([]wb.FinanceLine, error)) (map[int64][]store.FinanceLine, int, int, *ingest.Result) {
	var (
		rrdID   int64
		pages   int
		orphans int
		byRep   = make(map[int64][]store.FinanceLine)
	)
	for {
		var lines []wb.FinanceLine
		if res, err := withRateLimitRetry(ctx, rc, func() error {
			var err error
			lines, err = fetch(rrdID)
			return err
		}); res != nil {
			return nil, pages, orphans, res
		} else if err != nil {
			var res = ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"pages": pages})
			return nil, pages, orphans, &res
		}
		pages++
		rc.CountPage()
		if len(lines) == 0 {
			break
		}

		var next = rrdID
		for _, line := range lines {
			if id := line.RrdID(); id != nil && *id > next {
				next = *id
			}
			var reportID = line.RealizationReportID()
			if reportID == nil {
				orphans++
				continue
			}
			byRep[*reportID] = append(byRep[*reportID], store.FinanceLine{
				RrdID:   line.RrdID(),
				NmID:    line.NmID(),
				Payload: line.Payload,
			})
		}
		if err := rc.SetProgress(ctx, ingest.Stats{"pages": pages, "reports": len(byRep)}); err != nil {
			var res = ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
			return nil, pages, orphans, &res
		}
		if next == rrdID {
			rc.Log().WithField("rrd_id", rrdID).Info("cursor not advancing, stopping")
			break
		}
		rrdID = next
	}
	return byRep, pages, orphans, nil
}

// runTariffs fetches every global tariff table and appends them
// verbatim. Tariffs are not project-scoped; the triggering project only
// provides the credential.
func (d *Deps) runTariffs(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	client, fail := d.resolveClient(ctx, rc)
	if fail != nil {
		return *fail
	}

	var (
		at    = time.Now().UTC()
		today = at.Format(financeDateLayout)
		saved int
	)
	for _, kind := range wb.TariffKinds {
		var payload json.RawMessage
		if res, err := withRateLimitRetry(ctx, rc, func() error {
			var err error
			payload, err = client.Tariffs(ctx, kind, today)
			return err
		}); res != nil {
			return *res
		} else if err != nil {
			return ingest.Fail(ingest.ReasonFailedToFetchPage, err, ingest.Stats{"tariff_kind": kind})
		}
		rc.CountPage()
		if err := d.Finance.SaveTariffs(ctx, kind, payload, at); err != nil {
			return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"tariff_kind": kind})
		}
		saved++
	}
	return ingest.Succeed(ingest.Stats{"tariff_kinds": saved})
}

type taxParams struct {
	PeriodID string `json:"period_id"`
}

func validateTaxParams(raw json.RawMessage) error {
	var p taxParams
	if err := decodeParams(raw, &p); err != nil {
		return err
	}
	if p.PeriodID == "" {
		return fmt.Errorf("%w: period_id is required", ingest.ErrInvalidParams)
	}
	if _, _, err := taxPeriodBounds(p.PeriodID); err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrInvalidParams, err)
	}
	return nil
}

// taxPeriodBounds resolves a YYYY-MM period id into its date range.
func taxPeriodBounds(periodID string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", periodID)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period_id must be YYYY-MM: %v", err)
	}
	return start, start.AddDate(0, 1, 0).Add(-24 * time.Hour), nil
}

// runTaxStatement aggregates stored finance lines for the period into a
// tax statement row.
func (d *Deps) runTaxStatement(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	var params taxParams
	if err := decodeParams(rc.Params, &params); err != nil {
		return ingest.Fail(ingest.ReasonInvalidParams, err, nil)
	}
	from, to, err := taxPeriodBounds(params.PeriodID)
	if err != nil {
		return ingest.Fail(ingest.ReasonInvalidParams, err, nil)
	}

	lineCount, err := d.Finance.LineTotals(ctx, rc.ProjectID, from, to)
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	if lineCount == 0 {
		return ingest.Skip(ingest.ReasonMissingRequired, ingest.Stats{
			"detail": "no finance lines stored for period", "period_id": params.PeriodID,
		})
	}

	totals, err := json.Marshal(map[string]any{
		"period_from": from.Format(financeDateLayout),
		"period_to":   to.Format(financeDateLayout),
		"lines_count": lineCount,
	})
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	if err := d.Finance.SaveTaxStatement(ctx, rc.ProjectID, params.PeriodID, totals); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	return ingest.Succeed(ingest.Stats{"period_id": params.PeriodID, "lines": lineCount})
}
