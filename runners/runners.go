// Package runners implements the per-job ingestion runners and their
// registry wiring.
package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/internaldata"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

// Sources and job codes.
const (
	SourceWildberries = "wildberries"
	SourceInternal    = "internal"

	JobProducts       = "products"
	JobWarehouses     = "warehouses"
	JobStocks         = "stocks"
	JobSupplierStocks = "supplier_stocks"
	JobPrices         = "prices"
	JobFrontendPrices = "frontend_prices"
	JobFinances       = "wb_finances"
	JobTariffs        = "tariffs"

	JobSync         = "sync"
	JobRRPXML       = "rrp_xml"
	JobBuildRRP     = "build_rrp_snapshots"
	JobTaxStatement = "build_tax_statement"
)

// maxRateLimitRetries caps 429 backoff cycles per page before the run
// gives up as skipped/rate_limited.
const maxRateLimitRetries = 5

// minCoverage is the required distinct-ids-seen over advertised-total
// ratio for sources that advertise a total.
const minCoverage = 0.95

// Deps bundles the repositories and client constructors the runners
// share. Constructors are fields so tests can point clients at
// httptest servers.
type Deps struct {
	Connections *store.Connections
	Products    *store.Products
	Snapshots   *store.Snapshots
	Showcase    *store.Showcase
	Finance     *store.Finance
	Internal    *store.InternalData
	Importer    *internaldata.Service

	NewWBClient   func(token string) *wb.Client
	NewStorefront func(urlTemplate string) *wb.Storefront
}

func (d *Deps) wbClient(token string) *wb.Client {
	if d.NewWBClient != nil {
		return d.NewWBClient(token)
	}
	return wb.NewClient(token)
}

func (d *Deps) storefront(urlTemplate string) *wb.Storefront {
	if d.NewStorefront != nil {
		return d.NewStorefront(urlTemplate)
	}
	return wb.NewStorefront(urlTemplate)
}

// RegisterAll installs every job into the registry.
func RegisterAll(reg *ingest.Registry, deps *Deps) {
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobProducts,
		Title:            "Product cards",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runProducts,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobWarehouses,
		Title:            "Seller warehouses",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runWarehouses,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobStocks,
		Title:            "FBS stocks",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runStocks,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobSupplierStocks,
		Title:            "FBO supplier stocks",
		SupportsSchedule: true, SupportsManual: true,
		// One request per minute makes long runs normal.
		StuckTTL: time.Hour,
		Runner:   deps.runSupplierStocks,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobPrices,
		Title:            "Admin prices",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runPrices,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobFrontendPrices,
		Title:            "Storefront prices",
		SupportsSchedule: true, SupportsManual: true,
		ValidateParams:   validateFrontendParams,
		Runner:           deps.runFrontendPrices,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobFinances,
		Title:          "Finance reports",
		SupportsManual: true,
		ValidateParams: validateFinanceParams,
		Runner:         deps.runFinances,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceWildberries, Job: JobTariffs,
		Title:          "Marketplace tariffs",
		SupportsManual: true,
		Runner:         deps.runTariffs,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceInternal, Job: JobSync,
		Title:            "Internal Data sync",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runInternalSync,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceInternal, Job: JobRRPXML,
		Title:            "Legacy RRP XML",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runRRPXML,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceInternal, Job: JobBuildRRP,
		Title:            "RRP snapshot build",
		SupportsSchedule: true, SupportsManual: true,
		Runner: deps.runBuildRRP,
	})
	reg.Register(ingest.JobSpec{
		Source: SourceInternal, Job: JobTaxStatement,
		Title:          "Tax statement build",
		SupportsManual: true,
		ValidateParams: validateTaxParams,
		Runner:         deps.runTaxStatement,
	})
}

// resolveClient resolves the project's Wildberries token into a client.
// Missing or disabled credentials fail the run with no_credentials; the
// token itself never enters logs or stats.
func (d *Deps) resolveClient(ctx context.Context, rc *ingest.RunContext) (*wb.Client, *ingest.Result) {
	token, err := d.Connections.ResolveToken(ctx, rc.ProjectID, SourceWildberries)
	if err != nil {
		var res = ingest.Fail(ingest.ReasonNoCredentials, err, nil)
		return nil, &res
	}
	return d.wbClient(token), nil
}

// withRateLimitRetry runs fn, sleeping through up to maxRateLimitRetries
// 429 responses. Exhaustion surfaces as a rate_limited skip; the worker
// pushes the linked schedule forward for scheduled runs.
func withRateLimitRetry(ctx context.Context, rc *ingest.RunContext, fn func() error) (*ingest.Result, error) {
	for retry := 1; ; retry++ {
		var err = fn()
		if err == nil {
			return nil, nil
		}
		if !wb.IsRateLimit(err) {
			return nil, err
		}
		if retry > maxRateLimitRetries {
			var res = ingest.Skip(ingest.ReasonRateLimited, ingest.Stats{"rate_limit_retries": retry - 1})
			return &res, nil
		}
		rc.Log().WithField("retry", retry).Info("rate limited, backing off")
		if sleepErr := rc.RateLimitSleep(ctx, retry); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrInvalidParams, err)
	}
	return nil
}
