package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/store"
	"github.com/sellerhub/sellerhub/wb"
)

var (
	decimalOne     = decimal.NewFromInt(1)
	decimalHundred = decimal.NewFromInt(100)
)

// DefaultCatalogURLTemplate is the storefront brand feed used when the
// connection settings do not override it.
const DefaultCatalogURLTemplate = "https://catalog.wb.ru/brands/v2/catalog?brand={brand_id}&appType=1&curr=rub&dest=-1257786"

const queryTypeBrand = "brand"

type frontendParams struct {
	BrandID string `json:"brand_id"`
}

func validateFrontendParams(raw json.RawMessage) error {
	var p frontendParams
	return decodeParams(raw, &p)
}

type frontendSettings struct {
	BrandID            string `json:"brand_id"`
	CatalogURLTemplate string `json:"catalog_url_template"`
}

// runFrontendPrices walks the public storefront feed for the project's
// brand. It first refreshes admin prices inline; SPP derivation
// compares storefront against admin prices, so stale admin data would
// poison the events.
func (d *Deps) runFrontendPrices(ctx context.Context, rc *ingest.RunContext) ingest.Result {
	var params frontendParams
	if err := decodeParams(rc.Params, &params); err != nil {
		return ingest.Fail(ingest.ReasonInvalidParams, err, nil)
	}

	rawSettings, err := d.Connections.Settings(ctx, rc.ProjectID, SourceWildberries)
	if err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	var settings frontendSettings
	if err := json.Unmarshal(rawSettings, &settings); err != nil {
		return ingest.Fail(ingest.ReasonTransformError, err, nil)
	}
	var brandID = settings.BrandID
	if params.BrandID != "" {
		brandID = params.BrandID
	}
	if brandID == "" {
		return ingest.Skip(ingest.ReasonMissingRequired, ingest.Stats{"detail": "no brand_id configured"})
	}
	var template = settings.CatalogURLTemplate
	if template == "" {
		template = DefaultCatalogURLTemplate
	}

	inline, err := rc.RunInline(ctx, SourceWildberries, JobPrices, nil)
	if err != nil {
		return ingest.Fail(ingest.ReasonPricesRefreshFailed, err, nil)
	}
	if inline.Status != ingest.StatusSuccess {
		return ingest.Fail(ingest.ReasonPricesRefreshFailed,
			fmt.Errorf("inline prices run %d finished %s", inline.ID, inline.Status), nil)
	}

	var (
		feed        = d.storefront(template)
		seen        = make(map[int64]struct{})
		totalPages  int
		total       int
		pages       int
		emptyStreak int
	)
	for page := 1; ; page++ {
		if totalPages > 0 && page > totalPages {
			break
		}
		var fetched *wb.StorefrontPage
		if res, fetchErr := withRateLimitRetry(ctx, rc, func() error {
			var err error
			fetched, err = feed.Fetch(ctx, brandID, page)
			return err
		}); res != nil {
			return *res
		} else if fetchErr != nil {
			if totalPages > 0 {
				return ingest.Fail(ingest.ReasonFailedToFetchPage, fetchErr, ingest.Stats{
					"pages": pages, "expected_total": total,
				})
			}
			return ingest.Fail(ingest.ReasonFailedToFetchPage, fetchErr, ingest.Stats{"pages": pages})
		}
		pages++
		rc.CountPage()
		if fetched.TotalPages > 0 && totalPages == 0 {
			totalPages = fetched.TotalPages
			total = fetched.Total
		}

		if len(fetched.Products) == 0 {
			// An empty middle page does not end the walk when the total
			// is known.
			if totalPages == 0 {
				emptyStreak++
				if emptyStreak >= 2 {
					break
				}
			}
			continue
		}
		emptyStreak = 0

		var rows = make([]store.ShowcaseRow, 0, len(fetched.Products))
		for _, product := range fetched.Products {
			seen[product.NmID] = struct{}{}
			rows = append(rows, store.ShowcaseRow{
				NmID:         product.NmID,
				Page:         page,
				PriceBasic:   product.PriceBasic,
				PriceProduct: product.PriceProduct,
				SalePercent:  product.SalePercent,
				SPPPercent:   discountCalcPercent(product),
			})
		}
		if err := d.Showcase.AppendCatalogPage(ctx, rc.ProjectID, rc.RunID,
			queryTypeBrand, brandID, rows, time.Now().UTC()); err != nil {
			return ingest.Fail(ingest.ReasonTransformError, err, ingest.Stats{"pages": pages})
		}

		var progress = ingest.Stats{"pages": pages, "distinct_nm_id": len(seen)}
		if total > 0 {
			progress["expected_total"] = total
		}
		if err := rc.SetProgress(ctx, progress); err != nil {
			return ingest.Fail(ingest.ReasonStaleUnlock, err, nil)
		}
	}

	var stats = ingest.Stats{"pages": pages, "distinct_nm_id": len(seen), "brand_id": brandID}
	if total > 0 {
		stats["expected_total"] = total
		if float64(len(seen)) < minCoverage*float64(total) {
			return ingest.Fail(ingest.ReasonLowCoverage, nil, stats)
		}
	}
	return ingest.Succeed(stats)
}

// discountCalcPercent derives the marketplace-applied discount from the
// spread between the basic and sale price. Rows without both prices
// yield nil rather than a bogus zero.
func discountCalcPercent(p wb.StorefrontProduct) *int {
	if p.PriceBasic.IsZero() || p.PriceProduct.IsZero() {
		return nil
	}
	var ratio = p.PriceProduct.Div(p.PriceBasic)
	var pct = int(ratio.Neg().Add(decimalOne).Mul(decimalHundred).Round(0).IntPart())
	if pct < 0 {
		pct = 0
	}
	return &pct
}
