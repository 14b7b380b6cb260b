package wb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultStorefrontPageSize is the assumed catalog page size when the
// feed does not state one; used to derive total pages from the
// advertised total.
const DefaultStorefrontPageSize = 100

// StorefrontProduct is one storefront catalog row. Prices come in
// kopecks on the wire and are converted to rubles here.
type StorefrontProduct struct {
	NmID         int64
	PriceBasic   decimal.Decimal
	PriceProduct decimal.Decimal
	SalePercent  int
	Payload      json.RawMessage
}

// StorefrontPage is one fetched catalog page.
type StorefrontPage struct {
	Products []StorefrontProduct
	// TotalPages is derived from the advertised total, zero when the
	// feed does not advertise one.
	TotalPages int
	// Total is the advertised product count, zero when absent.
	Total int
}

// Storefront walks the public catalog feed for one brand. No auth.
type Storefront struct {
	// URLTemplate contains a {brand_id} placeholder; the page number is
	// appended as a query parameter.
	URLTemplate string
	PageSize    int

	http *http.Client
}

// NewStorefront returns a Storefront over the tenant's URL template.
func NewStorefront(urlTemplate string) *Storefront {
	return &Storefront{
		URLTemplate: urlTemplate,
		PageSize:    DefaultStorefrontPageSize,
		http:        &http.Client{Timeout: 60 * time.Second},
	}
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests.
func (s *Storefront) WithHTTPClient(hc *http.Client) *Storefront {
	s.http = hc
	return s
}

// PageURL expands the template for one brand and page.
func (s *Storefront) PageURL(brandID string, page int) (string, error) {
	var base = strings.ReplaceAll(s.URLTemplate, "{brand_id}", brandID)
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing url template: %w", err)
	}
	var q = parsed.Query()
	q.Set("page", fmt.Sprint(page))
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// Fetch retrieves and decodes one catalog page.
func (s *Storefront) Fetch(ctx context.Context, brandID string, page int) (*StorefrontPage, error) {
	pageURL, err := s.PageURL(brandID, page)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog page %d: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{Endpoint: pageURL, RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Endpoint: pageURL, Code: resp.StatusCode, Body: string(snippet)}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading catalog page %d: %w", page, err)
	}
	return s.decodePage(body)
}

// productPaths is the deterministic priority list of known feed shapes:
// the first path that yields an array wins.
var productPaths = [][]string{
	{"products"},
	{"data", "products"},
	{"data", "catalog", "products"},
	{"listGoods"},
	{"data", "listGoods"},
}

var totalPaths = [][]string{
	{"total"},
	{"totalCount"},
	{"data", "total"},
	{"data", "totalCount"},
}

func (s *Storefront) decodePage(body []byte) (*StorefrontPage, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("decoding catalog page: %w", err)
	}

	var page StorefrontPage
	items, found := sniffArray(root, productPaths)
	if !found {
		return nil, fmt.Errorf("catalog response matches no known shape")
	}
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		product, ok := decodeStorefrontProduct(raw)
		if !ok {
			continue
		}
		page.Products = append(page.Products, product)
	}
	if total := sniffInt(root, totalPaths); total > 0 {
		page.Total = total
		var size = s.PageSize
		if size <= 0 {
			size = DefaultStorefrontPageSize
		}
		page.TotalPages = (total + size - 1) / size
	}
	return &page, nil
}

// decodeStorefrontProduct extracts identity and prices from one row.
// Rows without an id are dropped; rows without prices keep zeros so the
// caller still counts the nm as seen.
func decodeStorefrontProduct(raw json.RawMessage) (StorefrontProduct, bool) {
	var id = Int64Field(raw, "id", "nmId", "nm_id", "nmID")
	if id == nil {
		return StorefrontProduct{}, false
	}
	var product = StorefrontProduct{NmID: *id, Payload: raw}

	// Modern feeds nest prices under sizes[0].price; legacy ones carry
	// kopeck-valued priceU/salePriceU at the root.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if sizes, ok := obj["sizes"]; ok {
			var sizeList []json.RawMessage
			if err := json.Unmarshal(sizes, &sizeList); err == nil && len(sizeList) > 0 {
				var priceObj map[string]json.RawMessage
				if err := json.Unmarshal(sizeList[0], &priceObj); err == nil {
					if priceRaw, ok := priceObj["price"]; ok {
						if basic := DecimalField(priceRaw, "basic"); basic != nil {
							product.PriceBasic = kopecksToRubles(*basic)
						}
						if prod := DecimalField(priceRaw, "product"); prod != nil {
							product.PriceProduct = kopecksToRubles(*prod)
						}
					}
				}
			}
		}
	}
	if product.PriceBasic.IsZero() {
		if basic := DecimalField(raw, "priceU", "basicPriceU"); basic != nil {
			product.PriceBasic = kopecksToRubles(*basic)
		}
	}
	if product.PriceProduct.IsZero() {
		if sale := DecimalField(raw, "salePriceU"); sale != nil {
			product.PriceProduct = kopecksToRubles(*sale)
		}
	}
	if salePct := Int64Field(raw, "sale"); salePct != nil {
		product.SalePercent = int(*salePct)
	}
	return product, true
}

func kopecksToRubles(v decimal.Decimal) decimal.Decimal {
	return v.Div(decimal.NewFromInt(100))
}

func sniffArray(root any, paths [][]string) ([]any, bool) {
	for _, path := range paths {
		if items, ok := walk(root, path).([]any); ok {
			return items, true
		}
	}
	return nil, false
}

func sniffInt(root any, paths [][]string) int {
	for _, path := range paths {
		if n, ok := walk(root, path).(float64); ok && n > 0 {
			return int(n)
		}
	}
	return 0
}

func walk(node any, path []string) any {
	for _, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = obj[key]
	}
	return node
}
