package wb

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// stocksChunk is the v3 stocks request size limit.
const stocksChunk = 1000

// SKUStock is one barcode-level stock amount in a seller warehouse.
type SKUStock struct {
	Sku    string `json:"sku"`
	Amount int    `json:"amount"`
}

// Stocks returns the amounts for the given barcodes in one FBS
// warehouse, chunking requests to the endpoint's limit.
func (c *Client) Stocks(ctx context.Context, warehouseID int64, skus []string) ([]SKUStock, error) {
	var url = fmt.Sprintf("%s/api/v3/stocks/%d", c.MarketplaceHost, warehouseID)
	var out []SKUStock
	for _, chunk := range lo.Chunk(skus, stocksChunk) {
		var resp struct {
			Stocks []SKUStock `json:"stocks"`
		}
		var body = map[string][]string{"skus": chunk}
		if err := c.postJSON(ctx, nil, url, body, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Stocks...)
	}
	return out, nil
}

// SupplierStock is one FBO stock record from the statistics API.
type SupplierStock struct {
	NmID           int64     `json:"nmId"`
	Barcode        string    `json:"barcode"`
	WarehouseName  string    `json:"warehouseName"`
	Quantity       int       `json:"quantity"`
	LastChangeDate StatsTime `json:"lastChangeDate"`
}

// StatsTime parses the statistics API timestamp, which comes without a
// zone suffix and means UTC.
type StatsTime struct {
	time.Time
}

func (t *StatsTime) UnmarshalJSON(b []byte) error {
	var s = string(b)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339, "2006-01-02T15:04:05.999999999"} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

// SupplierStocks fetches one FBO stock page. The endpoint allows one
// request per minute; the client's statistics limiter enforces that.
func (c *Client) SupplierStocks(ctx context.Context, dateFrom time.Time) ([]SupplierStock, error) {
	var url = fmt.Sprintf("%s/api/v1/supplier/stocks?dateFrom=%s",
		c.StatisticsHost, dateFrom.UTC().Format(time.RFC3339))
	var out []SupplierStock
	if err := c.getJSON(ctx, c.statsLimiter, url, &out); err != nil {
		return nil, err
	}
	return out, nil
}
