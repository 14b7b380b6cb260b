package wb

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultGoodsPageSize is the discounts-prices list limit per page.
const DefaultGoodsPageSize = 1000

// Good is one admin-side price entry.
type Good struct {
	NmID     int64
	Price    decimal.Decimal
	Discount int
}

type listGoodsResponse struct {
	Data struct {
		ListGoods []struct {
			NmID     int64 `json:"nmID"`
			Discount int   `json:"discount"`
			Sizes    []struct {
				Price decimal.Decimal `json:"price"`
			} `json:"sizes"`
		} `json:"listGoods"`
	} `json:"data"`
}

// Goods fetches one page of admin prices. A page shorter than limit is
// the last one.
func (c *Client) Goods(ctx context.Context, limit, offset int) ([]Good, error) {
	if limit <= 0 {
		limit = DefaultGoodsPageSize
	}
	var url = fmt.Sprintf("%s/api/v2/list/goods/filter?limit=%d&offset=%d",
		c.PricesHost, limit, offset)
	var resp listGoodsResponse
	if err := c.getJSON(ctx, nil, url, &resp); err != nil {
		return nil, err
	}
	var out []Good
	for _, g := range resp.Data.ListGoods {
		var good = Good{NmID: g.NmID, Discount: g.Discount}
		if len(g.Sizes) > 0 {
			good.Price = g.Sizes[0].Price
		}
		out = append(out, good)
	}
	return out, nil
}
