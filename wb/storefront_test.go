package wb

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageURL(t *testing.T) {
	var sf = NewStorefront("https://catalog.example.com/brands/v2/catalog?brand={brand_id}&sort=popular")
	u, err := sf.PageURL("12345", 3)
	require.NoError(t, err)
	require.Contains(t, u, "brand=12345")
	require.Contains(t, u, "page=3")
	require.Contains(t, u, "sort=popular")
}

func TestDecodePageKnownShapes(t *testing.T) {
	var bodies = map[string]string{
		"root products":   `{"products": [{"id": 7}], "total": 250}`,
		"data.products":   `{"data": {"products": [{"id": 7}], "total": 250}}`,
		"catalog nesting": `{"data": {"catalog": {"products": [{"id": 7}]}}, "totalCount": 250}`,
		"listGoods":       `{"listGoods": [{"nmId": 7}], "totalCount": 250}`,
		"data.listGoods":  `{"data": {"listGoods": [{"nmID": 7}], "totalCount": 250}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var sf = NewStorefront("https://example.com/{brand_id}")
			page, err := sf.decodePage([]byte(body))
			require.NoError(t, err)
			require.Len(t, page.Products, 1)
			require.Equal(t, int64(7), page.Products[0].NmID)
			require.Equal(t, 250, page.Total)
			require.Equal(t, 3, page.TotalPages)
		})
	}
}

func TestDecodePageUnknownShape(t *testing.T) {
	var sf = NewStorefront("https://example.com/{brand_id}")
	_, err := sf.decodePage([]byte(`{"items": []}`))
	require.Error(t, err)
}

func TestDecodeProductModernPrices(t *testing.T) {
	product, ok := decodeStorefrontProduct([]byte(`{
		"id": 11,
		"sale": 27,
		"sizes": [{"price": {"basic": 149900, "product": 109400}}]
	}`))
	require.True(t, ok)
	require.Equal(t, int64(11), product.NmID)
	require.Equal(t, "1499", product.PriceBasic.String())
	require.Equal(t, "1094", product.PriceProduct.String())
	require.Equal(t, 27, product.SalePercent)
}

func TestDecodeProductLegacyKopeckPrices(t *testing.T) {
	product, ok := decodeStorefrontProduct([]byte(`{
		"nmId": 12, "priceU": 250050, "salePriceU": 200000, "sale": 20
	}`))
	require.True(t, ok)
	require.Equal(t, int64(12), product.NmID)
	require.Equal(t, "2500.5", product.PriceBasic.String())
	require.Equal(t, "2000", product.PriceProduct.String())
}

func TestDecodeProductDropsRowsWithoutID(t *testing.T) {
	_, ok := decodeStorefrontProduct([]byte(`{"priceU": 1000}`))
	require.False(t, ok)
}

func TestStorefrontFetchRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	var sf = NewStorefront(srv.URL + "/catalog?brand={brand_id}")
	_, err := sf.Fetch(context.Background(), "9", 1)
	require.True(t, IsRateLimit(err))
}

func TestStorefrontFetchDecodesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "9", r.URL.Query().Get("brand"))
		require.Equal(t, "2", r.URL.Query().Get("page"))
		fmt.Fprint(w, `{"data": {"products": [{"id": 5, "priceU": 100000}]}}`)
	}))
	defer srv.Close()

	var sf = NewStorefront(srv.URL + "/catalog?brand={brand_id}")
	page, err := sf.Fetch(context.Background(), "9", 2)
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	require.Equal(t, "1000", page.Products[0].PriceBasic.String())
	require.Zero(t, page.TotalPages)
}
