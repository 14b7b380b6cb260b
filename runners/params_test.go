package runners

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/wb"
)

func TestValidateFinanceParams(t *testing.T) {
	require.NoError(t, validateFinanceParams(
		json.RawMessage(`{"date_from":"2024-01-01","date_to":"2024-01-31"}`)))

	require.ErrorIs(t, validateFinanceParams(nil), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateFinanceParams(
		json.RawMessage(`{"date_from":"2024-01-01"}`)), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateFinanceParams(
		json.RawMessage(`{"date_from":"01.01.2024","date_to":"2024-01-31"}`)), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateFinanceParams(
		json.RawMessage(`{"date_from":"2024-02-01","date_to":"2024-01-31"}`)), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateFinanceParams(
		json.RawMessage(`not json`)), ingest.ErrInvalidParams)
}

func TestValidateTaxParams(t *testing.T) {
	require.NoError(t, validateTaxParams(json.RawMessage(`{"period_id":"2024-03"}`)))

	require.ErrorIs(t, validateTaxParams(nil), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateTaxParams(
		json.RawMessage(`{"period_id":"Q1-2024"}`)), ingest.ErrInvalidParams)
	require.ErrorIs(t, validateTaxParams(
		json.RawMessage(`{"period_id":"2024-13"}`)), ingest.ErrInvalidParams)
}

func TestTaxPeriodBounds(t *testing.T) {
	from, to, err := taxPeriodBounds("2024-02")
	require.NoError(t, err)
	require.Equal(t, "2024-02-01", from.Format(financeDateLayout))
	require.Equal(t, "2024-02-29", to.Format(financeDateLayout))

	from, to, err = taxPeriodBounds("2024-12")
	require.NoError(t, err)
	require.Equal(t, "2024-12-01", from.Format(financeDateLayout))
	require.Equal(t, "2024-12-31", to.Format(financeDateLayout))
}

func TestValidateFrontendParams(t *testing.T) {
	require.NoError(t, validateFrontendParams(nil))
	require.NoError(t, validateFrontendParams(json.RawMessage(`{"brand_id":"9000"}`)))
	require.ErrorIs(t, validateFrontendParams(json.RawMessage(`{bad`)), ingest.ErrInvalidParams)
}

func TestDiscountCalcPercent(t *testing.T) {
	var pct = discountCalcPercent(wb.StorefrontProduct{
		PriceBasic:   decimal.NewFromInt(1000),
		PriceProduct: decimal.NewFromInt(730),
	})
	require.NotNil(t, pct)
	require.Equal(t, 27, *pct)

	// Sale price above basic clamps to zero instead of going negative.
	pct = discountCalcPercent(wb.StorefrontProduct{
		PriceBasic:   decimal.NewFromInt(1000),
		PriceProduct: decimal.NewFromInt(1100),
	})
	require.NotNil(t, pct)
	require.Equal(t, 0, *pct)

	require.Nil(t, discountCalcPercent(wb.StorefrontProduct{
		PriceProduct: decimal.NewFromInt(730),
	}))
	require.Nil(t, discountCalcPercent(wb.StorefrontProduct{
		PriceBasic: decimal.NewFromInt(1000),
	}))
}
