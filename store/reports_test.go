package store

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVendorCode(t *testing.T) {
	require.Equal(t, "abc-01", NormalizeVendorCode("  ABC-01 "))
	require.Equal(t, "abc", NormalizeVendorCode("abc"))
	require.Equal(t, "", NormalizeVendorCode("   "))
}

func dec(s string) *decimal.Decimal {
	var d = decimal.RequireFromString(s)
	return &d
}

func TestDeviationPrefersShowcasePrice(t *testing.T) {
	var d = deviation(dec("900"), dec("1200"), dec("1000"))
	require.NotNil(t, d)
	require.Equal(t, "-10", d.String())
}

func TestDeviationFallsBackToAdminPrice(t *testing.T) {
	var d = deviation(nil, dec("1100"), dec("1000"))
	require.NotNil(t, d)
	require.Equal(t, "10", d.String())
}

func TestDeviationRounds(t *testing.T) {
	var d = deviation(dec("1000"), nil, dec("300"))
	require.NotNil(t, d)
	require.Equal(t, "233.33", d.String())
}

func TestDeviationNilOnMissingInputs(t *testing.T) {
	require.Nil(t, deviation(dec("900"), nil, nil))
	require.Nil(t, deviation(nil, nil, dec("1000")))
	require.Nil(t, deviation(dec("900"), nil, dec("0")))
}
