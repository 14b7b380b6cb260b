package internaldata

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMappingRequiresSKU(t *testing.T) {
	_, err := ParseMapping(json.RawMessage(`{"columns": {"title": "Name"}}`))
	require.Error(t, err)

	_, err = ParseMapping(nil)
	require.Error(t, err)
}

func TestParseMappingRejectsUnknowns(t *testing.T) {
	_, err := ParseMapping(json.RawMessage(`{"columns": {"sku": "A", "weight": "W"}}`))
	require.Error(t, err)

	_, err = ParseMapping(json.RawMessage(`{
		"columns": {"sku": "A"},
		"transforms": {"sku": ["uppercase"]}
	}`))
	require.Error(t, err)
}

func TestParseMappingValid(t *testing.T) {
	m, err := ParseMapping(json.RawMessage(`{
		"columns": {"sku": "Артикул", "rrp": "РРЦ"},
		"identifiers": {"wildberries": "nm_id"},
		"transforms": {"sku": ["strip", "sku_last_segment"]}
	}`))
	require.NoError(t, err)
	require.Equal(t, "Артикул", m.Columns[FieldSKU])
	require.Equal(t, "nm_id", m.Identifiers["wildberries"])
}

func applyMapping(t *testing.T, mapping string, table *Table) ([]int, []string) {
	t.Helper()
	m, err := ParseMapping(json.RawMessage(mapping))
	require.NoError(t, err)
	_, rowErrs := m.Apply(table)
	var nums []int
	var codes []string
	for _, e := range rowErrs {
		nums = append(nums, e.RowNumber)
		codes = append(codes, e.Code)
	}
	return nums, codes
}

func TestApplyTransformChain(t *testing.T) {
	m, err := ParseMapping(json.RawMessage(`{
		"columns": {"sku": "code", "rrp": "price"},
		"transforms": {"sku": ["strip", "sku_last_segment"], "rrp": ["to_decimal"]}
	}`))
	require.NoError(t, err)

	rows, rowErrs := m.Apply(&Table{
		Headers: []string{"code", "price"},
		Rows: []map[string]string{
			{"code": " brand/line/ABC-123 ", "price": "1499,90"},
		},
	})
	require.Empty(t, rowErrs)
	require.Len(t, rows, 1)
	require.Equal(t, "ABC-123", rows[0].SKU)
	require.Equal(t, "1499.9", rows[0].RRP.String())
}

func TestApplyCollectsRowErrors(t *testing.T) {
	nums, codes := applyMapping(t, `{"columns": {"sku": "sku", "rrp": "rrp", "rrp_stock": "stock"}}`, &Table{
		Headers: []string{"sku", "rrp", "stock"},
		Rows: []map[string]string{
			{"sku": "", "rrp": "100"},            // row 1: missing sku
			{"sku": "A-1", "rrp": "not-a-price"}, // row 2: bad decimal
			{"sku": "A-2", "stock": "1.5"},       // row 3: fractional stock
			{"sku": "A-3", "rrp": "100"},         // row 4: ok
			{"sku": "A-3", "rrp": "200"},         // row 5: duplicate
		},
	})
	require.Equal(t, []int{1, 2, 3, 5}, nums)
	require.Equal(t, []string{
		RowErrMissingRequired, RowErrTransform, RowErrTransform, RowErrTransform,
	}, codes)
}

func TestApplyKeepsFirstDuplicate(t *testing.T) {
	m, err := ParseMapping(json.RawMessage(`{"columns": {"sku": "sku", "rrp": "rrp"}}`))
	require.NoError(t, err)
	rows, _ := m.Apply(&Table{
		Headers: []string{"sku", "rrp"},
		Rows: []map[string]string{
			{"sku": "A", "rrp": "100"},
			{"sku": "A", "rrp": "999"},
		},
	})
	require.Len(t, rows, 1)
	require.Equal(t, "100", rows[0].RRP.String())
}

func TestApplyIdentifiers(t *testing.T) {
	m, err := ParseMapping(json.RawMessage(`{
		"columns": {"sku": "sku"},
		"identifiers": {"wildberries": "nm", "ozon": "ozon_id"}
	}`))
	require.NoError(t, err)
	rows, _ := m.Apply(&Table{
		Headers: []string{"sku", "nm", "ozon_id"},
		Rows: []map[string]string{
			{"sku": "A", "nm": " 12345 ", "ozon_id": ""},
		},
	})
	require.Len(t, rows, 1)
	require.Equal(t, "12345", rows[0].Identifiers["wildberries"])
	_, present := rows[0].Identifiers["ozon"]
	require.False(t, present)
}

func TestApplyOptionalFieldsStayNil(t *testing.T) {
	m, err := ParseMapping(json.RawMessage(`{"columns": {"sku": "sku", "rrp": "rrp", "cost": "cost"}}`))
	require.NoError(t, err)
	rows, rowErrs := m.Apply(&Table{
		Headers: []string{"sku", "rrp", "cost"},
		Rows:    []map[string]string{{"sku": "A", "rrp": "", "cost": ""}},
	})
	require.Empty(t, rowErrs)
	require.Len(t, rows, 1)
	require.Nil(t, rows[0].RRP)
	require.Nil(t, rows[0].Cost)
}
