package internaldata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sellerhub/sellerhub/store"
)

// maxRowErrors caps stored row errors per snapshot; the import keeps
// going past the cap but stops recording.
const maxRowErrors = 10000

// Row error codes.
const (
	RowErrMissingRequired = "missing_required"
	RowErrParse           = "parse_error"
	RowErrTransform       = "transform_error"
)

// Transform names applicable to mapped columns.
const (
	TransformStrip          = "strip"
	TransformSKULastSegment = "sku_last_segment"
	TransformToDecimal      = "to_decimal"
	TransformToInt          = "to_int"
)

// Mapping binds source columns to catalog fields. Serialized as the
// settings mapping_json:
//
//	{
//	  "columns": {"sku": "Артикул", "title": "Название", "rrp": "РРЦ",
//	              "rrp_stock": "Остаток", "cost": "Себестоимость"},
//	  "identifiers": {"wildberries": "nm_id"},
//	  "transforms": {"sku": ["strip", "sku_last_segment"]}
//	}
type Mapping struct {
	Columns     map[string]string   `json:"columns"`
	Identifiers map[string]string   `json:"identifiers"`
	Transforms  map[string][]string `json:"transforms"`
}

// Catalog fields accepted under columns.
const (
	FieldSKU      = "sku"
	FieldTitle    = "title"
	FieldRRP      = "rrp"
	FieldRRPStock = "rrp_stock"
	FieldCost     = "cost"
)

var knownFields = map[string]struct{}{
	FieldSKU: {}, FieldTitle: {}, FieldRRP: {}, FieldRRPStock: {}, FieldCost: {},
}

var knownTransforms = map[string]struct{}{
	TransformStrip: {}, TransformSKULastSegment: {}, TransformToDecimal: {}, TransformToInt: {},
}

// ParseMapping decodes and validates a mapping. The sku column is
// mandatory; unknown fields or transforms are configuration errors.
func ParseMapping(raw json.RawMessage) (*Mapping, error) {
	var m = Mapping{
		Columns:     map[string]string{},
		Identifiers: map[string]string{},
		Transforms:  map[string][]string{},
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decoding mapping: %w", err)
		}
	}
	if m.Columns[FieldSKU] == "" {
		return nil, errors.New("mapping must bind the sku column")
	}
	for field := range m.Columns {
		if _, ok := knownFields[field]; !ok {
			return nil, fmt.Errorf("unknown mapped field %q", field)
		}
	}
	for field, transforms := range m.Transforms {
		for _, transform := range transforms {
			if _, ok := knownTransforms[transform]; !ok {
				return nil, fmt.Errorf("unknown transform %q on %q", transform, field)
			}
		}
	}
	return &m, nil
}

// Apply maps every table row into a catalog row, collecting row-level
// failures. Duplicate SKUs after transforms keep the first occurrence;
// the later rows are recorded as transform errors.
func (m *Mapping) Apply(table *Table) ([]store.InternalRow, []store.InternalRowError) {
	var (
		rows     []store.InternalRow
		rowErrs  []store.InternalRowError
		seenSKUs = make(map[string]struct{})
	)
	var record = func(rowNum int, code, field, detail string) {
		if len(rowErrs) >= maxRowErrors {
			return
		}
		rowErrs = append(rowErrs, store.InternalRowError{
			RowNumber: rowNum, Code: code, Field: field, Detail: detail,
		})
	}

	for i, raw := range table.Rows {
		var rowNum = i + 1

		var sku = m.transformed(raw, FieldSKU)
		if sku == "" {
			record(rowNum, RowErrMissingRequired, FieldSKU, "empty sku")
			continue
		}
		if _, dup := seenSKUs[sku]; dup {
			record(rowNum, RowErrTransform, FieldSKU, "duplicate sku "+sku)
			continue
		}

		var row = store.InternalRow{
			SKU:         sku,
			Title:       m.transformed(raw, FieldTitle),
			Identifiers: map[string]string{},
		}
		var failed bool
		if text := m.transformed(raw, FieldRRP); text != "" {
			value, err := parseDecimal(text)
			if err != nil {
				record(rowNum, RowErrTransform, FieldRRP, text)
				failed = true
			} else {
				row.RRP = &value
			}
		}
		if text := m.transformed(raw, FieldRRPStock); text != "" {
			value, err := parseInt(text)
			if err != nil {
				record(rowNum, RowErrTransform, FieldRRPStock, text)
				failed = true
			} else {
				row.RRPStock = &value
			}
		}
		if text := m.transformed(raw, FieldCost); text != "" {
			value, err := parseDecimal(text)
			if err != nil {
				record(rowNum, RowErrTransform, FieldCost, text)
				failed = true
			} else {
				row.Cost = &value
			}
		}
		if failed {
			continue
		}
		for marketplace, column := range m.Identifiers {
			if value := strings.TrimSpace(raw[column]); value != "" {
				row.Identifiers[marketplace] = value
			}
		}
		seenSKUs[sku] = struct{}{}
		rows = append(rows, row)
	}
	return rows, rowErrs
}

// transformed reads the source cell for a field and applies its
// transform chain.
func (m *Mapping) transformed(raw map[string]string, field string) string {
	var column = m.Columns[field]
	if column == "" {
		return ""
	}
	var value = raw[column]
	for _, transform := range m.Transforms[field] {
		value = applyTransform(transform, value)
	}
	return strings.TrimSpace(value)
}

func applyTransform(name, value string) string {
	switch name {
	case TransformStrip:
		return strings.TrimSpace(value)
	case TransformSKULastSegment:
		// "brand/line/ABC-123" keeps "ABC-123".
		var parts = strings.FieldsFunc(value, func(r rune) bool { return r == '/' || r == '|' })
		if len(parts) == 0 {
			return value
		}
		return parts[len(parts)-1]
	case TransformToDecimal, TransformToInt:
		return strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	}
	return value
}

func parseDecimal(text string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(text), ",", "."))
}

func parseInt(text string) (int, error) {
	value, err := parseDecimal(text)
	if err != nil {
		return 0, err
	}
	if !value.IsInteger() {
		return 0, fmt.Errorf("%s is not an integer", text)
	}
	return int(value.IntPart()), nil
}
