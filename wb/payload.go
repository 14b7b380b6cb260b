package wb

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Field accessors for loosely typed marketplace payloads. Endpoints
// disagree on casing and sometimes send numbers as strings, so every
// accessor takes an alias list and coerces.

// Int64Field extracts an integer under any of the keys, coercing
// float64 and numeric strings. Returns nil when absent or not numeric.
func Int64Field(raw json.RawMessage, keys ...string) *int64 {
	var value = lookup(raw, keys)
	switch v := value.(type) {
	case float64:
		var n = int64(v)
		return &n
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return &n
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return &n
		}
	}
	return nil
}

// DecimalField extracts a decimal under any of the keys, coercing
// numeric strings with either dot or comma separators.
func DecimalField(raw json.RawMessage, keys ...string) *decimal.Decimal {
	var value = lookup(raw, keys)
	switch v := value.(type) {
	case float64:
		var d = decimal.NewFromFloat(v)
		return &d
	case string:
		var s = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
		if d, err := decimal.NewFromString(s); err == nil {
			return &d
		}
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return &d
		}
	}
	return nil
}

// StringField extracts a string under any of the keys.
func StringField(raw json.RawMessage, keys ...string) *string {
	if v, ok := lookup(raw, keys).(string); ok {
		return &v
	}
	return nil
}

func lookup(raw json.RawMessage, keys []string) any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v
		}
	}
	return nil
}
