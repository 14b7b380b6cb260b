package wb

import (
	"context"
	"encoding/json"
	"fmt"
)

// DefaultFinancePageSize caps realization report lines per request.
const DefaultFinancePageSize = 100000

// FinanceLine is one realization report line. The payload is stored
// verbatim; identity fields are pulled out through coercing accessors
// since the endpoint mixes numbers and numeric strings across versions.
type FinanceLine struct {
	Payload json.RawMessage
}

// RrdID returns the line id, nil when absent.
func (l FinanceLine) RrdID() *int64 { return Int64Field(l.Payload, "rrd_id", "rrdId") }

// NmID returns the card id, nil when absent.
func (l FinanceLine) NmID() *int64 { return Int64Field(l.Payload, "nm_id", "nmId") }

// RealizationReportID returns the report the line belongs to.
func (l FinanceLine) RealizationReportID() *int64 {
	return Int64Field(l.Payload, "realizationreport_id", "realizationReportId")
}

// ReportDetailByPeriod fetches one page of realization report lines.
// rrdID is the pagination cursor: pass the last line's RrdID to get the
// next page, 0 for the first.
func (c *Client) ReportDetailByPeriod(ctx context.Context, dateFrom, dateTo string, rrdID int64, limit int) ([]FinanceLine, error) {
	if limit <= 0 {
		limit = DefaultFinancePageSize
	}
	var url = fmt.Sprintf("%s/api/v5/supplier/reportDetailByPeriod?dateFrom=%s&dateTo=%s&rrdid=%d&limit=%d",
		c.StatisticsHost, dateFrom, dateTo, rrdID, limit)
	var raw []json.RawMessage
	if err := c.getJSON(ctx, c.statsLimiter, url, &raw); err != nil {
		return nil, err
	}
	var out = make([]FinanceLine, 0, len(raw))
	for _, line := range raw {
		out = append(out, FinanceLine{Payload: line})
	}
	return out, nil
}

// Tariff kinds served by the common API.
const (
	TariffCommission = "commission"
	TariffBox        = "box"
	TariffPallet     = "pallet"
	TariffReturn     = "return"
)

// TariffKinds lists every kind the tariffs job fetches.
var TariffKinds = []string{TariffCommission, TariffBox, TariffPallet, TariffReturn}

// Tariffs fetches one global tariff table verbatim.
func (c *Client) Tariffs(ctx context.Context, kind string, date string) (json.RawMessage, error) {
	var url = fmt.Sprintf("%s/api/v1/tariffs/%s", c.CommonHost, kind)
	if date != "" {
		url += "?date=" + date
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, nil, url, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
