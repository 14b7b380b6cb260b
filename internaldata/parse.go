package internaldata

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/sellerhub/sellerhub/store"
)

// Format of a source file.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatXML  Format = "xml"
)

// Table is a parsed source: ordered headers and rows keyed by header.
// Row numbers are 1-based over data rows (the header is row 0).
type Table struct {
	Headers []string
	Rows    []map[string]string
}

func formatFromPath(path string) Format {
	// Query strings on URLs would confuse filepath.Ext.
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	case ".xml":
		return FormatXML
	}
	return ""
}

func formatFromContentType(contentType string) Format {
	contentType = strings.ToLower(contentType)
	switch {
	case strings.Contains(contentType, "csv"):
		return FormatCSV
	case strings.Contains(contentType, "spreadsheet"), strings.Contains(contentType, "excel"):
		return FormatXLSX
	case strings.Contains(contentType, "xml"):
		return FormatXML
	}
	return ""
}

// sniffFormat guesses from content: XLSX files are zip archives, XML
// starts with an angle bracket, everything else is treated as CSV.
func sniffFormat(body []byte) Format {
	var trimmed = bytes.TrimLeft(body, " \t\r\n\ufeff")
	switch {
	case bytes.HasPrefix(body, []byte("PK\x03\x04")):
		return FormatXLSX
	case bytes.HasPrefix(trimmed, []byte("<")):
		return FormatXML
	default:
		return FormatCSV
	}
}

// Parse decodes a source file into a Table.
func Parse(body []byte, format Format) (*Table, error) {
	switch format {
	case FormatCSV:
		return parseCSV(body)
	case FormatXLSX:
		return parseXLSX(body)
	case FormatXML:
		return parseXML(body)
	default:
		return nil, fmt.Errorf("unknown source format %q", format)
	}
}

func parseCSV(body []byte) (*Table, error) {
	var reader = csv.NewReader(bytes.NewReader(body))
	reader.Comma = sniffDelimiter(body)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty csv source")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimPrefix(strings.TrimSpace(headers[i]), "\ufeff")
	}

	var table = Table{Headers: headers}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", len(table.Rows)+1, err)
		}
		table.Rows = append(table.Rows, zipRow(headers, record))
	}
	return &table, nil
}

// parseCSVHeader reads just the header row, tolerating a body cut off
// mid-row. The source test reads only a prefix of remote files.
func parseCSVHeader(body []byte) ([]string, error) {
	if i := bytes.LastIndexByte(body, '\n'); i >= 0 {
		body = body[:i+1]
	}
	var reader = csv.NewReader(bytes.NewReader(body))
	reader.Comma = sniffDelimiter(body)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	headers, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty csv source")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	for i := range headers {
		headers[i] = strings.TrimPrefix(strings.TrimSpace(headers[i]), "\ufeff")
	}
	return headers, nil
}

// sniffDelimiter prefers a semicolon when the header line has more of
// them than commas, which is the norm for Russian-locale exports.
func sniffDelimiter(body []byte) rune {
	var line = body
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		line = body[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

func parseXLSX(body []byte) (*Table, error) {
	book, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("opening xlsx: %w", err)
	}
	defer book.Close()

	var sheets = book.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("xlsx has no sheets")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty xlsx sheet")
	}

	var headers = make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}
	var table = Table{Headers: headers}
	for _, record := range rows[1:] {
		table.Rows = append(table.Rows, zipRow(headers, record))
	}
	return &table, nil
}

// xmlItem is one <item> element; columns are attributes.
type xmlItem struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// parseXML reads <item> elements anywhere in the document, mapping
// attributes to columns.
func parseXML(body []byte) (*Table, error) {
	var decoder = xml.NewDecoder(bytes.NewReader(body))
	var table Table
	var seenHeaders = make(map[string]struct{})
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading xml: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "item" {
			continue
		}
		var item xmlItem
		if err := decoder.DecodeElement(&item, &start); err != nil {
			return nil, fmt.Errorf("decoding xml item %d: %w", len(table.Rows)+1, err)
		}
		var row = make(map[string]string, len(item.Attrs))
		for _, attr := range item.Attrs {
			row[attr.Name.Local] = attr.Value
			if _, seen := seenHeaders[attr.Name.Local]; !seen {
				seenHeaders[attr.Name.Local] = struct{}{}
				table.Headers = append(table.Headers, attr.Name.Local)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	if len(table.Rows) == 0 {
		return nil, errors.New("xml source has no item elements")
	}
	return &table, nil
}

func zipRow(headers, record []string) map[string]string {
	var row = make(map[string]string, len(headers))
	for i, header := range headers {
		if header == "" {
			continue
		}
		if i < len(record) {
			row[header] = record[i]
		} else {
			row[header] = ""
		}
	}
	return row
}

// ParseLegacyRRPXML projects the legacy feed (item attributes sku, rrp
// and optional stock) straight into rrp rows.
func ParseLegacyRRPXML(body []byte) ([]store.RRPRow, error) {
	table, err := parseXML(body)
	if err != nil {
		return nil, syncErr("parse_error", err)
	}
	var out []store.RRPRow
	for _, row := range table.Rows {
		var sku = strings.TrimSpace(firstNonEmpty(row, "sku", "vendor_code", "article"))
		if sku == "" {
			continue
		}
		var rrpText = strings.TrimSpace(firstNonEmpty(row, "rrp", "rrp_price", "price"))
		if rrpText == "" {
			continue
		}
		rrp, err := decimal.NewFromString(strings.ReplaceAll(rrpText, ",", "."))
		if err != nil {
			continue
		}
		var out1 = store.RRPRow{
			VendorCodeNorm: store.NormalizeVendorCode(sku),
			RRPPrice:       &rrp,
		}
		if stockText := strings.TrimSpace(firstNonEmpty(row, "stock", "rrp_stock")); stockText != "" {
			if stock, err := decimal.NewFromString(stockText); err == nil {
				var n = int(stock.IntPart())
				out1.RRPStock = &n
			}
		}
		out = append(out, out1)
	}
	if len(out) == 0 {
		return nil, syncErr("parse_error", errors.New("legacy feed yielded no rrp rows"))
	}
	return out, nil
}

func firstNonEmpty(row map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := row[key]; v != "" {
			return v
		}
	}
	return ""
}
