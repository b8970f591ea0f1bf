// Package render writes an in-memory row set to CSV or XLSX bytes.
package render

import (
	"bytes"
	"database/sql/driver"
	"encoding/csv"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"export-service/pkg/export"

	"github.com/xuri/excelize/v2"
)

// SheetName is the single worksheet written to spreadsheets.
const SheetName = "Export"

// Render lays out rows in headers order. Missing and nil values become empty cells.
func Render(rows []map[string]any, headers []string, format export.Format) ([]byte, error) {
	switch format {
	case export.FormatCSV:
		return renderCSV(rows, headers)
	case export.FormatXLSX:
		return renderXLSX(rows, headers)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", export.ErrInvalidRequest, format)
	}
}

func renderCSV(rows []map[string]any, headers []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(headers))
	for i, row := range rows {
		for j, h := range headers {
			record[j] = FormatValue(row[h])
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func renderXLSX(rows []map[string]any, headers []string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return nil, fmt.Errorf("open sheet writer: %w", err)
	}

	header := make([]any, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, fmt.Errorf("write xlsx header: %w", err)
	}

	for i, row := range rows {
		cells := make([]any, len(headers))
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		for j, h := range headers {
			if v := row[h]; v != nil {
				if cells[j], err = xlsxValue(v); err != nil {
					return nil, fmt.Errorf("xlsx row %d column %q: %w", i, h, err)
				}
			}
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return nil, fmt.Errorf("write xlsx row %d: %w", i, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush xlsx: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// xlsxValue keeps numbers, booleans and timestamps typed so the sheet stores them as such.
// Anything else becomes text, which must fit in a single cell.
func xlsxValue(v any) (any, error) {
	switch val := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return val, nil
	case time.Time:
		return val.UTC(), nil
	}
	s := FormatValue(v)
	if n := utf8.RuneCountInString(s); n > excelize.TotalCellChars {
		return nil, fmt.Errorf("value of %d characters exceeds the %d character cell limit", n, excelize.TotalCellChars)
	}
	return s, nil
}

// FormatValue renders a single database value as cell text.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case []string:
		return strings.Join(val, "; ")
	case [16]byte:
		return formatUUID(val)
	case fmt.Stringer:
		return val.String()
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return ""
		}
		return FormatValue(inner)
	default:
		return fmt.Sprint(val)
	}
}

// pgx decodes uuid columns as [16]byte when scanned into an interface.
func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
