package export

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"apisheet-proxy-go/internal/flatten"
	"apisheet-proxy-go/internal/jsondoc"
)

const (
	sheetName = "Data"
	// maxColumnWidth caps the approximate column width in characters.
	maxColumnWidth = 100
	// maxExactInteger is the largest integer a spreadsheet cell keeps exactly.
	maxExactInteger = 1e15
)

// Excel writes a single-sheet workbook with one header row. Column widths
// follow the longest text in each column, capped at 100 characters.
func Excel(rs *flatten.RecordSet, filename string) (*Blob, error) {
	if rs.Len() == 0 {
		return nil, ErrNoRecords
	}
	cols := rs.AllColumns()

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return nil, fmt.Errorf("open stream writer: %w", err)
	}

	// Widths must be set before the first row is streamed.
	for i, w := range columnWidths(rs.Records, cols) {
		if err := sw.SetColWidth(i+1, i+1, float64(w)); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for r, rec := range rs.Records {
		row := make([]any, len(cols))
		for i, c := range cols {
			if v, ok := rec.Get(c); ok {
				row[i] = cellValue(v)
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, fmt.Errorf("cell name: %w", err)
		}
		if err := sw.SetRow(cell, row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return newBlob(FormatXLSX, filename, buf.Bytes()), nil
}

func columnWidths(records []*jsondoc.Object, cols []string) []int {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = utf8.RuneCountInString(c)
	}
	for _, rec := range records {
		for i, c := range cols {
			v, ok := rec.Get(c)
			if !ok {
				continue
			}
			if n := utf8.RuneCountInString(flatten.String(v)); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for i, w := range widths {
		widths[i] = min(max(w, 1), maxColumnWidth)
	}
	return widths
}

// cellValue keeps numbers and booleans typed. Integers too large to be exact
// in a cell, and strings over the cell limit, are stored as (truncated) text.
func cellValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := t.Int64(); err == nil && math.Abs(float64(n)) < maxExactInteger {
				return n
			}
			return s
		}
		if fv, err := t.Float64(); err == nil {
			return fv
		}
		return s
	case bool:
		return t
	case string:
		return truncate(t, excelize.TotalCellChars)
	default:
		return truncate(flatten.String(v), excelize.TotalCellChars)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
