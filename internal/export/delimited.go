package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"apisheet-proxy-go/internal/flatten"
	"apisheet-proxy-go/internal/jsondoc"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSV writes a comma-separated file: every field quoted, CRLF line endings,
// UTF-8 BOM, formula-leading strings neutralized.
func CSV(rs *flatten.RecordSet, filename string) (*Blob, error) {
	if rs.Len() == 0 {
		return nil, ErrNoRecords
	}
	cols := rs.AllColumns()

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	writeQuotedRow(&buf, headerValues(cols))
	for _, rec := range rs.Records {
		writeQuotedRow(&buf, rowValues(rec, cols))
	}
	return newBlob(FormatCSV, filename, buf.Bytes()), nil
}

func writeQuotedRow(buf *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strings.ReplaceAll(f, `"`, `""`))
		buf.WriteByte('"')
	}
	buf.WriteString("\r\n")
}

// TSV writes a tab-separated file with CRLF line endings and a UTF-8 BOM.
// Fields are quoted only when they contain a tab, quote or line break.
func TSV(rs *flatten.RecordSet, filename string) (*Blob, error) {
	if rs.Len() == 0 {
		return nil, ErrNoRecords
	}
	cols := rs.AllColumns()

	var buf bytes.Buffer
	buf.Write(utf8BOM)
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	w.UseCRLF = true

	if err := w.Write(headerValues(cols)); err != nil {
		return nil, fmt.Errorf("write tsv header: %w", err)
	}
	for _, rec := range rs.Records {
		if err := w.Write(rowValues(rec, cols)); err != nil {
			return nil, fmt.Errorf("write tsv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush tsv: %w", err)
	}
	return newBlob(FormatTSV, filename, buf.Bytes()), nil
}

// rowValues renders rec in column order. Only string values are formula
// escaped, so negative numbers stay numbers.
func rowValues(rec *jsondoc.Object, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		v, ok := rec.Get(c)
		if !ok {
			continue
		}
		if s, isString := v.(string); isString {
			out[i] = escapeFormula(s)
			continue
		}
		out[i] = flatten.String(v)
	}
	return out
}

func headerValues(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = escapeFormula(c)
	}
	return out
}

// escapeFormula prefixes a quote to text a spreadsheet would run as a formula.
func escapeFormula(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + s
	}
	return s
}
