// Package export encodes record sets as downloadable CSV, TSV, XLSX and JSON files.
package export

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"apisheet-proxy-go/internal/flatten"
)

// ErrNoRecords is returned when a tabular export has nothing to write.
var ErrNoRecords = errors.New("no records to export")

// ErrUnknownFormat is returned by ParseFormat for unsupported names.
var ErrUnknownFormat = errors.New("unknown export format")

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ParseFormat parses a format name case-insensitively. "excel" is accepted for xlsx.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "tsv":
		return FormatTSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatTSV:
		return "text/tab-separated-values; charset=utf-8"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/json; charset=utf-8"
	}
}

// Blob is an encoded file ready for download.
type Blob struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Encode encodes records in format f. records is the unflattened record
// sequence; tabular formats flatten it, JSON keeps its structure.
func Encode(f Format, records any, filename string) (*Blob, error) {
	switch f {
	case FormatCSV:
		return CSV(flatten.Flatten(records), filename)
	case FormatTSV:
		return TSV(flatten.Flatten(records), filename)
	case FormatXLSX:
		return Excel(flatten.Flatten(records), filename)
	case FormatJSON:
		return JSON(records, filename)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, string(f))
}

func newBlob(f Format, filename string, data []byte) *Blob {
	return &Blob{
		Filename:    Filename(filename, f),
		ContentType: f.ContentType(),
		Data:        data,
	}
}

// DefaultBaseName is used when a requested file name is empty after cleaning.
const DefaultBaseName = "api-data"

// Filename builds "<base>.<ext>" from a user-supplied name. Path separators,
// reserved characters and control characters become '_'; a trailing
// extension matching the format is not doubled.
func Filename(name string, f Format) string {
	ext := "." + string(f)
	base := strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToLower(base), ext) {
		base = base[:len(base)-len(ext)]
	}
	base = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(`/\:*?"<>|`, r) {
			return '_'
		}
		return r
	}, base)
	base = strings.Trim(base, " .")
	if base == "" {
		base = DefaultBaseName
	}
	return base + ext
}
