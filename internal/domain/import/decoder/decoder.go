// Package decoder turns raw statement files (CSV, XLSX, legacy XLS) into an
// ordered sequence of header-keyed rows. It knows nothing about transactions;
// downstream code works against the Table/RawRow contract instead of the
// untyped output of the parsing libraries.
package decoder

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrSheetNotFound     = errors.New("sheet not found")
	ErrEmptyFile         = errors.New("file has no data rows")
)

// FileKind identifies the accepted statement file formats.
type FileKind string

const (
	KindCSV     FileKind = "csv"
	KindXLSX    FileKind = "xlsx"
	KindXLS     FileKind = "xls"
	KindUnknown FileKind = ""
)

// Cell is a single scalar value from the source file. Spreadsheet cells may
// carry a native number (including date serials); CSV cells are always text.
// Serial is only set for spreadsheet-native numbers: numeric-looking CSV text
// must never be interpreted as a date serial.
type Cell struct {
	Raw     string
	Number  float64
	Numeric bool
	Serial  bool
}

// String returns the textual form of the cell.
func (c Cell) String() string { return c.Raw }

// IsEmpty reports whether the cell holds no value after trimming.
func (c Cell) IsEmpty() bool { return strings.TrimSpace(c.Raw) == "" }

// RawRow is one source line keyed by header name. Column order lives in
// Table.Headers; Line is the 1-based line number in the source file.
type RawRow struct {
	Line  int
	Cells map[string]Cell
}

// Get returns the cell under the given header, or an empty cell.
func (r RawRow) Get(header string) Cell {
	return r.Cells[header]
}

// RowFailure is a source row the decoder could not read at all. Failed rows
// still count toward TotalRows so batch totals stay honest.
type RowFailure struct {
	Line int
	Err  string
}

// Table is the decoded form of one statement file.
type Table struct {
	Headers   []string
	Rows      []RawRow
	Failures  []RowFailure // Rows the decoder could not read.
	Sheets    []string     // All sheet names, spreadsheets only.
	SheetName string       // The sheet actually decoded.
	TotalRows int          // Data rows seen, readable or not; exact when no cap was set.
}

// Options controls decoding.
type Options struct {
	SheetName string // Spreadsheets only; empty selects the first sheet.
	MaxRows   int    // Stop after this many data rows; 0 decodes everything.
}

// Decode parses the file into a Table. It is a pure transformation of bytes
// to rows and performs no I/O beyond reading the buffer.
func Decode(data []byte, kind FileKind, opts Options) (*Table, error) {
	switch kind {
	case KindCSV:
		return decodeCSV(data, opts)
	case KindXLSX:
		return decodeXLSX(data, opts)
	case KindXLS:
		return decodeXLS(data, opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, kind)
	}
}

// KindFromFilename resolves the file kind from an extension.
func KindFromFilename(name string) FileKind {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return KindCSV
	case ".xlsx":
		return KindXLSX
	case ".xls":
		return KindXLS
	default:
		return KindUnknown
	}
}

// KindFromContentType resolves the file kind from a MIME type.
func KindFromContentType(contentType string) FileKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	switch ct {
	case "text/csv", "application/csv":
		return KindCSV
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return KindXLSX
	case "application/vnd.ms-excel", "application/msexcel":
		return KindXLS
	default:
		return KindUnknown
	}
}

// ResolveKind prefers the filename extension and falls back to the MIME type.
func ResolveKind(filename, contentType string) FileKind {
	if kind := KindFromFilename(filename); kind != KindUnknown {
		return kind
	}
	return KindFromContentType(contentType)
}

// newCell builds a Cell, detecting numbers in the raw value. native marks
// values read from a spreadsheet cell, whose numbers may be date serials.
func newCell(raw string, native bool) Cell {
	trimmed := strings.TrimSpace(raw)
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil && trimmed != "" {
		return Cell{Raw: trimmed, Number: n, Numeric: true, Serial: native}
	}
	return Cell{Raw: trimmed}
}

// rowFromRecord zips headers with a (possibly ragged) record by position.
func rowFromRecord(headers []string, record []string, line int, native bool) RawRow {
	cells := make(map[string]Cell, len(headers))
	for i, h := range headers {
		if i < len(record) {
			cells[h] = newCell(record[i], native)
		} else {
			cells[h] = Cell{}
		}
	}
	return RawRow{Line: line, Cells: cells}
}

func cleanHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = strings.TrimSpace(h)
	}
	return out
}

// normalizeBytes strips a UTF-8 BOM and transcodes Latin-1 exports so the
// CSV reader always sees valid UTF-8.
func normalizeBytes(data []byte) []byte {
	data = stripUTF8BOM(data)
	if utf8.Valid(data) {
		return data
	}
	return decodeLatin1(data)
}

func stripUTF8BOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

func decodeLatin1(data []byte) []byte {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}
