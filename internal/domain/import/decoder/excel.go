package decoder

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

func decodeXLSX(data []byte, opts Options) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data), excelize.Options{
		RawCellValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	sheetName, err := pickSheet(sheets, opts.SheetName)
	if err != nil {
		return nil, err
	}

	// Row iterator keeps memory flat and lets a capped decode stop early.
	iter, err := f.Rows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheetName, err)
	}
	defer iter.Close()

	var (
		headers  []string
		rows     []RawRow
		failures []RowFailure
		line     int
	)
	for iter.Next() {
		line++
		record, err := iter.Columns()
		if err != nil {
			if headers == nil {
				return nil, fmt.Errorf("read header row: %w", err)
			}
			// An unreadable row still counts; dropping it would silently
			// shrink the batch.
			failures = append(failures, RowFailure{Line: line, Err: err.Error()})
			continue
		}
		if headers == nil {
			headers = cleanHeaders(record)
			continue
		}
		if opts.MaxRows > 0 && len(rows) >= opts.MaxRows {
			break
		}
		rows = append(rows, rowFromRecord(headers, record, line, true))
	}

	if headers == nil || len(rows)+len(failures) == 0 {
		return nil, ErrEmptyFile
	}

	return &Table{
		Headers:   headers,
		Rows:      rows,
		Failures:  failures,
		Sheets:    sheets,
		SheetName: sheetName,
		TotalRows: len(rows) + len(failures),
	}, nil
}

// pickSheet selects the requested sheet (case-insensitive) or the first one.
func pickSheet(sheets []string, requested string) (string, error) {
	if requested == "" {
		return sheets[0], nil
	}
	for _, s := range sheets {
		if strings.EqualFold(s, requested) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrSheetNotFound, requested)
}
