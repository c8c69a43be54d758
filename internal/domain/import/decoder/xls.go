package decoder

import (
	"bytes"
	"fmt"

	"github.com/shakinm/xlsReader/xls"
)

func decodeXLS(data []byte, opts Options) (*Table, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	sheetList := wb.GetSheets()
	if len(sheetList) == 0 {
		return nil, ErrEmptyFile
	}

	sheets := make([]string, len(sheetList))
	for i := range sheetList {
		sheets[i] = sheetList[i].GetName()
	}

	sheetName, err := pickSheet(sheets, opts.SheetName)
	if err != nil {
		return nil, err
	}
	var sheet = sheetList[0]
	for i, name := range sheets {
		if name == sheetName {
			sheet = sheetList[i]
			break
		}
	}

	var (
		headers []string
		rows    []RawRow
		line    int
	)
	for _, xlsRow := range sheet.GetRows() {
		line++
		var record []string
		for _, col := range xlsRow.GetCols() {
			record = append(record, col.GetString())
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

	if headers == nil || len(rows) == 0 {
		return nil, ErrEmptyFile
	}

	return &Table{
		Headers:   headers,
		Rows:      rows,
		Sheets:    sheets,
		SheetName: sheetName,
		TotalRows: len(rows),
	}, nil
}
