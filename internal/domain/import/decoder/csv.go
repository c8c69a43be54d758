package decoder

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gocarina/gocsv"
)

// gocsv configures its reader through package-level state, so concurrent
// decodes with different delimiters must be serialized.
var gocsvMu sync.Mutex

func decodeCSV(data []byte, opts Options) (*Table, error) {
	data = normalizeBytes(data)

	delimiter := detectDelimiter(data)

	headers, err := readHeaders(data, delimiter)
	if err != nil {
		return nil, err
	}

	var rows []RawRow
	if opts.MaxRows > 0 {
		rows, err = readRowsCapped(data, delimiter, headers, opts.MaxRows)
	} else {
		rows, err = readRowsAll(data, delimiter, headers)
	}
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}

	return &Table{
		Headers:   headers,
		Rows:      rows,
		TotalRows: len(rows),
	}, nil
}

// detectDelimiter counts candidate separators in the first non-blank line and
// picks the most frequent. Comma wins ties.
func detectDelimiter(data []byte) rune {
	line := firstNonBlankLine(data)

	best := ','
	bestCount := strings.Count(line, ",")
	for _, d := range []rune{';', '\t'} {
		if count := strings.Count(line, string(d)); count > bestCount {
			bestCount = count
			best = d
		}
	}
	return best
}

func firstNonBlankLine(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func newCSVReader(data []byte, delimiter rune) *csv.Reader {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	return r
}

func readHeaders(data []byte, delimiter rune) ([]string, error) {
	record, err := newCSVReader(data, delimiter).Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	return cleanHeaders(record), nil
}

// lineReader wraps a csv.Reader and records the source line of every record
// it hands out. encoding/csv silently skips blank lines, so counting records
// is not enough to report accurate line numbers.
type lineReader struct {
	r     *csv.Reader
	lines []int
}

func (l *lineReader) Read() ([]string, error) {
	record, err := l.r.Read()
	if err == nil {
		line, _ := l.r.FieldPos(0)
		l.lines = append(l.lines, line)
	}
	return record, err
}

func (l *lineReader) ReadAll() ([][]string, error) { return l.r.ReadAll() }

// readRowsAll decodes every data row through gocsv's map unmarshaler.
func readRowsAll(data []byte, delimiter rune, headers []string) ([]RawRow, error) {
	gocsvMu.Lock()
	defer gocsvMu.Unlock()

	recorder := &lineReader{}
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		recorder.r = csv.NewReader(in)
		recorder.r.Comma = delimiter
		recorder.r.LazyQuotes = true
		recorder.r.TrimLeadingSpace = true
		recorder.r.FieldsPerRecord = -1
		return recorder
	})
	defer gocsv.SetCSVReader(gocsv.DefaultCSVReader)

	maps, err := gocsv.CSVToMaps(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	rows := make([]RawRow, 0, len(maps))
	for i, m := range maps {
		// gocsv keys the map by the untrimmed header text; cells must be
		// reachable under the cleaned header names in Table.Headers.
		cells := make(map[string]Cell, len(headers))
		for k, v := range m {
			cells[strings.TrimSpace(k)] = newCell(v, false)
		}
		for _, h := range headers {
			if _, ok := cells[h]; !ok {
				cells[h] = Cell{}
			}
		}

		line := i + 2
		if i+1 < len(recorder.lines) { // lines[0] is the header record
			line = recorder.lines[i+1]
		}
		rows = append(rows, RawRow{Line: line, Cells: cells})
	}
	return rows, nil
}

// readRowsCapped stops after maxRows data rows without reading the rest of
// the buffer; used by the columns endpoint which only needs a sample.
func readRowsCapped(data []byte, delimiter rune, headers []string, maxRows int) ([]RawRow, error) {
	reader := newCSVReader(data, delimiter)

	// Header row.
	if _, err := reader.Read(); err != nil {
		return nil, ErrEmptyFile
	}

	rows := make([]RawRow, 0, maxRows)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		line, _ := reader.FieldPos(0)
		rows = append(rows, rowFromRecord(headers, record, line, false))
	}
	return rows, nil
}
