// Package normalizer converts raw decoded rows into canonical transaction
// candidates under a caller-confirmed column mapping. All field-level
// validation lives here; a row either becomes a Candidate or a RowError,
// never both, and a bad row never aborts the batch it belongs to.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneta-app/moneta/internal/domain/import/decoder"
	"github.com/moneta-app/moneta/pkg/money"
)

// ErrInvalidMapping marks structural mapping failures; the whole request is
// rejected before any row is read.
var ErrInvalidMapping = errors.New("invalid column mapping")

// Kind says which side of the ledger a candidate lands on. The amount
// magnitude is always non-negative; sign lives here and only here.
type Kind string

const (
	KindExpense Kind = "expense"
	KindIncome  Kind = "income"
)

// SignPolicy controls how a signed raw amount is interpreted when no type
// column disambiguates the row. Bank exports disagree on what a minus sign
// means, so the convention is configuration, not code.
type SignPolicy string

const (
	// NegativeIsIncome treats negative raw amounts as income. This matches
	// exports where charges are positive and inbound transfers negative.
	NegativeIsIncome SignPolicy = "negative-is-income"
	// NegativeIsExpense treats negative raw amounts as expenses, the common
	// checking-account convention.
	NegativeIsExpense SignPolicy = "negative-is-expense"
)

// ParseSignPolicy maps a config string to a policy, defaulting to
// NegativeIsIncome for unrecognized values.
func ParseSignPolicy(s string) SignPolicy {
	if SignPolicy(strings.ToLower(strings.TrimSpace(s))) == NegativeIsExpense {
		return NegativeIsExpense
	}
	return NegativeIsIncome
}

// ColumnMapping names the source header for each semantic field. Date,
// Description and Amount are required; the rest are optional.
type ColumnMapping struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Type        string `json:"type,omitempty"`
	Category    string `json:"category,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Validate checks that every required field is set and that every mapped
// header (required or optional) actually exists in the decoded file. This
// runs once per request, before any row is touched.
func (m ColumnMapping) Validate(headers []string) error {
	present := make(map[string]struct{}, len(headers))
	for _, h := range headers {
		present[h] = struct{}{}
	}

	required := []struct{ field, header string }{
		{"date", m.Date},
		{"description", m.Description},
		{"amount", m.Amount},
	}
	for _, r := range required {
		if strings.TrimSpace(r.header) == "" {
			return fmt.Errorf("%w: %s column is required", ErrInvalidMapping, r.field)
		}
		if _, ok := present[r.header]; !ok {
			return fmt.Errorf("%w: %s column %q not found in file headers", ErrInvalidMapping, r.field, r.header)
		}
	}

	optional := []struct{ field, header string }{
		{"type", m.Type},
		{"category", m.Category},
		{"note", m.Note},
	}
	for _, o := range optional {
		if o.header == "" {
			continue
		}
		if _, ok := present[o.header]; !ok {
			return fmt.Errorf("%w: %s column %q not found in file headers", ErrInvalidMapping, o.field, o.header)
		}
	}
	return nil
}

// RowError is a structured per-row failure. Row is the 1-based line number
// in the source file, so users can find the offending line in their export.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Raw     string `json:"raw,omitempty"`
}

// Candidate is the canonical in-memory transaction prior to persistence.
// Amount is a non-negative magnitude; Date carries no time component.
type Candidate struct {
	Row         int             `json:"row"`
	Date        time.Time       `json:"-"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        Kind            `json:"kind"`
	Category    string          `json:"category"`
	Note        string          `json:"note,omitempty"`
	ContentHash string          `json:"-"`
}

// DateString renders the candidate's calendar date as YYYY-MM-DD.
func (c Candidate) DateString() string { return c.Date.Format("2006-01-02") }

var (
	incomeTerms  = []string{"income", "deposit", "credit", "refund", "payment"}
	expenseTerms = []string{"expense", "debit", "withdrawal", "purchase", "charge"}
)

// Categorizer assigns a category label to free text.
type Categorizer interface {
	Categorize(text string) string
}

// Normalizer applies a fixed sign policy and categorizer to rows.
type Normalizer struct {
	categorizer Categorizer
	policy      SignPolicy
}

func New(c Categorizer, policy SignPolicy) *Normalizer {
	return &Normalizer{categorizer: c, policy: policy}
}

// Normalize converts one raw row into a candidate. On failure it returns a
// RowError naming the field that could not be parsed; the caller collects
// these and keeps going.
func (n *Normalizer) Normalize(row decoder.RawRow, mapping ColumnMapping) (*Candidate, *RowError) {
	date, rerr := parseDate(row.Get(mapping.Date), row.Line)
	if rerr != nil {
		return nil, rerr
	}

	description := collapseWhitespace(row.Get(mapping.Description).String())
	if description == "" {
		return nil, &RowError{
			Row:     row.Line,
			Field:   "description",
			Message: "description is empty",
		}
	}

	amountCell := row.Get(mapping.Amount)
	signed, err := parseAmountCell(amountCell)
	if err != nil {
		return nil, &RowError{
			Row:     row.Line,
			Field:   "amount",
			Message: "unparseable amount",
			Raw:     amountCell.String(),
		}
	}

	kind := n.inferKind(row, mapping, signed)

	category := ""
	if mapping.Category != "" {
		if cell := row.Get(mapping.Category); !cell.IsEmpty() {
			// Free-text categories from the source file are normalized
			// through the same taxonomy as descriptions.
			category = n.categorizer.Categorize(cell.String())
		}
	}
	if category == "" {
		category = n.categorizer.Categorize(description)
	}

	note := ""
	if mapping.Note != "" {
		note = strings.TrimSpace(row.Get(mapping.Note).String())
	}

	return &Candidate{
		Row:         row.Line,
		Date:        date,
		Description: description,
		Amount:      signed.Abs(),
		Kind:        kind,
		Category:    category,
		Note:        note,
	}, nil
}

// inferKind resolves expense vs income. An explicit type column wins; the
// sign of the raw amount is only consulted when the type cell is absent or
// matches no known term.
func (n *Normalizer) inferKind(row decoder.RawRow, mapping ColumnMapping, signed decimal.Decimal) Kind {
	if mapping.Type != "" {
		if cell := row.Get(mapping.Type); !cell.IsEmpty() {
			v := strings.ToLower(cell.String())
			for _, term := range incomeTerms {
				if strings.Contains(v, term) {
					return KindIncome
				}
			}
			for _, term := range expenseTerms {
				if strings.Contains(v, term) {
					return KindExpense
				}
			}
		}
	}

	negative := signed.IsNegative()
	if n.policy == NegativeIsExpense {
		if negative {
			return KindExpense
		}
		return KindIncome
	}
	if negative {
		return KindIncome
	}
	return KindExpense
}

// dateLayouts are tried in order. The unpadded layouts also accept
// zero-padded input, so "1/2/2006" covers both MM/DD/YYYY and M/D/YYYY.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"1-2-2006",
	"2006/1/2",
	"2006-01-02T15:04:05Z07:00",
}

// Excel serial bounds: 367 is 1901-01-01, 219146 is 2499-12-31. Values
// outside this range are almost certainly amounts, not dates.
const (
	minExcelSerial = 367
	maxExcelSerial = 219146
)

// excelEpoch is day zero of the 1900 date system. Using Dec 30 (not 31)
// absorbs Excel's phantom 1900-02-29 leap day for all modern dates.
var excelEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

func parseDate(cell decoder.Cell, line int) (time.Time, *RowError) {
	// Only spreadsheet-native numbers are candidate date serials. Numeric
	// text from a CSV, like a bare "2024", must fail as an unparseable date
	// rather than silently become one.
	if cell.Serial {
		serial := int(cell.Number)
		if serial >= minExcelSerial && serial <= maxExcelSerial {
			return excelEpoch.AddDate(0, 0, serial), nil
		}
		return time.Time{}, &RowError{
			Row:     line,
			Field:   "date",
			Message: "numeric value is not a recognizable date serial",
			Raw:     cell.String(),
		}
	}

	raw := strings.TrimSpace(cell.String())
	if raw == "" {
		return time.Time{}, &RowError{Row: line, Field: "date", Message: "date is empty"}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			// Drop any time component; candidates carry pure dates.
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, &RowError{
		Row:     line,
		Field:   "date",
		Message: "unrecognized date format",
		Raw:     raw,
	}
}

// parseAmountCell prefers the spreadsheet's native number when present and
// falls back to text parsing for currency-formatted strings.
func parseAmountCell(cell decoder.Cell) (decimal.Decimal, error) {
	if cell.Numeric {
		return decimal.NewFromFloat(cell.Number), nil
	}
	return money.ParseAmount(cell.String())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
