// Package money provides precise parsing and formatting of statement amounts.
// It uses shopspring/decimal for all arithmetic so no float rounding ever
// reaches a stored value, and go-money for human-facing currency display.
package money

import (
	"errors"
	"fmt"
	"strings"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when a cell cannot be read as a monetary value.
var ErrInvalidAmount = errors.New("invalid amount")

// CentTolerance is the maximum difference between two amounts still treated
// as equal by duplicate detection.
var CentTolerance = decimal.New(1, -2) // 0.01

var currencySymbols = []string{"R$", "US$", "$", "€", "£", "¥", "₹"}

// ParseAmount parses a raw statement amount into a signed decimal.
//
// Accepted forms: "25.50", "$25.50", "-25.50", "−25.50" (unicode minus),
// "(25.50)" and "($25.50)" (accounting negatives), "1,250.75" (thousands
// separators). The sign is preserved; callers decide what it means.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}

	negative := false

	// Accounting style: (25.50) means -25.50.
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	for _, sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.ReplaceAll(s, "−", "-") // unicode minus
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(strings.TrimPrefix(s, "-"))
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}

	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Format renders an amount with two-digit cents precision, e.g. "25.50".
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Cents converts an amount to integer minor units, rounding half away from zero.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(decimal.New(1, 2)).Round(0).IntPart()
}

// FromCents converts integer minor units back to a decimal amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// WithinCent reports whether two amounts differ by less than one cent.
func WithinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(CentTolerance)
}

// Display renders minor units with the currency's symbol, e.g. "$12.34".
// Unknown codes fall back to USD formatting.
func Display(cents int64, currencyCode string) string {
	if gomoney.GetCurrency(currencyCode) == nil {
		currencyCode = gomoney.USD
	}
	return gomoney.New(cents, currencyCode).Display()
}
