package normalizer

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moneta-app/moneta/internal/domain/import/categorizer"
	"github.com/moneta-app/moneta/internal/domain/import/decoder"
)

var testMapping = ColumnMapping{
	Date:        "Date",
	Description: "Description",
	Amount:      "Amount",
}

func textRow(line int, cells map[string]string) decoder.RawRow {
	row := decoder.RawRow{Line: line, Cells: make(map[string]decoder.Cell, len(cells))}
	for h, v := range cells {
		row.Cells[h] = decoder.Cell{Raw: v}
	}
	return row
}

func newTestNormalizer(policy SignPolicy) *Normalizer {
	return New(categorizer.New(), policy)
}

func TestNormalize_Dates(t *testing.T) {
	n := newTestNormalizer(NegativeIsIncome)

	for _, raw := range []string{"2024-01-15", "01/15/2024", "1/15/2024", "01-15-2024"} {
		t.Run(raw, func(t *testing.T) {
			c, rerr := n.Normalize(textRow(2, map[string]string{
				"Date": raw, "Description": "Coffee Shop", "Amount": "4.50",
			}), testMapping)
			require.Nil(t, rerr)
			assert.Equal(t, "2024-01-15", c.DateString())
		})
	}

	t.Run("excel date serial", func(t *testing.T) {
		row := decoder.RawRow{Line: 2, Cells: map[string]decoder.Cell{
			"Date":        {Raw: "45306", Number: 45306, Numeric: true, Serial: true},
			"Description": {Raw: "Coffee Shop"},
			"Amount":      {Raw: "4.50"},
		}}
		c, rerr := n.Normalize(row, testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, "2024-01-15", c.DateString())
	})

	t.Run("numeric text is not a serial", func(t *testing.T) {
		// A CSV date column holding "2024" parses as a float, but only
		// spreadsheet-native numbers may be read as date serials.
		row := decoder.RawRow{Line: 5, Cells: map[string]decoder.Cell{
			"Date":        {Raw: "2024", Number: 2024, Numeric: true},
			"Description": {Raw: "Coffee Shop"},
			"Amount":      {Raw: "4.50"},
		}}
		c, rerr := n.Normalize(row, testMapping)
		assert.Nil(t, c)
		require.NotNil(t, rerr)
		assert.Equal(t, "date", rerr.Field)
		assert.Equal(t, 5, rerr.Row)
	})

	t.Run("unparseable date", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(7, map[string]string{
			"Date": "not-a-date", "Description": "Coffee Shop", "Amount": "4.50",
		}), testMapping)
		assert.Nil(t, c)
		require.NotNil(t, rerr)
		assert.Equal(t, "date", rerr.Field)
		assert.Equal(t, 7, rerr.Row)
	})
}

func TestNormalize_Amounts(t *testing.T) {
	n := newTestNormalizer(NegativeIsIncome)

	tests := []struct {
		raw       string
		magnitude string
		kind      Kind
	}{
		{"25.50", "25.5", KindExpense},
		{"$25.50", "25.5", KindExpense},
		{"1,250.75", "1250.75", KindExpense},
		{"-25.50", "25.5", KindIncome},
		{"($25.50)", "25.5", KindIncome},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			c, rerr := n.Normalize(textRow(2, map[string]string{
				"Date": "2024-01-15", "Description": "Coffee Shop", "Amount": tt.raw,
			}), testMapping)
			require.Nil(t, rerr)
			assert.True(t, c.Amount.Equal(decimal.RequireFromString(tt.magnitude)),
				"got %s", c.Amount)
			assert.False(t, c.Amount.IsNegative(), "magnitude must be non-negative")
			assert.Equal(t, tt.kind, c.Kind)
		})
	}

	t.Run("unparseable amount", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(3, map[string]string{
			"Date": "2024-01-15", "Description": "Coffee Shop", "Amount": "abc",
		}), testMapping)
		assert.Nil(t, c)
		require.NotNil(t, rerr)
		assert.Equal(t, "amount", rerr.Field)
		assert.Equal(t, "abc", rerr.Raw)
	})

	t.Run("native spreadsheet number", func(t *testing.T) {
		row := decoder.RawRow{Line: 2, Cells: map[string]decoder.Cell{
			"Date":        {Raw: "2024-01-15"},
			"Description": {Raw: "Salary"},
			"Amount":      {Raw: "5000", Number: 5000, Numeric: true},
		}}
		c, rerr := n.Normalize(row, testMapping)
		require.Nil(t, rerr)
		assert.True(t, c.Amount.Equal(decimal.NewFromInt(5000)))
	})
}

func TestNormalize_KindInference(t *testing.T) {
	mapping := testMapping
	mapping.Type = "Type"

	t.Run("type column beats sign", func(t *testing.T) {
		n := newTestNormalizer(NegativeIsIncome)
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "Refund", "Amount": "25.50", "Type": "Credit",
		}), mapping)
		require.Nil(t, rerr)
		assert.Equal(t, KindIncome, c.Kind)
	})

	t.Run("expense term", func(t *testing.T) {
		n := newTestNormalizer(NegativeIsIncome)
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "Purchase", "Amount": "-25.50", "Type": "Debit",
		}), mapping)
		require.Nil(t, rerr)
		assert.Equal(t, KindExpense, c.Kind)
	})

	t.Run("unknown type falls back to sign", func(t *testing.T) {
		n := newTestNormalizer(NegativeIsIncome)
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "Transfer", "Amount": "-10.00", "Type": "misc",
		}), mapping)
		require.Nil(t, rerr)
		assert.Equal(t, KindIncome, c.Kind)
	})

	t.Run("negative-is-expense policy", func(t *testing.T) {
		n := newTestNormalizer(NegativeIsExpense)
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "Groceries", "Amount": "-42.00",
		}), testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, KindExpense, c.Kind)

		c, rerr = n.Normalize(textRow(3, map[string]string{
			"Date": "2024-01-15", "Description": "Salary", "Amount": "42.00",
		}), testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, KindIncome, c.Kind)
	})
}

func TestNormalize_DescriptionAndCategory(t *testing.T) {
	n := newTestNormalizer(NegativeIsIncome)

	t.Run("empty description rejected", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(4, map[string]string{
			"Date": "2024-01-15", "Description": "   ", "Amount": "4.50",
		}), testMapping)
		assert.Nil(t, c)
		require.NotNil(t, rerr)
		assert.Equal(t, "description", rerr.Field)
	})

	t.Run("whitespace collapsed", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "  Coffee   Shop  ", "Amount": "4.50",
		}), testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, "Coffee Shop", c.Description)
	})

	t.Run("category from description", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "STARBUCKS STORE #123", "Amount": "4.50",
		}), testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, categorizer.Food, c.Category)
	})

	t.Run("mapped category column is normalized", func(t *testing.T) {
		mapping := testMapping
		mapping.Category = "Category"
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "XYZ Corp", "Amount": "4.50",
			"Category": "restaurant tab",
		}), mapping)
		require.Nil(t, rerr)
		assert.Equal(t, categorizer.Food, c.Category)
	})

	t.Run("unmatched text defaults to Other", func(t *testing.T) {
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "XYZ Corp", "Amount": "100.00",
		}), testMapping)
		require.Nil(t, rerr)
		assert.Equal(t, categorizer.Other, c.Category)
	})

	t.Run("note carried through", func(t *testing.T) {
		mapping := testMapping
		mapping.Note = "Notes"
		c, rerr := n.Normalize(textRow(2, map[string]string{
			"Date": "2024-01-15", "Description": "Coffee Shop", "Amount": "4.50",
			"Notes": " team offsite ",
		}), mapping)
		require.Nil(t, rerr)
		assert.Equal(t, "team offsite", c.Note)
	})
}

func TestColumnMapping_Validate(t *testing.T) {
	headers := []string{"Date", "Description", "Amount", "Category"}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, testMapping.Validate(headers))
	})

	t.Run("missing required field", func(t *testing.T) {
		m := ColumnMapping{Date: "Date", Amount: "Amount"}
		err := m.Validate(headers)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "description")
	})

	t.Run("header not in file", func(t *testing.T) {
		m := ColumnMapping{Date: "Posted", Description: "Description", Amount: "Amount"}
		err := m.Validate(headers)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Posted")
	})

	t.Run("optional header must exist when set", func(t *testing.T) {
		m := testMapping
		m.Note = "Remarks"
		assert.Error(t, m.Validate(headers))
	})
}

func TestParseSignPolicy(t *testing.T) {
	assert.Equal(t, NegativeIsExpense, ParseSignPolicy("negative-is-expense"))
	assert.Equal(t, NegativeIsIncome, ParseSignPolicy("negative-is-income"))
	assert.Equal(t, NegativeIsIncome, ParseSignPolicy(""))
	assert.Equal(t, NegativeIsIncome, ParseSignPolicy("bogus"))
}
