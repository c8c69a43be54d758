// Package sniffer proposes a best-guess mapping from semantic transaction
// fields to the actual column headers of a decoded statement file. Its output
// is purely advisory: the caller must confirm a mapping before anything is
// committed.
package sniffer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Suggestion names the source header guessed for each semantic field.
// Empty string means no plausible header was found.
type Suggestion struct {
	Date        string `json:"date,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Type        string `json:"type,omitempty"`
	Category    string `json:"category,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Term lists are priority-ordered: the first header containing an earlier
// term beats any header containing a later one.
var (
	dateTerms        = []string{"date", "transaction date", "posted date", "trans date", "post date"}
	descriptionTerms = []string{"description", "memo", "details", "transaction", "merchant", "payee"}
	amountTerms      = []string{"amount", "debit", "credit", "value", "total", "$"}
	typeTerms        = []string{"type", "dr/cr", "debit/credit", "direction"}
	categoryTerms    = []string{"category", "categoria"}
	noteTerms        = []string{"note", "notes", "comment", "reference"}
)

// Maximum edit distance tolerated by the fuzzy fallback pass.
const fuzzyMaxDistance = 3

// Suggest proposes a column mapping for the given headers. Headers are
// matched case-insensitively by substring; fields without any match are left
// empty unless a close fuzzy match exists for a required field.
func Suggest(headers []string) Suggestion {
	s := Suggestion{
		Date:        matchHeader(headers, dateTerms),
		Description: matchHeader(headers, descriptionTerms),
		Amount:      matchHeader(headers, amountTerms),
		Type:        matchHeader(headers, typeTerms),
		Category:    matchHeader(headers, categoryTerms),
		Note:        matchHeader(headers, noteTerms),
	}

	// Second advisory pass: catch abbreviated headers like "Dte" or "Amnt"
	// for the required fields only. Substring matches above always win.
	if s.Date == "" {
		s.Date = fuzzyHeader(headers, dateTerms)
	}
	if s.Description == "" {
		s.Description = fuzzyHeader(headers, descriptionTerms)
	}
	if s.Amount == "" {
		s.Amount = fuzzyHeader(headers, amountTerms)
	}

	return s
}

// matchHeader returns the first header whose lowercase form contains the
// highest-priority term, or "".
func matchHeader(headers []string, terms []string) string {
	for _, term := range terms {
		for _, header := range headers {
			if strings.Contains(strings.ToLower(strings.TrimSpace(header)), term) {
				return header
			}
		}
	}
	return ""
}

// fuzzyHeader returns the header closest to any term by edit distance. The
// header is matched as an abbreviation of the term ("Dte" against "date"),
// which is what RankMatch's subsequence semantics give us.
func fuzzyHeader(headers []string, terms []string) string {
	best := ""
	bestRank := fuzzyMaxDistance + 1
	for _, header := range headers {
		h := strings.TrimSpace(header)
		for _, term := range terms {
			rank := fuzzy.RankMatchNormalizedFold(h, term)
			if rank >= 0 && rank < bestRank {
				bestRank = rank
				best = header
			}
		}
	}
	return best
}

// Fingerprint hashes the normalized header set. Two exports from the same
// bank produce the same fingerprint, which keys saved mapping presets.
func Fingerprint(headers []string) string {
	var normalized []string
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}

	hash := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(hash[:])
}
