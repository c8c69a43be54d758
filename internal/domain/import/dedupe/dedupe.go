// Package dedupe flags import candidates that already exist in an account's
// recent history. Detection is deliberately conservative: a missed duplicate
// only costs the user a manual delete, while a false positive would silently
// drop a real transaction.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneta-app/moneta/internal/domain/import/normalizer"
	"github.com/moneta-app/moneta/pkg/money"
)

// ExistingRecord is the slice of a persisted transaction the detector needs.
// ContentHash may be empty for records written before hashing existed; those
// fall back to fuzzy matching.
type ExistingRecord struct {
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	ContentHash string
}

// Description similarity threshold for the fuzzy fallback path.
const jaccardThreshold = 0.8

// ContentHash derives the stable identity of a transaction within an
// account: sha256 over accountID, calendar date, two-decimal magnitude and
// the lowercased whitespace-collapsed description. Identical rows from
// re-uploaded files always hash identically.
func ContentHash(accountID string, date time.Time, amount decimal.Decimal, description string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(description), " "))
	payload := fmt.Sprintf("%s|%s|%s|%s",
		accountID,
		date.Format("2006-01-02"),
		amount.StringFixed(2),
		normalized,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// StampHashes fills ContentHash on every candidate in place.
func StampHashes(accountID string, candidates []normalizer.Candidate) {
	for i := range candidates {
		c := &candidates[i]
		c.ContentHash = ContentHash(accountID, c.Date, c.Amount, c.Description)
	}
}

// FindDuplicates returns the subset of candidates already present among the
// existing records. Candidates must have been stamped with StampHashes.
// Records carrying a hash are matched by O(1) set lookup; unhashed records
// are matched by date, cent-tolerant amount and description token overlap.
func FindDuplicates(candidates []normalizer.Candidate, existing []ExistingRecord) []normalizer.Candidate {
	hashes := make(map[string]struct{}, len(existing))
	var unhashed []ExistingRecord
	for _, r := range existing {
		if r.ContentHash != "" {
			hashes[r.ContentHash] = struct{}{}
		} else {
			unhashed = append(unhashed, r)
		}
	}

	var dups []normalizer.Candidate
	for _, c := range candidates {
		if _, ok := hashes[c.ContentHash]; ok {
			dups = append(dups, c)
			continue
		}
		for _, r := range unhashed {
			if fuzzyMatch(c, r) {
				dups = append(dups, c)
				break
			}
		}
	}
	return dups
}

func fuzzyMatch(c normalizer.Candidate, r ExistingRecord) bool {
	if !sameDay(c.Date, r.Date) {
		return false
	}
	if !money.WithinCent(c.Amount, r.Amount) {
		return false
	}
	return jaccard(c.Description, r.Description) >= jaccardThreshold
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// jaccard computes |A∩B| / |A∪B| over lowercased whitespace tokens.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}
