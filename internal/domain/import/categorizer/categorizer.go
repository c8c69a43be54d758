// Package categorizer maps free-text transaction descriptions onto a fixed
// category taxonomy using an ordered keyword rule table. The table is
// compiled into a single Aho-Corasick matcher so a description is scanned
// once regardless of how many keywords exist; rule order decides ties.
package categorizer

import (
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Category labels. Other is the fallback when no rule matches.
const (
	Food           = "Food"
	Transportation = "Transportation"
	Shopping       = "Shopping"
	Bills          = "Bills"
	Entertainment  = "Entertainment"
	Health         = "Health"
	Other          = "Other"
)

type rule struct {
	category string
	keywords []string
}

// Rule order is significant: when keywords from several rules occur in the
// same description, the earliest rule wins. Do not reorder.
var rules = []rule{
	{Food, []string{
		"starbucks", "mcdonald", "burger", "pizza", "chipotle", "subway",
		"taco", "dunkin", "wendy", "kfc", "restaurant", "cafe", "coffee",
		"bakery", "deli", "grocery", "supermarket", "walmart", "kroger",
		"trader joe", "whole foods", "doordash", "grubhub", "food",
	}},
	{Transportation, []string{
		"uber", "lyft", "shell", "chevron", "exxon", "mobil", "bp ",
		"gas station", "fuel", "parking", "transit", "metro", "amtrak",
		"toll", "airline", "delta air", "united air",
	}},
	{Shopping, []string{
		"amazon", "target", "ebay", "etsy", "best buy", "costco", "ikea",
		"nike", "macy", "nordstrom", "clothing", "store", "mall",
	}},
	{Bills, []string{
		"electric", "water bill", "internet", "comcast", "xfinity",
		"verizon", "at&t", "t-mobile", "utility", "insurance", "rent",
		"mortgage", "phone",
	}},
	{Entertainment, []string{
		"netflix", "spotify", "hulu", "disney", "hbo", "cinema", "movie",
		"theater", "steam", "playstation", "xbox", "nintendo", "concert",
		"ticketmaster",
	}},
	{Health, []string{
		"pharmacy", "cvs", "walgreens", "doctor", "dental", "medical",
		"hospital", "clinic", "gym", "fitness", "optometr", "therapy",
	}},
}

// Categorizer is pure and stateless after construction; one instance can be
// shared by any number of goroutines.
type Categorizer struct {
	matcher     *ahocorasick.Matcher
	patternRule []int // pattern index -> rule index
}

// New compiles the rule table.
func New() *Categorizer {
	var patterns [][]byte
	var patternRule []int
	for ri, r := range rules {
		for _, kw := range r.keywords {
			patterns = append(patterns, []byte(strings.ToUpper(kw)))
			patternRule = append(patternRule, ri)
		}
	}
	return &Categorizer{
		matcher:     ahocorasick.NewMatcher(patterns),
		patternRule: patternRule,
	}
}

// Categorize returns the category for a description. Matching is
// case-insensitive; among all keyword hits the earliest rule in the table
// wins, keeping results reproducible across runs.
func (c *Categorizer) Categorize(text string) string {
	hits := c.matcher.Match([]byte(strings.ToUpper(text)))
	if len(hits) == 0 {
		return Other
	}

	best := len(rules)
	for _, idx := range hits {
		if idx >= 0 && idx < len(c.patternRule) && c.patternRule[idx] < best {
			best = c.patternRule[idx]
		}
	}
	if best == len(rules) {
		return Other
	}
	return rules[best].category
}

// Categories returns the taxonomy in rule order, ending with Other.
func Categories() []string {
	out := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.category)
	}
	return append(out, Other)
}
