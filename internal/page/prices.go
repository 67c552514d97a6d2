package page

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are only trusted when tagged by a currency marker or a /mo
// suffix. Bare numbers (order IDs, phone numbers) never become prices.
var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[$€£₹]\s*(\d[\d,]*(?:\.\d{1,2})?)`),
	regexp.MustCompile(`\brs\.?\s*(\d[\d,]*(?:\.\d{1,2})?)`),
	regexp.MustCompile(`\bpkr\s*(\d[\d,]*(?:\.\d{1,2})?)`),
	regexp.MustCompile(`(\d[\d,]*(?:\.\d{1,2})?)\s*/\s*mo(?:nth)?\b`),
}

var (
	priceLowerBound = decimal.Zero
	priceUpperBound = decimal.NewFromInt(50000)
)

// extractPrices collects currency-tagged amounts from lowercased page text,
// keeps those in the open interval (0, 50000), deduplicates and sorts them
// descending.
func extractPrices(text string) []decimal.Decimal {
	seen := make(map[string]struct{})
	var prices []decimal.Decimal

	for _, pat := range pricePatterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			raw := strings.ReplaceAll(m[1], ",", "")
			d, err := decimal.NewFromString(raw)
			if err != nil {
				continue
			}
			// Open interval: rejects zero and junk like phone numbers and
			// order IDs that slip past the currency tag.
			if !d.GreaterThan(priceLowerBound) || !d.LessThan(priceUpperBound) {
				continue
			}
			key := d.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			prices = append(prices, d)
		}
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].GreaterThan(prices[j])
	})
	return prices
}
