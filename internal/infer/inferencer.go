// Package infer derives a structured transaction from a page that the
// classifier accepted. Every field falls back to a safe placeholder rather
// than aborting: extraction failure is degradation, not an error.
package infer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vibetracker/internal/core"
	"vibetracker/internal/page"
)

const (
	unknownProduct   = "Unknown Product"
	defaultTrialDays = 7

	minStoreSegment = 3
	maxStoreSegment = 29
)

// Infer builds an unsynced transaction from the page signal. Rules are
// applied in order, first match wins per field.
func Infer(sig page.Signal, now time.Time) core.Transaction {
	txType := inferType(sig.Text)

	tx := core.Transaction{
		LocalID:    core.NewLocalID(),
		Store:      inferStore(sig),
		Product:    inferProduct(sig),
		Amount:     inferAmount(sig),
		Type:       txType,
		SourceURL:  sig.URL,
		DetectedAt: now,
	}

	tx.Category = inferCategory(tx.Store, sig.Hostname)

	if txType == core.Subscription || txType == core.Trial {
		tx.Cycle = inferCycle(sig.Text)
	}
	if txType == core.Trial {
		tx.TrialDays = inferTrialDays(sig.Text)
	}
	if d := inferRenewalDate(sig.Text); d != nil {
		tx.RenewalDate = d
	}
	return tx
}

// inferStore resolves the brand name: og:site_name, then application-name,
// then the last title segment when plausibly brand-sized, then the first
// hostname label capitalized.
func inferStore(sig page.Signal) string {
	if sig.MetaSiteName != "" {
		return sig.MetaSiteName
	}
	if sig.MetaAppName != "" {
		return sig.MetaAppName
	}
	if seg := lastTitleSegment(sig.Title); seg != "" {
		return seg
	}
	label := sig.Hostname
	label = strings.TrimPrefix(label, "www.")
	if i := strings.IndexByte(label, '.'); i > 0 {
		label = label[:i]
	}
	return capitalize(label)
}

var titleSeparators = regexp.MustCompile(`\s*[|\-–—]\s*`)

func lastTitleSegment(title string) string {
	if title == "" {
		return ""
	}
	parts := titleSeparators.Split(title, -1)
	seg := strings.TrimSpace(parts[len(parts)-1])
	if len(seg) >= minStoreSegment && len(seg) <= maxStoreSegment {
		return seg
	}
	return ""
}

func inferProduct(sig page.Signal) string {
	if sig.Title == "" {
		return unknownProduct
	}
	parts := titleSeparators.Split(sig.Title, -1)
	first := strings.TrimSpace(parts[0])
	if len(first) >= minStoreSegment {
		return first
	}
	return unknownProduct
}

func inferType(text string) core.TransactionType {
	for _, kw := range trialKeywords {
		if strings.Contains(text, kw) {
			return core.Trial
		}
	}
	for _, kw := range subscriptionKeywords {
		if strings.Contains(text, kw) {
			return core.Subscription
		}
	}
	return core.Purchase
}

// inferAmount takes the largest candidate price. Zero is intentional when
// nothing was found: a trial signup with no immediate charge still counts.
func inferAmount(sig page.Signal) decimal.Decimal {
	if len(sig.CandidatePrices) > 0 {
		return sig.CandidatePrices[0]
	}
	return decimal.Zero
}

func inferCycle(text string) core.BillingCycle {
	for _, kw := range yearlyKeywords {
		if strings.Contains(text, kw) {
			return core.CycleYearly
		}
	}
	for _, kw := range weeklyKeywords {
		if strings.Contains(text, kw) {
			return core.CycleWeekly
		}
	}
	for _, kw := range monthlyKeywords {
		if strings.Contains(text, kw) {
			return core.CycleMonthly
		}
	}
	return core.CycleMonthly
}

func inferCategory(store, hostname string) string {
	haystack := strings.ToLower(store + " " + hostname)
	for _, entry := range categoryTable {
		for _, kw := range entry.Keywords {
			if strings.Contains(haystack, kw) {
				return entry.Category
			}
		}
	}
	return defaultCategory
}

var (
	renewalPhrasePattern = regexp.MustCompile(`(?:renews|renewal|due|charged)\s+on:?\s+`)
	numericDatePattern   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	writtenDatePattern   = regexp.MustCompile(`\b(january|february|march|april|may|june|july|august|september|october|november|december)\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

// inferRenewalDate looks for an explicit renewal phrase first, then bare
// numeric or written dates anywhere in the text. Unparseable dates yield
// nil rather than a guess.
func inferRenewalDate(text string) *time.Time {
	if loc := renewalPhrasePattern.FindStringIndex(text); loc != nil {
		// Only trust dates within a short window after the phrase.
		end := loc[1] + 40
		if end > len(text) {
			end = len(text)
		}
		if d := parseDate(text[loc[1]:end]); d != nil {
			return d
		}
	}
	return parseDate(text)
}

func parseDate(s string) *time.Time {
	if m := numericDatePattern.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return validDate(year, month, day)
	}
	if m := writtenDatePattern.FindStringSubmatch(s); m != nil {
		month := monthNumber(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		return validDate(year, month, day)
	}
	return nil
}

func validDate(year, month, day int) *time.Time {
	if year < 2000 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return nil
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. Feb 31 -> Mar 3); reject those.
	if d.Day() != day || int(d.Month()) != month {
		return nil
	}
	return &d
}

func monthNumber(name string) int {
	months := []string{"january", "february", "march", "april", "may", "june",
		"july", "august", "september", "october", "november", "december"}
	for i, m := range months {
		if m == name {
			return i + 1
		}
	}
	return 0
}

var (
	trialDaysPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d{1,3})[- ]day(?:s)?[^.]{0,40}?trial`),
		regexp.MustCompile(`free for (\d{1,3}) days`),
		regexp.MustCompile(`(\d{1,3}) days free`),
	}
)

func inferTrialDays(text string) int {
	for _, pat := range trialDaysPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return defaultTrialDays
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
