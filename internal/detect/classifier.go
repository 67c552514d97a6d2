// Package detect decides whether a page is a purchase/subscription/trial
// confirmation. The rule set is tuned to avoid false positives at the cost
// of recall: every positive branch requires at least one strong keyword hit.
package detect

import (
	"strings"

	"vibetracker/internal/page"
)

// Result is the outcome of classifying one page. It is derived per
// evaluation and never persisted.
type Result struct {
	IsConfirmation      bool
	MatchedKeywordCount int
	HasConfirmationURL  bool
	HasExclusionSignal  bool
}

// Classify scores a page signal against the rule set.
//
// Decision rule: a page is a confirmation when it has at least one strong
// confirmation phrase and no marketing phrase inside an interactive
// control, or when a confirmation-looking URL corroborates at least one
// keyword hit. URL alone or marketing-phrase presence alone never decides.
func Classify(sig page.Signal) Result {
	res := Result{
		HasConfirmationURL:  hasConfirmationURL(sig.URL),
		MatchedKeywordCount: countStrongConfirmations(sig.Text),
		HasExclusionSignal:  hasExclusionInControls(sig.ControlTexts),
	}

	res.IsConfirmation = (res.MatchedKeywordCount >= 1 && !res.HasExclusionSignal) ||
		(res.HasConfirmationURL && res.MatchedKeywordCount >= 1)

	return res
}

func hasConfirmationURL(url string) bool {
	lower := strings.ToLower(url)
	for _, hint := range confirmationURLHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

func countStrongConfirmations(text string) int {
	count := 0
	for _, phrase := range strongConfirmations {
		if strings.Contains(text, phrase) {
			count++
		}
	}
	return count
}

func hasExclusionInControls(controls []string) bool {
	for _, control := range controls {
		for _, phrase := range marketingPhrases {
			if strings.Contains(control, phrase) {
				return true
			}
		}
	}
	return false
}
