package synthesis

import "strings"

// EstimateTokens approximates a token count from byte length, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// FitBudget trims a list of texts to a total token budget, preserving order.
// Each text is either kept whole, truncated at a sentence boundary, or
// dropped. Sentence truncation only happens when at least 80% of the
// remaining budget can be filled; a tiny leading sliver of a source is
// worse than omitting it.
func FitBudget(texts []string, budgetTokens int) []string {
	if budgetTokens <= 0 {
		return nil
	}

	var kept []string
	remaining := budgetTokens
	for _, t := range texts {
		if remaining <= 0 {
			break
		}
		tokens := EstimateTokens(t)
		if tokens <= remaining {
			kept = append(kept, t)
			remaining -= tokens
			continue
		}
		if truncated, ok := truncateToSentence(t, remaining); ok {
			kept = append(kept, truncated)
			remaining = 0
		}
		break
	}
	return kept
}

// truncateToSentence cuts text at the last sentence boundary that fits the
// token budget. Reports false when no boundary fills at least 80% of it.
func truncateToSentence(text string, budgetTokens int) (string, bool) {
	maxBytes := budgetTokens * 4
	if maxBytes >= len(text) {
		return text, true
	}

	cut := -1
	for i := 0; i < maxBytes; i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
			cut = i + 1
		}
	}
	if cut < 0 {
		return "", false
	}

	truncated := strings.TrimSpace(text[:cut])
	if EstimateTokens(truncated)*10 < budgetTokens*8 {
		return "", false
	}
	return truncated, true
}
