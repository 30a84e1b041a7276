package synthesis

import (
	"strings"
	"testing"
)

func TestFitBudgetKeepsWithinTotal(t *testing.T) {
	texts := []string{
		strings.Repeat("a", 400), // 100 tokens
		strings.Repeat("b", 400), // 100 tokens
		strings.Repeat("c", 400), // 100 tokens
	}
	kept := FitBudget(texts, 250)

	total := 0
	for _, k := range kept {
		total += EstimateTokens(k)
	}
	if total > 250 {
		t.Errorf("budget exceeded: %d tokens", total)
	}
	if len(kept) < 2 {
		t.Errorf("whole texts that fit should be kept, got %d", len(kept))
	}
	if kept[0] != texts[0] || kept[1] != texts[1] {
		t.Error("order not preserved")
	}
}

func TestFitBudgetZero(t *testing.T) {
	if kept := FitBudget([]string{"anything"}, 0); kept != nil {
		t.Errorf("zero budget should keep nothing: %v", kept)
	}
}

func TestTruncateToSentenceAccepts(t *testing.T) {
	// Budget of 25 tokens = 100 bytes. A sentence boundary near byte 95
	// fills over 80% of the budget and is accepted.
	text := strings.Repeat("x", 94) + ". And a long tail that does not fit in the budget at all."
	got, ok := truncateToSentence(text, 25)
	if !ok {
		t.Fatal("boundary filling >80% of budget should be accepted")
	}
	if !strings.HasSuffix(got, ".") {
		t.Errorf("truncation should end at the boundary: %q", got)
	}
	if EstimateTokens(got) > 25 {
		t.Errorf("truncated text over budget: %d tokens", EstimateTokens(got))
	}
}

func TestTruncateToSentenceRejectsSliver(t *testing.T) {
	// The only boundary inside the 100-byte window sits at byte 10: a 10%
	// fill, below the 80% floor.
	text := "Short one." + strings.Repeat("y", 300)
	if _, ok := truncateToSentence(text, 25); ok {
		t.Error("sliver below 80% of budget should be rejected")
	}

	// No boundary at all.
	if _, ok := truncateToSentence(strings.Repeat("z", 300), 25); ok {
		t.Error("boundary-free text cannot be truncated")
	}
}

func TestTruncateToSentenceWholeFits(t *testing.T) {
	got, ok := truncateToSentence("Fits whole.", 100)
	if !ok || got != "Fits whole." {
		t.Errorf("text under budget should pass through: %q, %v", got, ok)
	}
}

func TestFitBudgetDropsUntruncatable(t *testing.T) {
	texts := []string{
		strings.Repeat("a", 100), // 25 tokens, fits
		strings.Repeat("b", 400), // no sentence boundary, cannot truncate
		strings.Repeat("c", 100), // would fit, but processing stops at the first overflow
	}
	kept := FitBudget(texts, 50)
	if len(kept) != 1 || kept[0] != texts[0] {
		t.Errorf("expected only the first text, got %d kept", len(kept))
	}
}
