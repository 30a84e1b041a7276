package synthesis

import "testing"

func TestDedupeDropsNearDuplicates(t *testing.T) {
	texts := []string{
		"the quick brown fox jumps over the lazy dog",
		"The quick brown fox jumps over the lazy dog!", // same words, case and punctuation aside
		"a completely different sentence about databases",
	}
	kept := Dedupe(texts)
	if len(kept) != 2 {
		t.Fatalf("expected 2 kept, got %d: %v", len(kept), kept)
	}
	if kept[0] != texts[0] {
		t.Error("the earlier (better-ranked) duplicate should survive")
	}
	if kept[1] != texts[2] {
		t.Error("distinct text should survive")
	}
}

func TestDedupeKeepsPartialOverlap(t *testing.T) {
	texts := []string{
		"goroutines channels select mutex waitgroup context",
		"goroutines channels bread yeast flour water salt",
	}
	kept := Dedupe(texts)
	if len(kept) != 2 {
		t.Errorf("partial overlap below threshold should keep both, got %d", len(kept))
	}
}

func TestDedupeEmpty(t *testing.T) {
	if kept := Dedupe(nil); kept != nil {
		t.Errorf("nil in, nil out: %v", kept)
	}
}

func TestJaccard(t *testing.T) {
	a := wordSet("one two three four")
	b := wordSet("one two three five")
	// Intersection 3, union 5.
	if got := jaccard(a, b); got != 0.6 {
		t.Errorf("jaccard = %f, want 0.6", got)
	}
	if got := jaccard(a, a); got != 1 {
		t.Errorf("self similarity = %f, want 1", got)
	}
	if got := jaccard(wordSet(""), wordSet("")); got != 1 {
		t.Errorf("two empty sets = %f, want 1", got)
	}
	if got := jaccard(a, wordSet("")); got != 0 {
		t.Errorf("empty vs non-empty = %f, want 0", got)
	}
}
