package synthesis

import "strings"

const dedupeThreshold = 0.8

// Dedupe drops texts that are near-duplicates of an earlier, higher-ranked
// text. Similarity is Jaccard overlap of lowercase word sets; inputs must
// already be sorted best-first so the better-scored duplicate survives.
func Dedupe(texts []string) []string {
	var kept []string
	var keptSets []map[string]bool

	for _, t := range texts {
		set := wordSet(t)
		dup := false
		for _, prev := range keptSets {
			if jaccard(set, prev) >= dedupeThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, t)
			keptSets = append(keptSets, set)
		}
	}
	return kept
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(w, ".,;:!?\"'()[]")] = true
	}
	delete(set, "")
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
