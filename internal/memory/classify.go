package memory

import (
	"strings"

	"github.com/kalambet/mnema/internal/storage"
)

// RelationClassifier decides what kind of relation holds between two
// fragments that similarity search judged related.
type RelationClassifier interface {
	Classify(contentA, contentB string) (relationType string)
}

// MarkerClassifier picks a relation type from discourse markers in the
// fragment texts. It is deliberately shallow; an LLM-backed classifier can
// replace it without touching the inferencer.
type MarkerClassifier struct{}

var contradictionMarkers = []string{"not ", "n't ", "however", "but ", "contrary", "instead", "actually"}
var buildsOnMarkers = []string{"furthermore", "additionally", "moreover", "building on", "in addition"}
var referenceMarkers = []string{"see ", "refer", "as mentioned", "as noted", "according to"}

func (MarkerClassifier) Classify(contentA, contentB string) string {
	a := strings.ToLower(contentA)
	b := strings.ToLower(contentB)

	// Contradiction needs opposing signals on both sides; a lone negation
	// in one fragment is just prose.
	if containsAny(a, contradictionMarkers) && containsAny(b, contradictionMarkers) {
		return storage.RelationContradicts
	}
	if containsAny(a, buildsOnMarkers) || containsAny(b, buildsOnMarkers) {
		return storage.RelationBuildsOn
	}
	if containsAny(a, referenceMarkers) || containsAny(b, referenceMarkers) {
		return storage.RelationReferences
	}
	return storage.RelationSimilar
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
