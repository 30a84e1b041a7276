package synthesis

import (
	"strings"
	"testing"
)

func TestValidType(t *testing.T) {
	for _, typ := range []string{TypeAnswer, TypeSummary, TypeComparison, TypeExplanation, TypeAnalysis} {
		if !ValidType(typ) {
			t.Errorf("ValidType(%s) = false", typ)
		}
	}
	if ValidType("haiku") {
		t.Error("ValidType(haiku) = true")
	}
}

func TestBuildPrompt(t *testing.T) {
	system, user := BuildPrompt(TypeSummary, "casual", "what did I learn about Go?", []string{"first source", "second source"})

	if !strings.Contains(system, "Summarize") {
		t.Errorf("system prompt missing type instruction: %q", system)
	}
	if !strings.Contains(system, "casual style") {
		t.Errorf("system prompt missing response style: %q", system)
	}
	if !strings.Contains(user, "[1] first source") || !strings.Contains(user, "[2] second source") {
		t.Errorf("context blocks not numbered: %q", user)
	}
	if !strings.Contains(user, "Request: what did I learn about Go?") {
		t.Errorf("query missing from user prompt: %q", user)
	}
}

func TestBuildPromptUnknownTypeFallsBack(t *testing.T) {
	system, _ := BuildPrompt("haiku", "", "query", nil)
	if !strings.Contains(system, "Answer the question") {
		t.Errorf("unknown type should fall back to answer: %q", system)
	}
	if strings.Contains(system, "style") {
		t.Errorf("empty style should add nothing: %q", system)
	}
}
