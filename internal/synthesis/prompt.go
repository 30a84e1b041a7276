package synthesis

import (
	"fmt"
	"strings"
)

// Synthesis types.
const (
	TypeAnswer      = "answer"
	TypeSummary     = "summary"
	TypeComparison  = "comparison"
	TypeExplanation = "explanation"
	TypeAnalysis    = "analysis"
)

var typeInstructions = map[string]string{
	TypeAnswer:      "Answer the question directly and concisely using only the provided context. If the context does not contain the answer, say so.",
	TypeSummary:     "Summarize the key points of the provided context as they relate to the request. Keep it brief and factual.",
	TypeComparison:  "Compare and contrast the perspectives or facts in the provided context that relate to the request. Call out agreements and disagreements explicitly.",
	TypeExplanation: "Explain the topic of the request step by step, grounding every step in the provided context.",
	TypeAnalysis:    "Analyze the provided context with respect to the request: identify patterns, implications, and gaps. Distinguish what the context supports from speculation.",
}

// ValidType reports whether t is a known synthesis type.
func ValidType(t string) bool {
	_, ok := typeInstructions[t]
	return ok
}

// BuildPrompt assembles the system and user prompts for a synthesis call.
// context holds the budgeted source texts in rank order.
func BuildPrompt(synthesisType, responseStyle, query string, context []string) (system, user string) {
	instruction := typeInstructions[synthesisType]
	if instruction == "" {
		instruction = typeInstructions[TypeAnswer]
	}

	var sb strings.Builder
	sb.WriteString("You are a personal knowledge assistant. ")
	sb.WriteString(instruction)
	sb.WriteString(" Do not invent facts that are not in the context.")
	if responseStyle != "" {
		fmt.Fprintf(&sb, " Respond in a %s style.", responseStyle)
	}
	system = sb.String()

	var ub strings.Builder
	ub.WriteString("Context:\n")
	for i, c := range context {
		fmt.Fprintf(&ub, "[%d] %s\n\n", i+1, c)
	}
	ub.WriteString("Request: ")
	ub.WriteString(query)
	user = ub.String()
	return system, user
}
