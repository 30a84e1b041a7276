package engine

import "context"

// Engine abstracts the model provider (Ollama or any compatible server).
// The retrieval and synthesis layers depend on this interface instead of a
// concrete client so tests can substitute deterministic fakes.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's
	// response. opts may be nil for provider defaults.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error)

	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the provider is reachable.
	IsRunning(ctx context.Context) bool
}

// Message is a chat message in the provider's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions bounds a completion call.
type ChatOptions struct {
	// Temperature; factual synthesis uses low values (0.1–0.3).
	Temperature float64

	// MaxTokens caps the generated output length. Zero means provider default.
	MaxTokens int

	// Schema, when non-nil, requests structured JSON output.
	Schema *Schema
}

// Schema describes the expected JSON output structure for structured chat
// responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}
