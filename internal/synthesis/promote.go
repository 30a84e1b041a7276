package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/mnema/internal/engine"
	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/storage"
)

// summarizeThreshold is the transcript length above which a conversation is
// summarized before promotion instead of stored verbatim.
const summarizeThreshold = 3000

// PromoteConversation turns a conversation thread into a durable fragment.
// Long transcripts are summarized through the chat model first; if that
// fails the verbatim transcript is stored instead.
func (o *Orchestrator) PromoteConversation(ctx context.Context, memories *memory.Service, ownerID, conversationID string, containerTags []string) (*storage.Fragment, error) {
	messages, err := o.store.GetConversation(ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	transcript := renderTranscript(messages)
	content := transcript
	if len(transcript) > summarizeThreshold {
		summary, err := o.summarize(ctx, transcript)
		if err != nil {
			o.logger.Warn("conversation summarization failed, promoting verbatim",
				"conversation_id", conversationID, "error", err)
		} else {
			content = summary
		}
	}

	return memories.Create(ctx, memory.CreateInput{
		OwnerID:       ownerID,
		Content:       content,
		SourceType:    storage.SourceConversation,
		SourceID:      conversationID,
		ContainerTags: containerTags,
		Metadata: map[string]any{
			"message_count": len(messages),
			"summarized":    content != transcript,
		},
	})
}

func (o *Orchestrator) summarize(ctx context.Context, transcript string) (string, error) {
	return o.engine.Chat(ctx, o.chatModel, []engine.Message{
		{Role: "system", Content: "Summarize the following conversation, preserving every factual claim, decision, and open question. Write it as standalone notes, not as dialogue."},
		{Role: "user", Content: transcript},
	}, &engine.ChatOptions{Temperature: factualTemperature})
}

func renderTranscript(messages []storage.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
