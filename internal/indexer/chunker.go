package indexer

import (
	"strings"
)

// DefaultChunkSize is the target chunk length in characters. Embedding
// quality drops for very long inputs, so fragments are split before
// indexing.
const DefaultChunkSize = 500

// SplitContent splits content into chunks of at most size characters,
// preferring sentence boundaries and falling back to whitespace, then to a
// hard cut for pathological inputs. Returned chunks are trimmed and
// non-empty; their order matches the source text.
func SplitContent(content string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if len(content) <= size {
		return []string{content}
	}

	var chunks []string
	var current strings.Builder

	for _, sentence := range splitSentences(content) {
		// Oversized sentence: flush what we have and hard-split it.
		if len(sentence) > size {
			if current.Len() > 0 {
				chunks = appendChunk(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, hardSplit(sentence, size)...)
			continue
		}

		if current.Len() > 0 && current.Len()+1+len(sentence) > size {
			chunks = appendChunk(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(sentence)
	}
	if current.Len() > 0 {
		chunks = appendChunk(chunks, current.String())
	}

	return chunks
}

// splitSentences breaks text on sentence-final punctuation followed by
// whitespace. Newline runs also terminate a sentence so list items and
// headings become their own units.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		atEnd := false
		switch c {
		case '.', '!', '?':
			atEnd = i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t'
		case '\n':
			atEnd = true
		}
		if atEnd {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// hardSplit cuts text into size-length pieces at whitespace when possible.
func hardSplit(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		cut := size
		if idx := strings.LastIndexByte(text[:size], ' '); idx > size/2 {
			cut = idx
		}
		chunks = appendChunk(chunks, text[:cut])
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func appendChunk(chunks []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return chunks
	}
	return append(chunks, s)
}

// EstimateTokens provides a rough token count using the 4-chars-per-token
// heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
