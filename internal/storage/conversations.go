package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AppendMessage stores one conversation turn.
func (s *Store) AppendMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO messages (id, conversation_id, owner_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.OwnerID, m.Role, m.Content, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

// GetConversation returns all messages of a thread in chronological order.
func (s *Store) GetConversation(ownerID, conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, owner_id, role, content, created_at
		FROM messages
		WHERE owner_id = ? AND conversation_id = ?
		ORDER BY created_at`, ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if len(messages) == 0 {
		return nil, ErrNotFound
	}
	return messages, rows.Err()
}

// SearchMessages scans an owner's messages newer than since for term
// overlap. Scoring is the fraction of query terms present in the message;
// zero-overlap messages are dropped. The window keeps the scan bounded —
// conversation history is a recency-biased retrieval source, not an archive
// index (promoted conversation fragments cover the long tail).
func (s *Store) SearchMessages(ctx context.Context, ownerID string, terms []string, since time.Time, limit int) ([]ScoredMessage, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, owner_id, role, content, created_at
		FROM messages
		WHERE owner_id = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 500`, ownerID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("scanning messages: %w", err)
	}
	defer rows.Close()

	lowerTerms := make([]string, len(terms))
	for i, t := range terms {
		lowerTerms[i] = strings.ToLower(t)
	}

	var scored []ScoredMessage
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		content := strings.ToLower(m.Content)
		hits := 0
		for _, t := range lowerTerms {
			if strings.Contains(content, t) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		scored = append(scored, ScoredMessage{
			Message: m,
			Score:   float64(hits) / float64(len(lowerTerms)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Highest overlap first; newer wins ties (rows arrive newest first, and
	// the sort is stable).
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ScoredMessage is a message with its term-overlap score.
type ScoredMessage struct {
	Message
	Score float64
}
