package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// KeywordMatch is one full-text hit: a chunk with its bm25 rank (lower is
// better, as reported by FTS5).
type KeywordMatch struct {
	ChunkID    string
	FragmentID string
	Content    string
	SourceType string
	BM25       float64
	CreatedAt  time.Time
}

// SearchKeyword runs an FTS5 MATCH query over chunk content, scoped to one
// owner's active fragments. matchQuery must already be sanitized by the
// caller; a syntactically invalid MATCH expression surfaces as an error.
func (s *Store) SearchKeyword(ctx context.Context, ownerID, matchQuery string, sourceTypes []string, limit int) ([]KeywordMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT c.id, c.fragment_id, c.content, f.source_type, bm25(chunks_fts), f.created_at
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		JOIN fragments f ON f.id = c.fragment_id
		WHERE chunks_fts MATCH ?
		  AND f.owner_id = ?
		  AND f.deleted_at IS NULL`
	args := []any{matchQuery, ownerID}

	if len(sourceTypes) > 0 {
		query += ` AND f.source_type IN (?` + strings.Repeat(",?", len(sourceTypes)-1) + `)`
		for _, st := range sourceTypes {
			args = append(args, st)
		}
	}

	query += ` ORDER BY bm25(chunks_fts) LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var matches []KeywordMatch
	for rows.Next() {
		var m KeywordMatch
		var createdAt string
		if err := rows.Scan(&m.ChunkID, &m.FragmentID, &m.Content, &m.SourceType, &m.BM25, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
