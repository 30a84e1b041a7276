package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateEdge inserts a relationship edge between two fragments.
func (s *Store) CreateEdge(e *Edge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO edges (id, fragment_a_id, fragment_b_id, relation_type, strength, confidence, created_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FragmentAID, e.FragmentBID, e.RelationType, e.Strength, e.Confidence,
		e.CreatedBy, marshalMap(e.Metadata), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting edge %s: %w", e.ID, err)
	}
	return nil
}

// EdgeExists reports whether any edge links the unordered pair (a, b),
// checking both stored directions.
func (s *Store) EdgeExists(a, b string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM edges
		WHERE (fragment_a_id = ? AND fragment_b_id = ?)
		   OR (fragment_a_id = ? AND fragment_b_id = ?)`,
		a, b, b, a).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking edge %s<->%s: %w", a, b, err)
	}
	return n > 0, nil
}

// ListEdges returns edges touching the given fragment from either endpoint,
// strongest first.
func (s *Store) ListEdges(fragmentID string, limit int) ([]Edge, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, fragment_a_id, fragment_b_id, relation_type, strength, confidence, created_by, metadata, created_at
		FROM edges
		WHERE fragment_a_id = ? OR fragment_b_id = ?
		ORDER BY strength DESC, created_at DESC
		LIMIT ?`, fragmentID, fragmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing edges for %s: %w", fragmentID, err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// ListEdgesForFragments returns all edges touching any of the given
// fragments. Used by BFS traversal to expand one hop in a single query.
func (s *Store) ListEdgesForFragments(fragmentIDs []string) ([]Edge, error) {
	if len(fragmentIDs) == 0 {
		return nil, nil
	}

	placeholders := "?"
	args := make([]any, 0, len(fragmentIDs)*2)
	for i, id := range fragmentIDs {
		if i > 0 {
			placeholders += ",?"
		}
		args = append(args, id)
	}
	for _, id := range fragmentIDs {
		args = append(args, id)
	}

	rows, err := s.db.Query(`
		SELECT id, fragment_a_id, fragment_b_id, relation_type, strength, confidence, created_by, metadata, created_at
		FROM edges
		WHERE fragment_a_id IN (`+placeholders+`) OR fragment_b_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("listing edges for fragment set: %w", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

func scanEdges(rows *sql.Rows) ([]Edge, error) {
	var edges []Edge
	for rows.Next() {
		var e Edge
		var metadata, createdAt string
		if err := rows.Scan(&e.ID, &e.FragmentAID, &e.FragmentBID, &e.RelationType,
			&e.Strength, &e.Confidence, &e.CreatedBy, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Metadata = unmarshalMap(metadata)
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
