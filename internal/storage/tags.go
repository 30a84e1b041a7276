package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateTag inserts a hierarchical tag. Name uniqueness among siblings of
// the same parent is enforced per owner; Path is derived from the parent's
// path on insert.
func (s *Store) CreateTag(t *Tag) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	t.Path = t.Name
	if t.ParentID != "" {
		var parentPath string
		err := s.db.QueryRow(`SELECT path FROM tags WHERE id = ? AND owner_id = ?`, t.ParentID, t.OwnerID).Scan(&parentPath)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent tag %s: %w", t.ParentID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading parent tag %s: %w", t.ParentID, err)
		}
		t.Path = parentPath + "/" + t.Name
	}

	_, err := s.db.Exec(`
		INSERT INTO tags (id, owner_id, name, parent_id, path, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Name, t.ParentID, t.Path, formatTime(t.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateTag
		}
		return fmt.Errorf("inserting tag %s: %w", t.ID, err)
	}
	return nil
}

// ListTags returns all tags of an owner ordered by path.
func (s *Store) ListTags(ownerID string) ([]Tag, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_id, name, parent_id, path, created_at
		FROM tags WHERE owner_id = ? ORDER BY path`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		var createdAt string
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Name, &t.ParentID, &t.Path, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
