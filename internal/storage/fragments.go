package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateFragment inserts a new fragment.
func (s *Store) CreateFragment(f *Fragment) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = f.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO fragments (id, owner_id, content, source_type, source_id, container_tags, tag_ids, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.Content, f.SourceType, f.SourceID,
		marshalStrings(f.ContainerTags), marshalStrings(f.TagIDs), marshalMap(f.Metadata),
		formatTime(f.CreatedAt), formatTime(f.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting fragment %s: %w", f.ID, err)
	}
	return nil
}

const fragmentColumns = `id, owner_id, content, source_type, source_id, container_tags, tag_ids, metadata, created_at, updated_at, deleted_at`

func scanFragment(row interface{ Scan(...any) error }) (*Fragment, error) {
	var f Fragment
	var containerTags, tagIDs, metadata, createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&f.ID, &f.OwnerID, &f.Content, &f.SourceType, &f.SourceID,
		&containerTags, &tagIDs, &metadata, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	f.ContainerTags = unmarshalStrings(containerTags)
	f.TagIDs = unmarshalStrings(tagIDs)
	f.Metadata = unmarshalMap(metadata)

	var err error
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, err
		}
		f.DeletedAt = &t
	}
	return &f, nil
}

// GetFragment returns a fragment scoped to its owner. Soft-deleted fragments
// are only returned when includeDeleted is set.
func (s *Store) GetFragment(ownerID, id string, includeDeleted bool) (*Fragment, error) {
	query := `SELECT ` + fragmentColumns + ` FROM fragments WHERE id = ? AND owner_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	f, err := scanFragment(s.db.QueryRow(query, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading fragment %s: %w", id, err)
	}
	return f, nil
}

// GetFragmentAnyOwner returns a live fragment without owner scoping. Only
// system actors (the background worker) use this; request handlers always
// go through GetFragment.
func (s *Store) GetFragmentAnyOwner(id string) (*Fragment, error) {
	query := `SELECT ` + fragmentColumns + ` FROM fragments WHERE id = ? AND deleted_at IS NULL`
	f, err := scanFragment(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading fragment %s: %w", id, err)
	}
	return f, nil
}

// FragmentFilter narrows ListFragments.
type FragmentFilter struct {
	SourceType     string
	ContainerTag   string
	TagID          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// ListFragments returns fragments owned by ownerID matching the filter,
// newest first.
func (s *Store) ListFragments(ownerID string, filter FragmentFilter) ([]*Fragment, error) {
	query := `SELECT ` + fragmentColumns + ` FROM fragments WHERE owner_id = ?`
	args := []any{ownerID}

	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, filter.SourceType)
	}
	// Tag membership via JSON-array containment on the encoded column.
	if filter.ContainerTag != "" {
		query += ` AND container_tags LIKE ?`
		args = append(args, `%"`+filter.ContainerTag+`"%`)
	}
	if filter.TagID != "" {
		query += ` AND tag_ids LIKE ?`
		args = append(args, `%"`+filter.TagID+`"%`)
	}

	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing fragments: %w", err)
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// UpdateFragment replaces content, tags, and metadata of an active fragment.
func (s *Store) UpdateFragment(f *Fragment) error {
	f.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE fragments SET content = ?, container_tags = ?, tag_ids = ?, metadata = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		f.Content, marshalStrings(f.ContainerTags), marshalStrings(f.TagIDs), marshalMap(f.Metadata),
		formatTime(f.UpdatedAt), f.ID, f.OwnerID)
	if err != nil {
		return fmt.Errorf("updating fragment %s: %w", f.ID, err)
	}
	return requireRow(res)
}

// SoftDeleteFragment marks a fragment deleted without touching its chunks,
// vectors, or edges. Cascading removal happens only on hard delete.
func (s *Store) SoftDeleteFragment(ownerID, id string) error {
	res, err := s.db.Exec(`
		UPDATE fragments SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		formatTime(time.Now()), formatTime(time.Now()), id, ownerID)
	if err != nil {
		return fmt.Errorf("soft-deleting fragment %s: %w", id, err)
	}
	return requireRow(res)
}

// RestoreFragment clears the soft-delete marker.
func (s *Store) RestoreFragment(ownerID, id string) error {
	res, err := s.db.Exec(`
		UPDATE fragments SET deleted_at = NULL, updated_at = ?
		WHERE id = ? AND owner_id = ? AND deleted_at IS NOT NULL`,
		formatTime(time.Now()), id, ownerID)
	if err != nil {
		return fmt.Errorf("restoring fragment %s: %w", id, err)
	}
	return requireRow(res)
}

// HardDeleteFragment permanently destroys a fragment with its chunks,
// embedding rows, and relationship edges in one transaction.
func (s *Store) HardDeleteFragment(ownerID, id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM fragments WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting fragment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return ErrNotFound
	}

	// Chunks go via the FK cascade; embeddings and edges are cleaned here.
	if _, err := tx.Exec(`DELETE FROM embeddings WHERE fragment_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting embeddings for %s: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM edges WHERE fragment_a_id = ? OR fragment_b_id = ?`, id, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting edges for %s: %w", id, err)
	}

	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceChunks swaps the chunk set of a fragment in one transaction.
// Chunk ids are deterministic per (fragment, index) upstream, so re-running
// an indexing job converges instead of duplicating rows.
func (s *Store) ReplaceChunks(fragmentID string, chunks []Chunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE fragment_id = ?`, fragmentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing chunks for %s: %w", fragmentID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, fragment_id, chunk_index, content, token_estimate, content_hash, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, fragmentID, c.Index, c.Content, c.TokenEstimate, c.ContentHash, c.EmbeddingID, formatTime(createdAt)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// GetChunks returns the chunks of a fragment ordered by index.
func (s *Store) GetChunks(fragmentID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, fragment_id, chunk_index, content, token_estimate, content_hash, embedding_id, created_at
		FROM chunks WHERE fragment_id = ? ORDER BY chunk_index`, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks for %s: %w", fragmentID, err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunkJoin is a chunk joined with owner metadata from its fragment, used by
// the search layer for owner re-verification.
type ChunkJoin struct {
	Chunk
	OwnerID    string
	SourceType string
	FragmentAt time.Time
}

// GetChunksByIDs returns chunks by id joined against active fragments of the
// given owner. Chunks of other owners or soft-deleted fragments are silently
// omitted — this is the defense-in-depth ownership check behind vector hits.
func (s *Store) GetChunksByIDs(ctx context.Context, ownerID string, ids []string) ([]ChunkJoin, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}

	query := `
		SELECT c.id, c.fragment_id, c.chunk_index, c.content, c.token_estimate, c.content_hash, c.embedding_id, c.created_at,
		       f.owner_id, f.source_type, f.created_at
		FROM chunks c
		JOIN fragments f ON f.id = c.fragment_id
		WHERE f.owner_id = ? AND f.deleted_at IS NULL
		  AND c.id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading chunks by ids: %w", err)
	}
	defer rows.Close()

	var joined []ChunkJoin
	for rows.Next() {
		var j ChunkJoin
		var createdAt, fragmentAt string
		if err := rows.Scan(&j.ID, &j.FragmentID, &j.Index, &j.Content, &j.TokenEstimate, &j.ContentHash, &j.EmbeddingID, &createdAt,
			&j.OwnerID, &j.SourceType, &fragmentAt); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if j.FragmentAt, err = parseTime(fragmentAt); err != nil {
			return nil, err
		}
		joined = append(joined, j)
	}
	return joined, rows.Err()
}

// IndexedHashes returns which of the given content hashes already have an
// embedding in the index for this owner.
func (s *Store) IndexedHashes(ownerID string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}

	args := make([]any, 0, len(hashes)+1)
	args = append(args, ownerID)
	for _, h := range hashes {
		args = append(args, h)
	}

	query := `
		SELECT DISTINCT c.content_hash
		FROM chunks c
		JOIN fragments f ON f.id = c.fragment_id
		WHERE f.owner_id = ? AND c.embedding_id != ''
		  AND c.content_hash IN (?` + strings.Repeat(",?", len(hashes)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("checking indexed hashes: %w", err)
	}
	defer rows.Close()

	indexed := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		indexed[h] = true
	}
	return indexed, rows.Err()
}

// MarkChunksEmbedded records the embedding linkage for the given chunk ids
// (embedding id equals chunk id). Idempotent.
func (s *Store) MarkChunksEmbedded(chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning linkage transaction: %w", err)
	}
	stmt, err := tx.Prepare(`UPDATE chunks SET embedding_id = id WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing linkage update: %w", err)
	}
	defer stmt.Close()
	for _, id := range chunkIDs {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("linking chunk %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ClearChunkEmbeddings drops the embedding linkage for all chunks of a
// fragment. Safe to call when nothing is linked.
func (s *Store) ClearChunkEmbeddings(fragmentID string) error {
	_, err := s.db.Exec(`UPDATE chunks SET embedding_id = '' WHERE fragment_id = ?`, fragmentID)
	if err != nil {
		return fmt.Errorf("clearing embedding linkage for %s: %w", fragmentID, err)
	}
	return nil
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.FragmentID, &c.Index, &c.Content, &c.TokenEstimate, &c.ContentHash, &c.EmbeddingID, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
