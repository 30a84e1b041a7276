package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by the embeddings table of the shared SQLite database.
//
// Brute force holds up well into the low hundreds of thousands of vectors
// on local data; beyond that an ANN backend should take over behind the
// VectorStore interface.
type SQLiteStore struct {
	db   *sql.DB
	dims int
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations. dims is
// the fixed dimensionality of the index; every insert and query is checked
// against it.
func NewSQLiteStore(db *sql.DB, dims int) *SQLiteStore {
	return &SQLiteStore{db: db, dims: dims}
}

// Insert upserts docs into the embeddings table. Re-inserting an id
// overwrites the previous row, which keeps paired vector/metadata writes
// retryable.
func (s *SQLiteStore) Insert(docs []Doc) error {
	for _, d := range docs {
		if len(d.Vector) != s.dims {
			return fmt.Errorf("doc %s has %d dims, index has %d: %w", d.ID, len(d.Vector), s.dims, ErrDimensionMismatch)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO embeddings (id, fragment_id, owner_id, source_type, container_tags, vector, dims, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		createdAt := d.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		tags, _ := json.Marshal(d.ContainerTags)
		if d.ContainerTags == nil {
			tags = []byte("[]")
		}
		if _, err := stmt.Exec(d.ID, d.FragmentID, d.OwnerID, d.SourceType, string(tags),
			encodeFloat32s(d.Vector), s.dims, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting doc %s: %w", d.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the id and score during the scan phase of Query.
// Full rows are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query performs a brute-force cosine scan over the owner's vectors,
// returning the topK most similar docs. Owner scoping happens in SQL;
// container-tag filtering happens on the scanned rows.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Scored, error) {
	if filter.OwnerID == "" {
		return nil, fmt.Errorf("vector query requires an owner id")
	}
	if len(vector) != s.dims {
		return nil, fmt.Errorf("query vector has %d dims, index has %d: %w", len(vector), s.dims, ErrDimensionMismatch)
	}
	if topK <= 0 {
		return nil, nil
	}

	query := `SELECT id, vector, container_tags FROM embeddings WHERE owner_id = ?`
	args := []any{filter.OwnerID}
	if len(filter.SourceTypes) > 0 {
		query += ` AND source_type IN (?` + strings.Repeat(",?", len(filter.SourceTypes)-1) + `)`
		for _, st := range filter.SourceTypes {
			args = append(args, st)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id, tags string
		var blob []byte
		if err := rows.Scan(&id, &blob, &tags); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if !tagsMatch(tags, filter.ContainerTags) {
			continue
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != len(vector) {
			return nil, fmt.Errorf("stored vector %s has %d dims: %w", id, len(buf), ErrDimensionMismatch)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Fetch full rows only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	docs, err := s.getByIDs(ctx, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]Scored, 0, len(docs))
	for _, d := range docs {
		results = append(results, Scored{Doc: d, Score: scores[d.ID]})
	}
	sortByScore(results)
	return results, nil
}

func (s *SQLiteStore) getByIDs(ctx context.Context, ids []string) ([]Doc, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fragment_id, owner_id, source_type, container_tags, vector, created_at
		FROM embeddings WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching docs by id: %w", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var d Doc
		var tags, createdAt string
		var blob []byte
		if err := rows.Scan(&d.ID, &d.FragmentID, &d.OwnerID, &d.SourceType, &tags, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning doc: %w", err)
		}
		if d.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", d.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &d.ContainerTags); err != nil {
			d.ContainerTags = nil
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", d.ID, err)
		}
		d.CreatedAt = t
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteByIDs removes docs by id. Unknown ids are ignored.
func (s *SQLiteStore) DeleteByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM embeddings WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting docs: %w", err)
	}
	return nil
}

// DeleteByFragment removes all docs of a fragment. No-op when none exist.
func (s *SQLiteStore) DeleteByFragment(fragmentID string) error {
	_, err := s.db.Exec(`DELETE FROM embeddings WHERE fragment_id = ?`, fragmentID)
	if err != nil {
		return fmt.Errorf("deleting docs for fragment %s: %w", fragmentID, err)
	}
	return nil
}

// Describe reports the index size and configuration.
func (s *SQLiteStore) Describe() (IndexInfo, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&count); err != nil {
		return IndexInfo{}, fmt.Errorf("counting embeddings: %w", err)
	}
	return IndexInfo{Count: count, Dims: s.dims, Metric: "cosine"}, nil
}

// tagsMatch reports whether the JSON-encoded tag list contains at least one
// of the wanted tags. An empty want list matches everything.
func tagsMatch(encoded string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	var tags []string
	if err := json.Unmarshal([]byte(encoded), &tags); err != nil {
		return false
	}
	for _, w := range want {
		for _, t := range tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

// sortByScore sorts results by score descending, id ascending on ties so
// output is deterministic. Used for small slices (topK).
func sortByScore(results []Scored) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j-1], results[j]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.ID > b.ID
}

// idScoreHeap is a min-heap by score, so the root is the weakest of the
// current top-K candidates.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	}
	buf = buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the Euclidean norm of v.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity between a and b given a's precomputed
// norm. Returns 0 when b is the zero vector.
func cosine(a, b []float32, aNorm float64) float32 {
	var dot, bSum float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bSum += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bSum)
	if bNorm == 0 || aNorm == 0 {
		return 0
	}
	return float32(dot / (aNorm * bNorm))
}
