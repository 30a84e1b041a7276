package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrDimensionMismatch is returned when a vector's dimensionality does not
// match the index. Mismatched vectors are rejected, never truncated or
// padded.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Doc is a row in the vector index. ID equals the chunk id it embeds, which
// makes inserts naturally idempotent under retry.
type Doc struct {
	ID            string
	FragmentID    string
	OwnerID       string
	SourceType    string
	ContainerTags []string
	Vector        []float32
	CreatedAt     time.Time
}

// Scored is a Doc with a cosine similarity score attached.
type Scored struct {
	Doc
	Score float32
}

// Filter restricts a vector query. OwnerID is mandatory: the index never
// answers unscoped queries.
type Filter struct {
	OwnerID       string
	SourceTypes   []string
	ContainerTags []string
}

// IndexInfo describes the index.
type IndexInfo struct {
	Count  int
	Dims   int
	Metric string
}

// VectorStore stores fixed-dimension embeddings with metadata filters.
// The default implementation is SQLite with brute-force cosine similarity;
// an ANN-backed implementation can replace it behind this interface.
type VectorStore interface {
	// Insert upserts docs. A doc whose vector dimensionality differs from
	// the index is rejected with ErrDimensionMismatch.
	Insert(docs []Doc) error

	// Query returns the topK most similar docs passing the filter. The scan
	// honors ctx: a cancelled or expired context aborts it.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Scored, error)

	// DeleteByIDs removes docs by id. Unknown ids are ignored.
	DeleteByIDs(ids []string) error

	// DeleteByFragment removes all docs belonging to a fragment. A fragment
	// with no indexed docs is a no-op, not an error.
	DeleteByFragment(fragmentID string) error

	// Describe reports index size and configuration.
	Describe() (IndexInfo, error)
}
