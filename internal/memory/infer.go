package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/storage"
)

const maxInferredNeighbors = 5

// Inferencer discovers relationships for a fragment by embedding its content
// and looking for near neighbors in the owner's vector index. Runs from the
// background worker after indexing completes, never inline with a create.
type Inferencer struct {
	store      *storage.Store
	vectors    retrieval.VectorStore
	embedder   *retrieval.Embedder
	classifier RelationClassifier
	threshold  float64
	logger     *slog.Logger
}

// NewInferencer creates a relationship inferencer. threshold is the cosine
// similarity below which a neighbor is ignored.
func NewInferencer(store *storage.Store, vectors retrieval.VectorStore, embedder *retrieval.Embedder, threshold float64) *Inferencer {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Inferencer{
		store:      store,
		vectors:    vectors,
		embedder:   embedder,
		classifier: MarkerClassifier{},
		threshold:  threshold,
		logger:     slog.Default(),
	}
}

// SetClassifier swaps the relation classifier.
func (inf *Inferencer) SetClassifier(c RelationClassifier) {
	if c != nil {
		inf.classifier = c
	}
}

// InferRelations finds fragments similar to the given one and records
// system-created edges for neighbors above the similarity threshold.
// Existing edges (in either direction) are left untouched. Returns the
// number of edges created.
func (inf *Inferencer) InferRelations(ctx context.Context, ownerID, fragmentID string) (int, error) {
	f, err := inf.store.GetFragment(ownerID, fragmentID, false)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between enqueue and run; nothing to infer.
			return 0, nil
		}
		return 0, err
	}

	vec, err := inf.embedder.Embed(ctx, f.Content)
	if err != nil {
		return 0, fmt.Errorf("embedding fragment for inference: %w", err)
	}

	// Over-fetch so that the fragment's own chunks, which dominate the top
	// of the list, still leave room for genuine neighbors.
	scored, err := inf.vectors.Query(ctx, vec, maxInferredNeighbors*4, retrieval.Filter{OwnerID: ownerID})
	if err != nil {
		return 0, fmt.Errorf("querying neighbors: %w", err)
	}

	created := 0
	seen := map[string]bool{fragmentID: true}
	for _, s := range scored {
		if created >= maxInferredNeighbors {
			break
		}
		similarity := float64(s.Score)
		if similarity < inf.threshold {
			break // sorted descending, nothing further qualifies
		}
		neighborFragment := s.Doc.FragmentID
		if seen[neighborFragment] {
			continue
		}
		seen[neighborFragment] = true

		other, err := inf.store.GetFragment(ownerID, neighborFragment, false)
		if err != nil {
			continue
		}

		exists, err := inf.store.EdgeExists(fragmentID, neighborFragment)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		relType := inf.classifier.Classify(f.Content, other.Content)
		e := &storage.Edge{
			ID:           uuid.New().String(),
			FragmentAID:  fragmentID,
			FragmentBID:  neighborFragment,
			RelationType: relType,
			Strength:     similarity,
			Confidence:   similarity,
			CreatedBy:    storage.EdgeBySystem,
		}
		if err := inf.store.CreateEdge(e); err != nil {
			return created, err
		}
		created++
		inf.logger.Debug("inferred relation",
			"fragment_a", fragmentID, "fragment_b", neighborFragment,
			"type", relType, "similarity", similarity)
	}

	return created, nil
}
