// Package memory manages knowledge fragments and the relationship graph
// between them: owner-scoped CRUD with soft delete, hierarchical tagging,
// relation edges, and automatic similarity-based relationship inference.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/search"
	"github.com/kalambet/mnema/internal/storage"
)

// ErrInvalidFragment is returned for fragments that fail validation.
var ErrInvalidFragment = errors.New("invalid fragment")

// ErrInvalidRelation is returned for malformed relation requests.
var ErrInvalidRelation = errors.New("invalid relation")

var validSourceTypes = map[string]bool{
	storage.SourceDocument:     true,
	storage.SourceWeb:          true,
	storage.SourceConversation: true,
	storage.SourceManual:       true,
	storage.SourceAudio:        true,
}

var validRelationTypes = map[string]bool{
	storage.RelationSimilar:     true,
	storage.RelationContradicts: true,
	storage.RelationBuildsOn:    true,
	storage.RelationReferences:  true,
}

// Service is the fragment and relationship-graph service. Creates enqueue
// indexing and relationship-inference jobs instead of doing that work
// inline, so the create call never waits on (or fails with) enrichment.
type Service struct {
	store   *storage.Store
	vectors retrieval.VectorStore
	logger  *slog.Logger
}

// NewService creates a memory service.
func NewService(store *storage.Store, vectors retrieval.VectorStore) *Service {
	return &Service{
		store:   store,
		vectors: vectors,
		logger:  slog.Default(),
	}
}

// CreateInput describes a new fragment.
type CreateInput struct {
	OwnerID       string
	Content       string
	SourceType    string
	SourceID      string
	ContainerTags []string
	TagIDs        []string
	Metadata      map[string]any
}

// Create validates and persists a fragment, then enqueues background
// indexing (which chains into relationship inference). A failure to enqueue
// is logged, not returned: enrichment is best-effort.
func (s *Service) Create(ctx context.Context, in CreateInput) (*storage.Fragment, error) {
	if in.OwnerID == "" {
		return nil, search.ErrUnauthorized
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidFragment)
	}
	sourceType := in.SourceType
	if sourceType == "" {
		sourceType = storage.SourceManual
	}
	if !validSourceTypes[sourceType] {
		return nil, fmt.Errorf("%w: unknown source type %q", ErrInvalidFragment, sourceType)
	}

	f := &storage.Fragment{
		ID:            uuid.New().String(),
		OwnerID:       in.OwnerID,
		Content:       in.Content,
		SourceType:    sourceType,
		SourceID:      in.SourceID,
		ContainerTags: in.ContainerTags,
		TagIDs:        in.TagIDs,
		Metadata:      in.Metadata,
	}
	if err := s.store.CreateFragment(f); err != nil {
		return nil, err
	}

	s.enqueueIndexing(f.ID)
	return f, nil
}

// enqueueIndexing schedules background indexing for a fragment, deduped so
// repeated calls while a job is queued collapse into one.
func (s *Service) enqueueIndexing(fragmentID string) {
	err := s.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIndexFragment,
		DedupeKey:   fragmentID,
		PayloadJSON: fmt.Sprintf(`{"fragment_id":%q}`, fragmentID),
	})
	if err != nil {
		s.logger.Warn("enqueueing index job failed", "fragment_id", fragmentID, "error", err)
	}
}

// Get returns one fragment scoped to its owner.
func (s *Service) Get(ctx context.Context, ownerID, id string, includeDeleted bool) (*storage.Fragment, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	return s.store.GetFragment(ownerID, id, includeDeleted)
}

// List returns an owner's fragments matching the filter.
func (s *Service) List(ctx context.Context, ownerID string, filter storage.FragmentFilter) ([]*storage.Fragment, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	return s.store.ListFragments(ownerID, filter)
}

// Update replaces a fragment's content and tags, then re-enqueues indexing.
func (s *Service) Update(ctx context.Context, ownerID, id, content string, containerTags, tagIDs []string) (*storage.Fragment, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidFragment)
	}

	f, err := s.store.GetFragment(ownerID, id, false)
	if err != nil {
		return nil, err
	}
	f.Content = content
	if containerTags != nil {
		f.ContainerTags = containerTags
	}
	if tagIDs != nil {
		f.TagIDs = tagIDs
	}
	if err := s.store.UpdateFragment(f); err != nil {
		return nil, err
	}

	s.enqueueIndexing(f.ID)
	return f, nil
}

// SoftDelete marks a fragment deleted. Its chunks, vectors, and edges stay
// in place; only hard delete cascades.
func (s *Service) SoftDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return search.ErrUnauthorized
	}
	return s.store.SoftDeleteFragment(ownerID, id)
}

// Restore clears a fragment's soft-delete marker.
func (s *Service) Restore(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return search.ErrUnauthorized
	}
	return s.store.RestoreFragment(ownerID, id)
}

// HardDelete permanently destroys a fragment, its chunks, its embeddings,
// and its relationship edges.
func (s *Service) HardDelete(ctx context.Context, ownerID, id string) error {
	if ownerID == "" {
		return search.ErrUnauthorized
	}
	if err := s.store.HardDeleteFragment(ownerID, id); err != nil {
		return err
	}
	if err := s.vectors.DeleteByFragment(id); err != nil {
		// Metadata rows are gone; orphaned vectors are invisible to search
		// (the ownership join drops them) but should not linger.
		s.logger.Warn("removing vectors after hard delete failed", "fragment_id", id, "error", err)
	}
	return nil
}

// CreateRelation links two fragments the owner holds. The unordered pair is
// checked in both directions before insert.
func (s *Service) CreateRelation(ctx context.Context, ownerID, fragmentA, fragmentB, relationType string, strength float64, createdBy string) (*storage.Edge, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	if fragmentA == fragmentB {
		return nil, fmt.Errorf("%w: a fragment cannot relate to itself", ErrInvalidRelation)
	}
	if !validRelationTypes[relationType] {
		return nil, fmt.Errorf("%w: unknown relation type %q", ErrInvalidRelation, relationType)
	}
	if strength < 0 || strength > 1 {
		return nil, fmt.Errorf("%w: strength must be in [0,1]", ErrInvalidRelation)
	}
	if createdBy == "" {
		createdBy = storage.EdgeByUser
	}

	// Both endpoints must exist under this owner.
	for _, id := range []string{fragmentA, fragmentB} {
		if _, err := s.store.GetFragment(ownerID, id, true); err != nil {
			return nil, fmt.Errorf("fragment %s: %w", id, err)
		}
	}

	exists, err := s.store.EdgeExists(fragmentA, fragmentB)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: fragments are already related", ErrInvalidRelation)
	}

	e := &storage.Edge{
		ID:           uuid.New().String(),
		FragmentAID:  fragmentA,
		FragmentBID:  fragmentB,
		RelationType: relationType,
		Strength:     strength,
		Confidence:   strength,
		CreatedBy:    createdBy,
	}
	if err := s.store.CreateEdge(e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetRelations returns edges touching a fragment the owner holds.
func (s *Service) GetRelations(ctx context.Context, ownerID, fragmentID string, limit int) ([]storage.Edge, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	if _, err := s.store.GetFragment(ownerID, fragmentID, true); err != nil {
		return nil, err
	}
	return s.store.ListEdges(fragmentID, limit)
}

// Related expands the relationship graph breadth-first from the seed set up
// to maxDepth hops, deduplicating via a visited set and stopping early when
// a hop discovers nothing new. Seeds themselves are not returned.
func (s *Service) Related(ctx context.Context, ownerID string, seedIDs []string, maxDepth int) ([]string, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	if maxDepth <= 0 {
		maxDepth = 2
	}

	visited := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		visited[id] = true
	}

	frontier := append([]string(nil), seedIDs...)
	var related []string

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		edges, err := s.store.ListEdgesForFragments(frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, e := range edges {
			for _, id := range []string{e.FragmentAID, e.FragmentBID} {
				if visited[id] {
					continue
				}
				visited[id] = true
				// Cross-owner edges cannot exist (CreateRelation verifies
				// both endpoints), but re-check ownership anyway before
				// exposing an id.
				if _, err := s.store.GetFragment(ownerID, id, false); err != nil {
					continue
				}
				next = append(next, id)
				related = append(related, id)
			}
		}
		frontier = next
	}

	return related, nil
}

// CreateTag creates a hierarchical tag for an owner.
func (s *Service) CreateTag(ctx context.Context, ownerID, name, parentID string) (*storage.Tag, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: tag name must be non-empty and slash-free", ErrInvalidFragment)
	}

	t := &storage.Tag{
		ID:       uuid.New().String(),
		OwnerID:  ownerID,
		Name:     name,
		ParentID: parentID,
	}
	if err := s.store.CreateTag(t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTags returns an owner's tags.
func (s *Service) ListTags(ctx context.Context, ownerID string) ([]storage.Tag, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	return s.store.ListTags(ownerID)
}
