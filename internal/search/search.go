// Package search implements hybrid retrieval over one owner's fragments:
// semantic search against the vector index, keyword search against the FTS5
// inverted index, and rank fusion of the two.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/storage"
)

// ErrUnauthorized is returned when an operation is attempted without an
// owner id. This is an authorization failure, not a bad request: no search
// runs unscoped.
var ErrUnauthorized = errors.New("owner id is required")

// ErrInvalidQuery is returned for empty or whitespace-only queries.
var ErrInvalidQuery = errors.New("query must not be empty")

// Modes of retrieval.
type Mode string

const (
	ModeSemantic Mode = "semantic"
	ModeKeyword  Mode = "keyword"
	ModeHybrid   Mode = "hybrid"
)

// preRetrieveCap bounds the 2×topK candidate expansion in hybrid mode.
const preRetrieveCap = 200

// Options narrows a search.
type Options struct {
	TopK          int
	Mode          Mode
	SourceTypes   []string
	ContainerTags []string
}

// Result is one retrieval hit. Ephemeral; never persisted.
type Result struct {
	FragmentID string    `json:"fragment_id"`
	ChunkID    string    `json:"chunk_id"`
	Score      float64   `json:"score"`
	RankSource Mode      `json:"rank_source"`
	Excerpt    string    `json:"excerpt"`
	SourceType string    `json:"source_type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Response wraps results with mode and degradation diagnostics.
type Response struct {
	Results  []Result      `json:"results"`
	Mode     Mode          `json:"mode"`
	Warnings []string      `json:"warnings,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Engine runs owner-scoped hybrid search.
type Engine struct {
	store    *storage.Store
	vectors  retrieval.VectorStore
	embedder *retrieval.Embedder
	logger   *slog.Logger
}

// NewEngine wires the search engine to its stores.
func NewEngine(store *storage.Store, vectors retrieval.VectorStore, embedder *retrieval.Embedder) *Engine {
	return &Engine{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		logger:   slog.Default(),
	}
}

// Search runs the requested retrieval mode for one owner. Hybrid is the
// default. When the semantic side of a hybrid search fails, the response
// degrades to keyword-only with a warning instead of failing outright.
func (e *Engine) Search(ctx context.Context, query, ownerID string, opts Options) (*Response, error) {
	if ownerID == "" {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrInvalidQuery
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	start := time.Now()
	resp := &Response{Mode: mode}

	switch mode {
	case ModeSemantic:
		results, err := e.semantic(ctx, query, ownerID, topK, opts)
		if err != nil {
			return nil, err
		}
		resp.Results = results

	case ModeKeyword:
		results, err := e.keyword(ctx, query, ownerID, topK, opts)
		if err != nil {
			return nil, err
		}
		resp.Results = results

	case ModeHybrid:
		results, warnings, err := e.hybrid(ctx, query, ownerID, topK, opts)
		if err != nil {
			return nil, err
		}
		resp.Results = results
		resp.Warnings = warnings

	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidQuery, mode)
	}

	resp.Elapsed = time.Since(start)
	return resp, nil
}

// semantic embeds the query and resolves vector hits back through the
// relational store. The join re-checks ownership and drops soft-deleted
// fragments: the vector index filter alone is never trusted.
func (e *Engine) semantic(ctx context.Context, query, ownerID string, topK int, opts Options) ([]Result, error) {
	vec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	scored, err := e.vectors.Query(ctx, vec, topK, retrieval.Filter{
		OwnerID:       ownerID,
		SourceTypes:   opts.SourceTypes,
		ContainerTags: opts.ContainerTags,
	})
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]string, len(scored))
	scores := make(map[string]float64, len(scored))
	for i, s := range scored {
		ids[i] = s.ID
		scores[s.ID] = float64(s.Score)
	}

	joined, err := e.store.GetChunksByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving chunks: %w", err)
	}

	byID := make(map[string]storage.ChunkJoin, len(joined))
	for _, j := range joined {
		byID[j.ID] = j
	}

	// Preserve vector-score order; hits that failed the ownership join are
	// dropped here.
	var results []Result
	for _, s := range scored {
		j, ok := byID[s.ID]
		if !ok {
			continue
		}
		results = append(results, Result{
			FragmentID: j.FragmentID,
			ChunkID:    j.ID,
			Score:      scores[s.ID],
			RankSource: ModeSemantic,
			Excerpt:    j.Content,
			SourceType: j.SourceType,
			CreatedAt:  j.FragmentAt,
		})
	}
	return results, nil
}

// keyword sanitizes the query and runs it against the FTS5 index. bm25
// ranks are converted to a descending score in (0, 1].
func (e *Engine) keyword(ctx context.Context, query, ownerID string, topK int, opts Options) ([]Result, error) {
	match := SanitizeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	matches, err := e.store.SearchKeyword(ctx, ownerID, match, opts.SourceTypes, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword query: %w", err)
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			FragmentID: m.FragmentID,
			ChunkID:    m.ChunkID,
			Score:      bm25Score(m.BM25),
			RankSource: ModeKeyword,
			Excerpt:    m.Content,
			SourceType: m.SourceType,
			CreatedAt:  m.CreatedAt,
		})
	}
	return results, nil
}

// hybrid runs semantic and keyword retrieval in parallel, each requesting
// an expanded candidate set, then fuses the lists with RRF. A deadline
// expiring mid-flight abandons the unfinished retriever and fuses whatever
// already came back.
func (e *Engine) hybrid(ctx context.Context, query, ownerID string, topK int, opts Options) ([]Result, []string, error) {
	fetchK := topK * 2
	if fetchK > preRetrieveCap {
		fetchK = preRetrieveCap
	}

	var mu sync.Mutex
	var semanticResults, keywordResults []Result
	var semanticErr, keywordErr error
	var semanticDone, keywordDone bool

	var g errgroup.Group
	g.Go(func() error {
		res, err := e.semantic(ctx, query, ownerID, fetchK, opts)
		mu.Lock()
		semanticResults, semanticErr, semanticDone = res, err, true
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		res, err := e.keyword(ctx, query, ownerID, fetchK, opts)
		mu.Lock()
		keywordResults, keywordErr, keywordDone = res, err, true
		mu.Unlock()
		return nil
	})

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	sem, kw := semanticResults, keywordResults
	semErr, kwErr := semanticErr, keywordErr
	semDone, kwDone := semanticDone, keywordDone
	mu.Unlock()
	if !semDone {
		semErr = fmt.Errorf("semantic retrieval abandoned: %w", ctx.Err())
	}
	if !kwDone {
		kwErr = fmt.Errorf("keyword retrieval abandoned: %w", ctx.Err())
	}

	if semErr != nil && kwErr != nil {
		return nil, nil, fmt.Errorf("both retrievers failed: semantic: %v; keyword: %w", semErr, kwErr)
	}

	var warnings []string
	if semErr != nil {
		e.logger.Warn("semantic retrieval failed, degrading to keyword-only", "error", semErr)
		warnings = append(warnings, "semantic retrieval unavailable, results are keyword-only")
	}
	if kwErr != nil {
		e.logger.Warn("keyword retrieval failed, results are semantic-only", "error", kwErr)
		warnings = append(warnings, "keyword retrieval unavailable, results are semantic-only")
	}

	fused := FuseRRF(sem, kw, topK)
	return fused, warnings, nil
}

// bm25Score converts an FTS5 bm25 rank into a descending score in [0, 1).
// SQLite reports bm25 as negative with more negative meaning more relevant,
// so the rank is negated before squashing.
func bm25Score(bm25 float64) float64 {
	raw := -bm25
	if raw <= 0 {
		return 0
	}
	return raw / (1 + raw)
}
