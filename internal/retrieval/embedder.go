package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mnema/internal/engine"
)

// Embedder wraps an Engine to generate text embeddings, with an optional
// bounded cache for query embeddings.
type Embedder struct {
	engine engine.Engine
	model  string
	cache  *QueryCache
}

// NewEmbedder creates an Embedder using the given Engine and model name.
// cache may be nil to disable query caching.
func NewEmbedder(e engine.Engine, model string, cache *QueryCache) *Embedder {
	return &Embedder{engine: e, model: model, cache: cache}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedQuery embeds a search query, serving repeats from the cache. Cache
// misses fall through to the engine; the cache is a pure optimization and
// never affects correctness.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.cache != nil {
		if vec, ok := e.cache.Get(query); ok {
			return vec, nil
		}
	}
	vec, err := e.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(query, vec)
	}
	return vec, nil
}

// BatchResult carries per-text outcomes of EmbedBatch. A nil Vector with a
// non-nil Err marks a failed text; the rest of the batch is unaffected.
type BatchResult struct {
	Vector []float32
	Err    error
}

// EmbedBatch embeds multiple texts concurrently (bounded to 4 in-flight
// requests). Individual failures are recorded per text instead of failing
// the whole batch; only context cancellation aborts early.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]BatchResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([]BatchResult, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				results[i] = BatchResult{Err: fmt.Errorf("embedding text %d: %w", i, err)}
				return nil
			}
			results[i] = BatchResult{Vector: vec}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
