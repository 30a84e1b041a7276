package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/storage"
)

const maxBatchSize = 100

// Options controls a single IndexChunks run.
type Options struct {
	// SkipExisting drops chunks whose normalized content hash is already
	// indexed for this owner. This is resubmission dedup, not semantic dedup.
	SkipExisting bool

	// BatchSize caps embedding requests per batch; clamped to [1, 100].
	BatchSize int

	// CostLimitUSD halts batch processing once accumulated embedding cost
	// reaches it. Zero means unlimited. At most one in-flight batch may
	// exceed the ceiling before processing stops.
	CostLimitUSD float64
}

// Stats reports the outcome of an indexing run. Failed and skipped counts
// make partial failure visible to callers instead of hiding it.
type Stats struct {
	Total             int
	Succeeded         int
	Failed            int
	DuplicatesSkipped int
	CostUSD           float64
	Elapsed           time.Duration
	Warnings          []string
}

// Indexer converts fragment chunks into embeddings and persists the
// chunk-to-vector linkage.
type Indexer struct {
	store       *storage.Store
	vectors     retrieval.VectorStore
	embedder    *retrieval.Embedder
	costPerMTok float64
	logger      *slog.Logger
}

// New creates an Indexer. costPerMTokensUSD prices embeddings per million
// estimated tokens; zero disables cost accounting.
func New(store *storage.Store, vectors retrieval.VectorStore, embedder *retrieval.Embedder, costPerMTokensUSD float64) *Indexer {
	return &Indexer{
		store:       store,
		vectors:     vectors,
		embedder:    embedder,
		costPerMTok: costPerMTokensUSD,
		logger:      slog.Default(),
	}
}

// IndexFragment splits a fragment's content into chunks, persists them, and
// indexes the result. The main entry point for the background worker.
func (ix *Indexer) IndexFragment(ctx context.Context, fragment *storage.Fragment, opts Options) (Stats, error) {
	pieces := SplitContent(fragment.Content, DefaultChunkSize)

	chunks := make([]storage.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = storage.Chunk{
			// Deterministic per (fragment, index): re-running the job
			// converges on the same ids.
			ID:            chunkID(fragment.ID, i),
			FragmentID:    fragment.ID,
			Index:         i,
			Content:       piece,
			TokenEstimate: EstimateTokens(piece),
			ContentHash:   ContentHash(piece),
		}
	}

	// Carry embedding linkage over from the previous run before the chunk
	// rows are replaced. A chunk whose id and hash are unchanged still has
	// its vector; re-submission must see it as indexed, not re-embed it.
	prev, err := ix.store.GetChunks(fragment.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("loading existing chunks: %w", err)
	}
	prevByID := make(map[string]storage.Chunk, len(prev))
	for _, c := range prev {
		prevByID[c.ID] = c
	}
	for i := range chunks {
		if p, ok := prevByID[chunks[i].ID]; ok && p.EmbeddingID != "" && p.ContentHash == chunks[i].ContentHash {
			chunks[i].EmbeddingID = p.EmbeddingID
		}
		delete(prevByID, chunks[i].ID)
	}

	if err := ix.store.ReplaceChunks(fragment.ID, chunks); err != nil {
		return Stats{}, fmt.Errorf("persisting chunks: %w", err)
	}

	// Edited content can shrink the chunk count; drop vectors whose chunk
	// rows no longer exist.
	if len(prevByID) > 0 {
		stale := make([]string, 0, len(prevByID))
		for id := range prevByID {
			stale = append(stale, id)
		}
		if err := ix.vectors.DeleteByIDs(stale); err != nil {
			return Stats{}, fmt.Errorf("dropping stale vectors: %w", err)
		}
	}

	return ix.IndexChunks(ctx, fragment, chunks, opts)
}

// IndexChunks embeds the given chunks in batches and inserts the vectors
// with their metadata. Per-chunk embedding failures are skipped and counted;
// the cost ceiling stops processing between batches with partial success.
func (ix *Indexer) IndexChunks(ctx context.Context, fragment *storage.Fragment, chunks []storage.Chunk, opts Options) (Stats, error) {
	start := time.Now()
	stats := Stats{Total: len(chunks)}

	batchSize := opts.BatchSize
	if batchSize <= 0 || batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	pending := chunks
	if opts.SkipExisting {
		hashes := make([]string, len(chunks))
		for i, c := range chunks {
			hashes[i] = c.ContentHash
		}
		indexed, err := ix.store.IndexedHashes(fragment.OwnerID, hashes)
		if err != nil {
			return stats, fmt.Errorf("checking existing hashes: %w", err)
		}

		pending = pending[:0:0]
		for _, c := range chunks {
			if indexed[c.ContentHash] {
				stats.DuplicatesSkipped++
				continue
			}
			pending = append(pending, c)
		}
	}

	for len(pending) > 0 {
		if opts.CostLimitUSD > 0 && stats.CostUSD >= opts.CostLimitUSD {
			stats.Warnings = append(stats.Warnings,
				fmt.Sprintf("cost limit $%.4f reached, %d chunks not indexed", opts.CostLimitUSD, len(pending)))
			break
		}
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}

		batch := pending
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		pending = pending[len(batch):]

		if err := ix.indexBatch(ctx, fragment, batch, &stats); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, err
		}
	}

	stats.Elapsed = time.Since(start)
	return stats, nil
}

// indexBatch embeds one batch and writes the surviving vectors plus their
// chunk linkage. Vector insert and metadata write are both idempotent
// (keyed by chunk id), so a failure between them is repaired by retry.
func (ix *Indexer) indexBatch(ctx context.Context, fragment *storage.Fragment, batch []storage.Chunk, stats *Stats) error {
	texts := make([]string, len(batch))
	tokens := 0
	for i, c := range batch {
		texts[i] = c.Content
		tokens += c.TokenEstimate
	}

	results, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding batch: %w", err)
	}
	stats.CostUSD += float64(tokens) / 1e6 * ix.costPerMTok

	var docs []retrieval.Doc
	var embedded []string
	for i, res := range results {
		if res.Err != nil {
			stats.Failed++
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("chunk %s: %v", batch[i].ID, res.Err))
			ix.logger.Warn("chunk embedding failed, skipping", "chunk_id", batch[i].ID, "error", res.Err)
			continue
		}
		docs = append(docs, retrieval.Doc{
			ID:            batch[i].ID,
			FragmentID:    fragment.ID,
			OwnerID:       fragment.OwnerID,
			SourceType:    fragment.SourceType,
			ContainerTags: fragment.ContainerTags,
			Vector:        res.Vector,
			CreatedAt:     time.Now().UTC(),
		})
		embedded = append(embedded, batch[i].ID)
	}

	if len(docs) == 0 {
		return nil
	}

	if err := ix.vectors.Insert(docs); err != nil {
		return fmt.Errorf("inserting vectors: %w", err)
	}
	if err := ix.store.MarkChunksEmbedded(embedded); err != nil {
		// The vectors are in but the linkage write failed. Surfacing the
		// error keeps the job retryable; both writes converge on retry.
		return fmt.Errorf("linking chunks to embeddings: %w", err)
	}

	stats.Succeeded += len(docs)
	return nil
}

// RemoveFragmentFromIndex deletes all chunk vectors and linkage rows for a
// fragment. Calling it for a fragment with nothing indexed is a no-op.
func (ix *Indexer) RemoveFragmentFromIndex(ctx context.Context, fragmentID string) error {
	if err := ix.vectors.DeleteByFragment(fragmentID); err != nil {
		return fmt.Errorf("removing vectors for %s: %w", fragmentID, err)
	}
	if err := ix.store.ClearChunkEmbeddings(fragmentID); err != nil {
		return fmt.Errorf("clearing linkage for %s: %w", fragmentID, err)
	}
	return nil
}

// ContentHash returns the normalized content hash used for resubmission
// dedup: lowercased, whitespace-collapsed, SHA-256.
func ContentHash(content string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func chunkID(fragmentID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", fragmentID, index)).String()
}
