// Package ingest brings raw material into the knowledge store: document
// text extraction and the background worker that indexes fragments and
// infers their relationships off the request path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mnema/internal/indexer"
	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/storage"
)

const pollInterval = 2 * time.Second

// indexPayload is the payload of index and inference jobs.
type indexPayload struct {
	FragmentID string `json:"fragment_id"`
	OwnerID    string `json:"owner_id,omitempty"`
}

// Worker drains the job queue: indexing jobs chunk and embed a fragment,
// inference jobs discover its relationships. One worker per process is
// enough; the queue's claim step is transactional either way.
type Worker struct {
	store      *storage.Store
	indexer    *indexer.Indexer
	inferencer *memory.Inferencer
	logger     *slog.Logger
}

// NewWorker creates a background worker.
func NewWorker(store *storage.Store, ix *indexer.Indexer, inf *memory.Inferencer) *Worker {
	return &Worker{
		store:      store,
		indexer:    ix,
		inferencer: inf,
		logger:     slog.Default(),
	}
}

// Run polls the queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.RunOnce(ctx)
				if err != nil {
					w.logger.Error("job processing failed", "error", err)
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// RunOnce claims and processes a single job. Reports whether a job was
// found. Job handler errors are recorded on the job (with retry backoff)
// and not returned; only queue-level failures surface as errors.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobIndexFragment, storage.JobInferRelations})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.handle(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			return true, failErr
		}
		return true, nil
	}
	return true, w.store.CompleteJob(job.ID)
}

func (w *Worker) handle(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}

	switch job.Type {
	case storage.JobIndexFragment:
		return w.indexFragment(ctx, payload.FragmentID)
	case storage.JobInferRelations:
		return w.inferRelations(ctx, payload)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

// indexFragment chunks and embeds a fragment, then chains a relationship
// inference job for it.
func (w *Worker) indexFragment(ctx context.Context, fragmentID string) error {
	fragment, err := w.store.GetFragmentAnyOwner(fragmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted while queued.
			return nil
		}
		return err
	}

	stats, err := w.indexer.IndexFragment(ctx, fragment, indexer.Options{SkipExisting: true})
	if err != nil {
		return err
	}
	w.logger.Info("fragment indexed",
		"fragment_id", fragmentID, "chunks", stats.Total,
		"succeeded", stats.Succeeded, "failed", stats.Failed,
		"cost_usd", stats.CostUSD)

	payload, _ := json.Marshal(indexPayload{FragmentID: fragmentID, OwnerID: fragment.OwnerID})
	return w.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobInferRelations,
		DedupeKey:   fragmentID,
		PayloadJSON: string(payload),
	})
}

func (w *Worker) inferRelations(ctx context.Context, payload indexPayload) error {
	ownerID := payload.OwnerID
	if ownerID == "" {
		fragment, err := w.store.GetFragmentAnyOwner(payload.FragmentID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		ownerID = fragment.OwnerID
	}

	created, err := w.inferencer.InferRelations(ctx, ownerID, payload.FragmentID)
	if err != nil {
		return err
	}
	if created > 0 {
		w.logger.Info("relations inferred", "fragment_id", payload.FragmentID, "edges", created)
	}
	return nil
}
