package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/mnema/internal/engine"
	"github.com/kalambet/mnema/internal/indexer"
	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/storage"
)

const testDims = 3

type fakeEngine struct {
	embedErr error
}

func (f *fakeEngine) Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, float32(len(text)) / 1000, 0}, nil
}

func (f *fakeEngine) IsRunning(ctx context.Context) bool { return true }

type fixture struct {
	store    *storage.Store
	vectors  *retrieval.SQLiteStore
	engine   *fakeEngine
	memories *memory.Service
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fake := &fakeEngine{}
	vectors := retrieval.NewSQLiteStore(s.DB(), testDims)
	embedder := retrieval.NewEmbedder(fake, "embed-model", nil)
	ix := indexer.New(s, vectors, embedder, 0)
	inf := memory.NewInferencer(s, vectors, embedder, 0.8)
	return &fixture{
		store:    s,
		vectors:  vectors,
		engine:   fake,
		memories: memory.NewService(s, vectors),
		worker:   NewWorker(s, ix, inf),
	}
}

// drain runs the worker until the queue is empty, returning the number of
// jobs processed.
func (fx *fixture) drain(t *testing.T) int {
	t.Helper()
	processed := 0
	for {
		ok, err := fx.worker.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if !ok {
			return processed
		}
		processed++
	}
}

func TestWorkerIndexesAndChainsInference(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Two similar fragments, each with a queued indexing job.
	a, err := fx.memories.Create(ctx, memory.CreateInput{OwnerID: "alice", Content: "Goroutines are cheap threads."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := fx.memories.Create(ctx, memory.CreateInput{OwnerID: "alice", Content: "Goroutines are cheap green threads."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Each indexing job chains one inference job: four jobs total.
	if processed := fx.drain(t); processed != 4 {
		t.Errorf("processed %d jobs, want 4", processed)
	}

	info, err := fx.vectors.Describe()
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if info.Count != 2 {
		t.Errorf("expected 2 indexed chunks, got %d", info.Count)
	}

	edges, err := fx.store.ListEdges(a.ID, 10)
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 inferred edge, got %d", len(edges))
	}
	e := edges[0]
	touchesB := e.FragmentAID == b.ID || e.FragmentBID == b.ID
	if !touchesB || e.CreatedBy != storage.EdgeBySystem {
		t.Errorf("unexpected edge: %+v", e)
	}

	// Re-running with an empty queue is a no-op.
	if processed := fx.drain(t); processed != 0 {
		t.Errorf("empty queue processed %d jobs", processed)
	}
}

func TestWorkerSkipsDeletedFragment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f, err := fx.memories.Create(ctx, memory.CreateInput{OwnerID: "alice", Content: "Doomed fragment."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := fx.memories.HardDelete(ctx, "alice", f.ID); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}

	// The queued job finds no fragment and completes cleanly without
	// chaining an inference job.
	fx.drain(t)

	pending, err := fx.store.CountPendingJobs()
	if err != nil {
		t.Fatalf("CountPendingJobs: %v", err)
	}
	if pending != 0 {
		t.Errorf("jobs left pending: %d", pending)
	}
	info, _ := fx.vectors.Describe()
	if info.Count != 0 {
		t.Errorf("deleted fragment was indexed: %d docs", info.Count)
	}
}

func TestWorkerRecordsFailureForRetry(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.memories.Create(ctx, memory.CreateInput{OwnerID: "alice", Content: "Will fail to embed."}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fx.engine.embedErr = errors.New("engine offline")

	ok, err := fx.worker.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !ok {
		t.Fatal("expected a job to be claimed")
	}

	// Indexing tolerates per-chunk embed failures; the fragment indexes with
	// zero vectors and chains inference, which then fails on its own embed
	// call and goes back to pending with backoff.
	if ok, err := fx.worker.RunOnce(ctx); err != nil || !ok {
		t.Fatalf("inference job claim: ok=%v err=%v", ok, err)
	}

	var status, lastError string
	var attempts int
	err = fx.store.DB().QueryRow(
		`SELECT status, attempts, last_error FROM jobs WHERE type = ?`,
		storage.JobInferRelations).Scan(&status, &attempts, &lastError)
	if err != nil {
		t.Fatalf("loading inference job: %v", err)
	}
	if status != "pending" {
		t.Errorf("failed job status = %s, want pending for retry", status)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if lastError == "" {
		t.Error("failure reason not recorded")
	}
}

func TestWorkerUnknownJobType(t *testing.T) {
	fx := newFixture(t)
	err := fx.store.EnqueueJob(storage.Job{ID: "j1", Type: "transmogrify", PayloadJSON: "{}"})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	// The worker only claims its own job types; foreign jobs stay queued.
	if ok, err := fx.worker.RunOnce(context.Background()); err != nil || ok {
		t.Errorf("foreign job claimed: ok=%v err=%v", ok, err)
	}
}
