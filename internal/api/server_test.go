package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/mnema/internal/engine"
	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/search"
	"github.com/kalambet/mnema/internal/storage"
	"github.com/kalambet/mnema/internal/synthesis"
)

const (
	testDims  = 3
	testToken = "test-token"
)

type fakeEngine struct{}

func (fakeEngine) Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error) {
	return "A synthesized answer with enough length to count as a real response from the model backend.", nil
}

func (fakeEngine) Embed(ctx context.Context, model, text string) ([]float32, error) {
	return nil, errors.New("embedding disabled in tests")
}

func (fakeEngine) IsRunning(ctx context.Context) bool { return true }

func newTestHandler(t *testing.T) (http.Handler, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng := fakeEngine{}
	vectors := retrieval.NewSQLiteStore(s.DB(), testDims)
	embedder := retrieval.NewEmbedder(eng, "embed-model", nil)
	searcher := search.NewEngine(s, vectors, embedder)
	memories := memory.NewService(s, vectors)
	synth := synthesis.NewOrchestrator(s, searcher, eng, "chat-model")

	return NewAppHandler(AppDeps{
		Store:        s,
		Memories:     memories,
		Search:       searcher,
		Synth:        synth,
		Vectors:      vectors,
		Token:        testToken,
		DefaultOwner: "alice",
	}), s
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealthUnauthenticated(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := doRequest(t, h, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	m := decodeMap(t, rec)
	if m["status"] != "ok" {
		t.Errorf("status = %v", m["status"])
	}
	if _, ok := m["indexed_chunks"]; !ok {
		t.Error("missing indexed_chunks")
	}
	if _, ok := m["pending_jobs"]; !ok {
		t.Error("missing pending_jobs")
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/memories", `{"content":"x"}`, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/memories", strings.NewReader(`{"content":"x"}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rec2.Code)
	}
}

func TestMemoryLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/memories", `{"content":"A note about Go.","container_tags":["go"]}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeMap(t, rec)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("no id in response: %v", created)
	}
	if created["source_type"] != storage.SourceManual {
		t.Errorf("source_type = %v", created["source_type"])
	}

	rec = doRequest(t, h, http.MethodGet, "/memories/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if got := decodeMap(t, rec); got["content"] != "A note about Go." {
		t.Errorf("content = %v", got["content"])
	}

	rec = doRequest(t, h, http.MethodPatch, "/memories/"+id, `{"content":"A revised note."}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/memories/"+id, "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/memories/"+id, "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/memories/"+id+"/restore", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("restore = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/memories/"+id, "", true)
	if rec.Code != http.StatusOK {
		t.Errorf("get after restore = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodDelete, "/memories/"+id+"/purge", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("purge = %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodGet, "/memories/"+id+"?include_deleted=true", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after purge = %d, want 404", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	h, _ := newTestHandler(t)

	// Unknown memory.
	rec := doRequest(t, h, http.MethodGet, "/memories/ghost", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown memory = %d, want 404", rec.Code)
	}
	m := decodeMap(t, rec)
	errObj, _ := m["error"].(map[string]any)
	if errObj == nil || errObj["type"] != "not_found_error" {
		t.Errorf("error shape: %v", m)
	}

	// Invalid search query.
	rec = doRequest(t, h, http.MethodPost, "/search", `{"query":"  "}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank query = %d, want 400", rec.Code)
	}

	// Malformed JSON body.
	rec = doRequest(t, h, http.MethodPost, "/memories", `{"content":`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d, want 400", rec.Code)
	}

	// Invalid fragment.
	rec = doRequest(t, h, http.MethodPost, "/memories", `{"content":"x","source_type":"telepathy"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad source type = %d, want 400", rec.Code)
	}
}

func TestOwnerScoping(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/memories", `{"content":"Alice's secret."}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	id, _ := decodeMap(t, rec)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/memories/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Owner-ID", "bob")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("cross-owner read = %d, want 404", rec2.Code)
	}
}

func TestRelationsEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	mk := func(content string) string {
		rec := doRequest(t, h, http.MethodPost, "/memories", `{"content":"`+content+`"}`, true)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create = %d", rec.Code)
		}
		id, _ := decodeMap(t, rec)["id"].(string)
		return id
	}
	a := mk("fragment a")
	b := mk("fragment b")

	rec := doRequest(t, h, http.MethodPost, "/memories/"+a+"/relations",
		`{"target_id":"`+b+`","relation_type":"builds_on","strength":0.8}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create relation = %d: %s", rec.Code, rec.Body.String())
	}

	// Same pair again conflicts with a 400.
	rec = doRequest(t, h, http.MethodPost, "/memories/"+b+"/relations",
		`{"target_id":"`+a+`","relation_type":"similar"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("duplicate relation = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/memories/"+a+"/relations", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get relations = %d", rec.Code)
	}
	relations, _ := decodeMap(t, rec)["relations"].([]any)
	if len(relations) != 1 {
		t.Errorf("expected 1 relation, got %d", len(relations))
	}

	rec = doRequest(t, h, http.MethodGet, "/memories/"+a+"/related?depth=2", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get related = %d", rec.Code)
	}
	related, _ := decodeMap(t, rec)["related"].([]any)
	if len(related) != 1 || related[0] != b {
		t.Errorf("related = %v, want [%s]", related, b)
	}
}

func TestTagEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/tags", `{"name":"work"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create tag = %d: %s", rec.Code, rec.Body.String())
	}
	tag := decodeMap(t, rec)
	if tag["path"] != "work" {
		t.Errorf("path = %v", tag["path"])
	}

	// Duplicate sibling name conflicts.
	rec = doRequest(t, h, http.MethodPost, "/tags", `{"name":"work"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate tag = %d, want 409", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/tags", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list tags = %d", rec.Code)
	}
	tags, _ := decodeMap(t, rec)["tags"].([]any)
	if len(tags) != 1 {
		t.Errorf("expected 1 tag, got %d", len(tags))
	}
}

func TestConversationEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/conversations/conv1/messages",
		`{"role":"user","content":"What are goroutines?"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/conversations/conv1/messages",
		`{"role":"assistant","content":"Lightweight threads."}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append = %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/conversations/conv1/messages", `{"role":"user"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing content = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/conversations/conv1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get conversation = %d", rec.Code)
	}
	messages, _ := decodeMap(t, rec)["messages"].([]any)
	if len(messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(messages))
	}

	// Promotion with an empty body uses defaults.
	rec = doRequest(t, h, http.MethodPost, "/conversations/conv1/promote", "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("promote = %d: %s", rec.Code, rec.Body.String())
	}
	promoted := decodeMap(t, rec)
	if promoted["source_type"] != storage.SourceConversation {
		t.Errorf("promoted source_type = %v", promoted["source_type"])
	}

	rec = doRequest(t, h, http.MethodGet, "/conversations/ghost", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d, want 404", rec.Code)
	}
}

func TestSynthesizeEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/synthesize", `{"query":"anything at all"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("synthesize = %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeMap(t, rec)
	if m["content"] == "" {
		t.Error("empty content")
	}
	if _, ok := m["confidence"]; !ok {
		t.Error("missing confidence")
	}
}
