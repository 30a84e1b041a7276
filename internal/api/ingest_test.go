package api

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/mnema/internal/storage"
)

func TestIngestText(t *testing.T) {
	h, store := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/ingest",
		`{"type":"text","content":"Plain ingested text.","container_tags":["inbox"]}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeMap(t, rec)
	if m["status"] != "queued" {
		t.Errorf("status = %v", m["status"])
	}
	id, _ := m["id"].(string)
	if id == "" {
		t.Fatal("no fragment id returned")
	}
	if m["chars"] != float64(len("Plain ingested text.")) {
		t.Errorf("chars = %v", m["chars"])
	}

	f, err := store.GetFragment("alice", id, false)
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if f.SourceType != storage.SourceDocument {
		t.Errorf("source type = %s", f.SourceType)
	}

	// The indexing job is queued, not run inline.
	pending, _ := store.CountPendingJobs()
	if pending != 1 {
		t.Errorf("pending jobs = %d, want 1", pending)
	}
}

func TestIngestFileHTML(t *testing.T) {
	h, store := newTestHandler(t)

	page := base64.StdEncoding.EncodeToString([]byte("<html><body><p>Hello from a file.</p><script>skip()</script></body></html>"))
	rec := doRequest(t, h, http.MethodPost, "/ingest",
		`{"type":"file","content_type":"text/html","content":"`+page+`"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeMap(t, rec)["id"].(string)

	f, err := store.GetFragment("alice", id, false)
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if !strings.Contains(f.Content, "Hello from a file.") {
		t.Errorf("extracted content wrong: %q", f.Content)
	}
	if strings.Contains(f.Content, "skip()") {
		t.Errorf("script leaked: %q", f.Content)
	}
}

func TestIngestValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(t, h, http.MethodPost, "/ingest", `{"type":"text"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty content = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/ingest", `{"type":"file","content":"!!!not-base64!!!"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad base64 = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/ingest",
		`{"type":"file","content_type":"image/png","content":"`+base64.StdEncoding.EncodeToString([]byte{0x89})+`"}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported format = %d, want 422", rec.Code)
	}
}

func TestIngestURL(t *testing.T) {
	h, store := newTestHandler(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><p>Fetched page body.</p></body></html>"))
	}))
	defer srv.Close()

	rec := doRequest(t, h, http.MethodPost, "/ingest", `{"type":"url","url":"`+srv.URL+`"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest url = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := decodeMap(t, rec)["id"].(string)

	f, err := store.GetFragment("alice", id, false)
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if f.SourceType != storage.SourceWeb {
		t.Errorf("source type = %s", f.SourceType)
	}
	if f.SourceID != srv.URL {
		t.Errorf("source id should default to the url: %s", f.SourceID)
	}
	if !strings.Contains(f.Content, "Fetched page body.") {
		t.Errorf("content = %q", f.Content)
	}

	// Upstream failure maps to 502.
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv2.Close()
	rec = doRequest(t, h, http.MethodPost, "/ingest", `{"type":"url","url":"`+srv2.URL+`"}`, true)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("failed fetch = %d, want 502", rec.Code)
	}
}
