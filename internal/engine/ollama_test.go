package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestChatSendsOptionsAndDecodesReply(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(chatResponse{Message: Message{Role: "assistant", Content: "hello back"}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	reply, err := c.Chat(context.Background(), "test-model", []Message{
		{Role: "user", Content: "hello"},
	}, &ChatOptions{Temperature: 0.2, MaxTokens: 100})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "hello back" {
		t.Errorf("reply = %q", reply)
	}

	if got.Model != "test-model" || got.Stream {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.Options["temperature"] != 0.2 || got.Options["num_predict"] != float64(100) {
		t.Errorf("options not forwarded: %v", got.Options)
	}
}

func TestEmbedDecodesFirstVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Input != "some text" {
			t.Errorf("input = %q", req.Input)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	vec, err := c.Embed(context.Background(), "embed-model", "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Errorf("vector = %v", vec)
	}
}

func TestEmbedEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if _, err := c.Embed(context.Background(), "embed-model", "text"); err == nil {
		t.Error("empty embeddings array should error")
	}
}

func TestRetryOnTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	vec, err := c.Embed(context.Background(), "m", "text")
	if err != nil {
		t.Fatalf("Embed should recover after a 429: %v", err)
	}
	if len(vec) != 1 {
		t.Errorf("vector = %v", vec)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNoRetryOnHardFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if _, err := c.Embed(context.Background(), "m", "text"); err == nil {
		t.Fatal("400 should be an error")
	}
	if calls.Load() != 1 {
		t.Errorf("hard failure retried: %d calls", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	_, err := c.Embed(context.Background(), "m", "text")
	if err == nil {
		t.Fatal("persistent 503 should exhaust retries")
	}
	if !strings.Contains(err.Error(), "giving up") {
		t.Errorf("error should mention exhaustion: %v", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	c := NewOllamaClient(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Error("running server reported down")
	}

	srv.Close()
	if c.IsRunning(context.Background()) {
		t.Error("closed server reported up")
	}
}
