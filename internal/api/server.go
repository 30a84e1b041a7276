// Package api exposes the engine over HTTP (chi router, bearer auth) and
// over MCP for agent clients.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/retrieval"
	"github.com/kalambet/mnema/internal/search"
	"github.com/kalambet/mnema/internal/storage"
	"github.com/kalambet/mnema/internal/synthesis"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps carries the service dependencies of the HTTP surface.
type AppDeps struct {
	Store        *storage.Store
	Memories     *memory.Service
	Search       *search.Engine
	Synth        *synthesis.Orchestrator
	Vectors      retrieval.VectorStore
	Token        string
	DefaultOwner string
}

// NewAppHandler builds the router. /health is unauthenticated; everything
// else sits behind bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/ingest", handleIngest(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/synthesize", handleSynthesize(deps))

		r.Post("/memories", handleCreateMemory(deps))
		r.Get("/memories", handleListMemories(deps))
		r.Get("/memories/{id}", handleGetMemory(deps))
		r.Patch("/memories/{id}", handleUpdateMemory(deps))
		r.Delete("/memories/{id}", handleDeleteMemory(deps))
		r.Post("/memories/{id}/restore", handleRestoreMemory(deps))
		r.Delete("/memories/{id}/purge", handlePurgeMemory(deps))

		r.Post("/memories/{id}/relations", handleCreateRelation(deps))
		r.Get("/memories/{id}/relations", handleGetRelations(deps))
		r.Get("/memories/{id}/related", handleGetRelated(deps))

		r.Post("/tags", handleCreateTag(deps))
		r.Get("/tags", handleListTags(deps))

		r.Post("/conversations/{id}/messages", handleAppendMessage(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Post("/conversations/{id}/promote", handlePromoteConversation(deps))
	})

	return r
}

// ownerID resolves the acting owner: X-Owner-ID header when present, the
// configured default otherwise.
func ownerID(r *http.Request, deps AppDeps) string {
	if owner := r.Header.Get("X-Owner-ID"); owner != "" {
		return owner
	}
	return deps.DefaultOwner
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Vectors.Describe()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "index unavailable: %v", err)
			return
		}
		pending, err := deps.Store.CountPendingJobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "queue unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"indexed_chunks": info.Count,
			"dims":           info.Dims,
			"pending_jobs":   pending,
		})
	}
}

type searchRequest struct {
	Query         string   `json:"query"`
	Mode          string   `json:"mode"`
	TopK          int      `json:"top_k"`
	SourceTypes   []string `json:"source_types"`
	ContainerTags []string `json:"container_tags"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := deps.Search.Search(r.Context(), req.Query, ownerID(r, deps), search.Options{
			TopK:          req.TopK,
			Mode:          search.Mode(req.Mode),
			SourceTypes:   req.SourceTypes,
			ContainerTags: req.ContainerTags,
		})
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type synthesizeRequest struct {
	Query               string  `json:"query"`
	SynthesisType       string  `json:"synthesis_type"`
	MaxSources          int     `json:"max_sources"`
	ContextWindowTokens int     `json:"context_window_tokens"`
	PrioritizeRecent    bool    `json:"prioritize_recent"`
	MinConfidence       float64 `json:"min_confidence"`
	ResponseStyle       string  `json:"response_style"`
}

func handleSynthesize(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req synthesizeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := deps.Synth.Synthesize(r.Context(), req.Query, ownerID(r, deps), synthesis.Options{
			SynthesisType:       req.SynthesisType,
			MaxSources:          req.MaxSources,
			ContextWindowTokens: req.ContextWindowTokens,
			PrioritizeRecent:    req.PrioritizeRecent,
			MinConfidence:       req.MinConfidence,
			ResponseStyle:       req.ResponseStyle,
		})
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

type memoryRequest struct {
	Content       string         `json:"content"`
	SourceType    string         `json:"source_type"`
	SourceID      string         `json:"source_id"`
	ContainerTags []string       `json:"container_tags"`
	TagIDs        []string       `json:"tag_ids"`
	Metadata      map[string]any `json:"metadata"`
}

func handleCreateMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		f, err := deps.Memories.Create(r.Context(), memory.CreateInput{
			OwnerID:       ownerID(r, deps),
			Content:       req.Content,
			SourceType:    req.SourceType,
			SourceID:      req.SourceID,
			ContainerTags: req.ContainerTags,
			TagIDs:        req.TagIDs,
			Metadata:      req.Metadata,
		})
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fragmentJSON(f))
	}
}

func handleListMemories(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		fragments, err := deps.Memories.List(r.Context(), ownerID(r, deps), storage.FragmentFilter{
			SourceType:     q.Get("source_type"),
			ContainerTag:   q.Get("container_tag"),
			TagID:          q.Get("tag_id"),
			IncludeDeleted: q.Get("include_deleted") == "true",
			Limit:          limit,
			Offset:         offset,
		})
		if err != nil {
			domainError(w, err)
			return
		}
		out := make([]map[string]any, len(fragments))
		for i, f := range fragments {
			out[i] = fragmentJSON(f)
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": out})
	}
}

func handleGetMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeDeleted := r.URL.Query().Get("include_deleted") == "true"
		f, err := deps.Memories.Get(r.Context(), ownerID(r, deps), chi.URLParam(r, "id"), includeDeleted)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fragmentJSON(f))
	}
}

func handleUpdateMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memoryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		f, err := deps.Memories.Update(r.Context(), ownerID(r, deps), chi.URLParam(r, "id"),
			req.Content, req.ContainerTags, req.TagIDs)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fragmentJSON(f))
	}
}

func handleDeleteMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Memories.SoftDelete(r.Context(), ownerID(r, deps), chi.URLParam(r, "id")); err != nil {
			domainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRestoreMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Memories.Restore(r.Context(), ownerID(r, deps), chi.URLParam(r, "id")); err != nil {
			domainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePurgeMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Memories.HardDelete(r.Context(), ownerID(r, deps), chi.URLParam(r, "id")); err != nil {
			domainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type relationRequest struct {
	TargetID     string  `json:"target_id"`
	RelationType string  `json:"relation_type"`
	Strength     float64 `json:"strength"`
}

func handleCreateRelation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relationRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Strength == 0 {
			req.Strength = 1
		}
		edge, err := deps.Memories.CreateRelation(r.Context(), ownerID(r, deps),
			chi.URLParam(r, "id"), req.TargetID, req.RelationType, req.Strength, storage.EdgeByUser)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, edge)
	}
}

func handleGetRelations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		edges, err := deps.Memories.GetRelations(r.Context(), ownerID(r, deps), chi.URLParam(r, "id"), limit)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"relations": edges})
	}
}

func handleGetRelated(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
		ids, err := deps.Memories.Related(r.Context(), ownerID(r, deps), []string{chi.URLParam(r, "id")}, depth)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"related": ids})
	}
}

type tagRequest struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

func handleCreateTag(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tagRequest
		if !decodeBody(w, r, &req) {
			return
		}
		tag, err := deps.Memories.CreateTag(r.Context(), ownerID(r, deps), req.Name, req.ParentID)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, tag)
	}
}

func handleListTags(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := deps.Memories.ListTags(r.Context(), ownerID(r, deps))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
	}
}

type messageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func handleAppendMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Role == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "role and content are required")
			return
		}
		m := &storage.Message{
			ID:             uuid.New().String(),
			ConversationID: chi.URLParam(r, "id"),
			OwnerID:        ownerID(r, deps),
			Role:           req.Role,
			Content:        req.Content,
		}
		if err := deps.Store.AppendMessage(m); err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID})
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messages, err := deps.Store.GetConversation(ownerID(r, deps), chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
	}
}

type promoteRequest struct {
	ContainerTags []string `json:"container_tags"`
}

func handlePromoteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req promoteRequest
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		f, err := deps.Synth.PromoteConversation(r.Context(), deps.Memories,
			ownerID(r, deps), chi.URLParam(r, "id"), req.ContainerTags)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fragmentJSON(f))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// decodeOptionalBody is decodeBody for endpoints where an empty body means
// all defaults.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func fragmentJSON(f *storage.Fragment) map[string]any {
	out := map[string]any{
		"id":             f.ID,
		"content":        f.Content,
		"source_type":    f.SourceType,
		"source_id":      f.SourceID,
		"container_tags": f.ContainerTags,
		"tag_ids":        f.TagIDs,
		"metadata":       f.Metadata,
		"created_at":     f.CreatedAt,
		"updated_at":     f.UpdatedAt,
	}
	if f.DeletedAt != nil {
		out["deleted_at"] = *f.DeletedAt
	}
	return out
}
