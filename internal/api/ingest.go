package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/mnema/internal/ingest"
	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest submits a document for extraction and indexing. Content is
// the raw text, or base64 when type is "file"; URL fetches the page instead.
type IngestRequest struct {
	Type          string         `json:"type"` // "text", "file", "url"
	ContentType   string         `json:"content_type"`
	Content       string         `json:"content"`
	URL           string         `json:"url"`
	SourceID      string         `json:"source_id"`
	ContainerTags []string       `json:"container_tags"`
	Metadata      map[string]any `json:"metadata"`
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	httpClient := &http.Client{Timeout: 15 * time.Second}

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		var req IngestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}

		sourceType := storage.SourceDocument
		var text string
		var err error

		switch req.Type {
		case "url":
			text, err = fetchURL(r.Context(), httpClient, req.URL)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to fetch url: %v", err)
				return
			}
			text, err = ingest.ExtractText("text/html", []byte(text))
			if err != nil {
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "extraction failed: %v", err)
				return
			}
			sourceType = storage.SourceWeb
			if req.SourceID == "" {
				req.SourceID = req.URL
			}

		case "file":
			decoded, decErr := base64.StdEncoding.DecodeString(req.Content)
			if decErr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			text, err = ingest.ExtractText(req.ContentType, decoded)
			if err != nil {
				httpError(w, http.StatusUnprocessableEntity, "invalid_request_error", "extraction failed: %v", err)
				return
			}

		default:
			text = req.Content
		}

		f, err := deps.Memories.Create(r.Context(), memory.CreateInput{
			OwnerID:       ownerID(r, deps),
			Content:       text,
			SourceType:    sourceType,
			SourceID:      req.SourceID,
			ContainerTags: req.ContainerTags,
			Metadata:      req.Metadata,
		})
		if err != nil {
			domainError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     f.ID,
			"status": "queued",
			"chars":  len(text),
		})
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &urlStatusError{status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type urlStatusError struct{ status int }

func (e *urlStatusError) Error() string {
	return fmt.Sprintf("url returned status %d", e.status)
}
