package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mnema/internal/memory"
	"github.com/kalambet/mnema/internal/search"
	"github.com/kalambet/mnema/internal/storage"
	"github.com/kalambet/mnema/internal/synthesis"
)

// MCPDeps holds dependencies for the MCP server. Owner is the fixed owner
// all MCP tools act as; MCP clients are local and singular.
type MCPDeps struct {
	Store    *storage.Store
	Memories *memory.Service
	Search   *search.Engine
	Synth    *synthesis.Orchestrator
	Owner    string
}

// NewMCPServer creates an MCP server with the knowledge tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mnema",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mnema — personal knowledge engine for remembering, recalling, and synthesizing context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a piece of knowledge for later retrieval. Indexing and relationship discovery happen in the background."),
			mcp.WithString("content", mcp.Description("The text to remember"), mcp.Required()),
			mcp.WithString("source_type", mcp.Description("One of: document, web, conversation, manual, audio (default manual)")),
			mcp.WithArray("container_tags", mcp.Description("Optional container tags for scoping")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Hybrid search (semantic + keyword) over stored knowledge; returns ranked excerpts."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("mode", mcp.Description("Retrieval mode: semantic, keyword, or hybrid (default hybrid)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("synthesize",
			mcp.WithDescription("Synthesize an answer from stored knowledge with source attribution and a confidence score."),
			mcp.WithString("query", mcp.Description("The question or request"), mcp.Required()),
			mcp.WithString("synthesis_type", mcp.Description("One of: answer, summary, comparison, explanation, analysis (default answer)")),
			mcp.WithNumber("max_sources", mcp.Description("Maximum sources to draw on (default 10)")),
		),
		mcpSynthesize(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"memory://recent",
			"Recent Memories",
			mcp.WithResourceDescription("Last 10 stored fragments (excerpts only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		sourceType := req.GetString("source_type", storage.SourceManual)
		containerTags := req.GetStringSlice("container_tags", nil)

		f, err := deps.Memories.Create(ctx, memory.CreateInput{
			OwnerID:       deps.Owner,
			Content:       content,
			SourceType:    sourceType,
			ContainerTags: containerTags,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to store: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Stored memory %s", f.ID)), nil
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}
		mode := search.Mode(req.GetString("mode", string(search.ModeHybrid)))

		resp, err := deps.Search.Search(ctx, query, deps.Owner, search.Options{
			TopK: limit,
			Mode: mode,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}

		if len(resp.Results) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			FragmentID string  `json:"fragment_id"`
			SourceType string  `json:"source_type"`
			Excerpt    string  `json:"excerpt"`
			Score      float64 `json:"score"`
		}
		hits := make([]hit, len(resp.Results))
		for i, r := range resp.Results {
			hits[i] = hit{
				FragmentID: r.FragmentID,
				SourceType: r.SourceType,
				Excerpt:    r.Excerpt,
				Score:      r.Score,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSynthesize(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		result, err := deps.Synth.Synthesize(ctx, query, deps.Owner, synthesis.Options{
			SynthesisType: req.GetString("synthesis_type", synthesis.TypeAnswer),
			MaxSources:    req.GetInt("max_sources", 0),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("synthesis failed: %v", err)), nil
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		fragments, err := deps.Memories.List(ctx, deps.Owner, storage.FragmentFilter{Limit: 10})
		if err != nil {
			return nil, fmt.Errorf("failed to list memories: %w", err)
		}

		type fragmentSummary struct {
			ID         string `json:"id"`
			SourceType string `json:"source_type"`
			CreatedAt  string `json:"created_at"`
			Excerpt    string `json:"excerpt"`
		}

		summaries := make([]fragmentSummary, len(fragments))
		for i, f := range fragments {
			excerpt := f.Content
			if utf8.RuneCountInString(excerpt) > 200 {
				runes := []rune(excerpt)
				excerpt = string(runes[:200]) + "..."
			}
			summaries[i] = fragmentSummary{
				ID:         f.ID,
				SourceType: f.SourceType,
				CreatedAt:  f.CreatedAt.Format(time.RFC3339),
				Excerpt:    excerpt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal memories: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
