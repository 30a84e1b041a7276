package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a piece of knowledge",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/memories", map[string]any{
			"content":        content,
			"source_type":    "manual",
			"container_tags": tags,
		})
		if err != nil {
			return err
		}

		var result struct {
			ID string `json:"id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored memory %s", result.ID)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored knowledge",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"query": query,
			"mode":  mode,
			"top_k": limit,
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				FragmentID string  `json:"fragment_id"`
				Score      float64 `json:"score"`
				Excerpt    string  `json:"excerpt"`
				SourceType string  `json:"source_type"`
			} `json:"results"`
			Warnings []string `json:"warnings"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, w := range result.Warnings {
			printWarning("%s", w)
		}
		if len(result.Results) == 0 {
			fmt.Println("no results")
			return nil
		}
		for i, r := range result.Results {
			fmt.Printf("%2d. %s [%s, %.3f]\n    %s\n",
				i+1, r.FragmentID, r.SourceType, r.Score, oneLine(r.Excerpt, 160))
		}
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question answered from stored knowledge",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		synthType, _ := cmd.Flags().GetString("type")
		recent, _ := cmd.Flags().GetBool("recent")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/synthesize", map[string]any{
			"query":             query,
			"synthesis_type":    synthType,
			"prioritize_recent": recent,
		})
		if err != nil {
			return err
		}

		var result struct {
			Content      string  `json:"content"`
			Confidence   float64 `json:"confidence"`
			Attributions []struct {
				SourceID   string  `json:"source_id"`
				SourceType string  `json:"source_type"`
				Relevance  float64 `json:"relevance_score"`
			} `json:"source_attributions"`
			Warnings []string `json:"warnings"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, w := range result.Warnings {
			printWarning("%s", w)
		}
		fmt.Println(result.Content)
		fmt.Println()
		printStatus("Confidence", "%.2f", result.Confidence)
		for _, a := range result.Attributions {
			printStatus("Source", "%s (%s, %.3f)", a.SourceID, a.SourceType, a.Relevance)
		}
		return nil
	},
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a document into the knowledge base",
	Long: `Ingest a document into the knowledge base.

Examples:
  mnema ingest --file ./notes.md --tags notes
  mnema ingest --file ./paper.pdf
  mnema ingest --url https://example.com/article --tags research`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		url, _ := cmd.Flags().GetString("url")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		if file == "" && url == "" {
			return fmt.Errorf("one of --file or --url is required")
		}

		req := map[string]any{"container_tags": tags}
		switch {
		case url != "":
			req["type"] = "url"
			req["url"] = url
		default:
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["source_id"] = file
			if strings.EqualFold(filepath.Ext(file), ".pdf") {
				req["type"] = "file"
				req["content_type"] = "application/pdf"
				req["content"] = base64.StdEncoding.EncodeToString(data)
			} else {
				req["type"] = "text"
				req["content"] = string(data)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ingest", req)
		if err != nil {
			return err
		}

		var result struct {
			ID    string `json:"id"`
			Chars int    `json:"chars"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %s (%d chars extracted)", result.ID, result.Chars)
		return nil
	},
}

// --- tags ---

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tags")
		if err != nil {
			return err
		}

		var result struct {
			Tags []struct {
				ID   string `json:"id"`
				Path string `json:"path"`
			} `json:"tags"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Tags) == 0 {
			fmt.Println("no tags")
			return nil
		}
		for _, t := range result.Tags {
			fmt.Printf("  %s  (%s)\n", t.Path, t.ID)
		}
		return nil
	},
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

func init() {
	rememberCmd.Flags().StringSlice("tags", nil, "container tags for the memory")
	searchCmd.Flags().String("mode", "hybrid", "retrieval mode: semantic, keyword, or hybrid")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	askCmd.Flags().String("type", "answer", "synthesis type: answer, summary, comparison, explanation, analysis")
	askCmd.Flags().Bool("recent", false, "prioritize recent knowledge")
	ingestCmd.Flags().String("file", "", "file path to ingest (text, markdown, or pdf)")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().StringSlice("tags", nil, "container tags for the document")
}
