// Package synthesis turns a query into a grounded answer: it gathers
// candidates from hybrid search and recent conversation history in parallel,
// ranks, deduplicates, and budgets them into a context window, and asks the
// chat model to synthesize a response with source attribution and a
// confidence score.
package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/mnema/internal/engine"
	"github.com/kalambet/mnema/internal/search"
	"github.com/kalambet/mnema/internal/storage"
)

const (
	conversationWindow  = 30 * 24 * time.Hour
	excerptLimit        = 200
	defaultWindowTokens = 4000
	defaultMaxSources   = 10
	shortResponseChars  = 100
	factualTemperature  = 0.2
)

// Options tunes one synthesis request.
type Options struct {
	SynthesisType       string
	MaxSources          int
	ContextWindowTokens int
	PrioritizeRecent    bool
	MinConfidence       float64
	ResponseStyle       string
}

// Attribution records one source that made it into the budgeted context.
type Attribution struct {
	SourceID       string    `json:"source_id"`
	SourceType     string    `json:"source_type"`
	RelevanceScore float64   `json:"relevance_score"`
	Excerpt        string    `json:"excerpt"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// Result is a synthesized response. Ephemeral; never persisted.
type Result struct {
	Content        string        `json:"content"`
	Attributions   []Attribution `json:"source_attributions"`
	Confidence     float64       `json:"confidence"`
	SynthesisType  string        `json:"synthesis_type"`
	ProcessingTime time.Duration `json:"processing_time"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// candidate is one retrieval hit before budgeting.
type candidate struct {
	sourceID   string
	sourceType string
	content    string
	relevance  float64
	createdAt  time.Time
}

// Orchestrator runs the synthesis pipeline.
type Orchestrator struct {
	store     *storage.Store
	searcher  *search.Engine
	engine    engine.Engine
	chatModel string
	logger    *slog.Logger
}

// NewOrchestrator wires the orchestrator to its collaborators.
func NewOrchestrator(store *storage.Store, searcher *search.Engine, eng engine.Engine, chatModel string) *Orchestrator {
	return &Orchestrator{
		store:     store,
		searcher:  searcher,
		engine:    eng,
		chatModel: chatModel,
		logger:    slog.Default(),
	}
}

// Synthesize answers a query from the owner's knowledge. Retrieval sources
// run concurrently and fail independently; a synthesis with zero usable
// sources still returns a (low-confidence) result rather than an error.
// The caller's context deadline bounds the whole pipeline.
func (o *Orchestrator) Synthesize(ctx context.Context, query, ownerID string, opts Options) (*Result, error) {
	if ownerID == "" {
		return nil, search.ErrUnauthorized
	}
	query = normalizeQuery(query)
	if query == "" {
		return nil, search.ErrInvalidQuery
	}

	if opts.SynthesisType == "" || !ValidType(opts.SynthesisType) {
		opts.SynthesisType = TypeAnswer
	}
	if opts.MaxSources <= 0 {
		opts.MaxSources = defaultMaxSources
	}
	if opts.ContextWindowTokens <= 0 {
		opts.ContextWindowTokens = defaultWindowTokens
	}

	start := time.Now()
	result := &Result{SynthesisType: opts.SynthesisType}

	candidates, warnings := o.retrieve(ctx, query, ownerID, opts)
	result.Warnings = warnings

	candidates = filterByConfidence(candidates, opts.MinConfidence)
	rankCandidates(candidates, opts.PrioritizeRecent, time.Now())
	candidates = dedupeCandidates(candidates)
	if len(candidates) > opts.MaxSources {
		candidates = candidates[:opts.MaxSources]
	}

	used := budgetCandidates(candidates, opts.ContextWindowTokens)

	contextTexts := make([]string, len(used))
	for i, c := range used {
		contextTexts[i] = c.content
		result.Attributions = append(result.Attributions, Attribution{
			SourceID:       c.sourceID,
			SourceType:     c.sourceType,
			RelevanceScore: c.relevance,
			Excerpt:        excerpt(c.content),
			Timestamp:      c.createdAt,
		})
	}

	var content string
	if len(used) == 0 {
		// Nothing survived filtering; skip the model call.
		content = fallbackContent(nil, 0)
		result.Warnings = append(result.Warnings, "no sources met the confidence threshold")
	} else if synthesized, llmErr := o.complete(ctx, query, contextTexts, opts); llmErr != nil {
		o.logger.Warn("synthesis completion failed, degrading to raw context", "error", llmErr)
		result.Warnings = append(result.Warnings, "completion failed; returning raw context")
		content = fallbackContent(contextTexts, opts.ContextWindowTokens)
	} else {
		content = synthesized
	}
	result.Content = content
	result.Confidence = scoreConfidence(used, content)
	result.ProcessingTime = time.Since(start)
	return result, nil
}

// retrieve fans out to hybrid search and conversation history concurrently.
// Either source may fail without aborting the other; failures come back as
// warnings. A caller deadline expiring mid-flight leaves whatever completed.
func (o *Orchestrator) retrieve(ctx context.Context, query, ownerID string, opts Options) ([]candidate, []string) {
	fetchK := opts.MaxSources * 2

	var mu sync.Mutex
	var searchResults []search.Result
	var convResults []storage.ScoredMessage
	var searchErr, convErr error
	var searchReady, convReady bool

	var g errgroup.Group
	g.Go(func() error {
		resp, err := o.searcher.Search(ctx, query, ownerID, search.Options{TopK: fetchK})
		mu.Lock()
		defer mu.Unlock()
		searchReady = true
		if err != nil {
			searchErr = err
			return nil
		}
		searchResults = resp.Results
		return nil
	})
	g.Go(func() error {
		since := time.Now().Add(-conversationWindow)
		msgs, err := o.store.SearchMessages(ctx, ownerID, strings.Fields(query), since, fetchK)
		mu.Lock()
		defer mu.Unlock()
		convReady = true
		if err != nil {
			convErr = err
			return nil
		}
		convResults = msgs
		return nil
	})

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	sResults, cResults := searchResults, convResults
	sErr, cErr := searchErr, convErr
	sReady, cReady := searchReady, convReady
	mu.Unlock()
	if !sReady {
		sErr = fmt.Errorf("search abandoned: %w", ctx.Err())
	}
	if !cReady {
		cErr = fmt.Errorf("conversation scan abandoned: %w", ctx.Err())
	}

	var warnings []string
	if sErr != nil {
		o.logger.Warn("hybrid search source failed", "error", sErr)
		warnings = append(warnings, "knowledge search unavailable")
	}
	if cErr != nil {
		o.logger.Warn("conversation source failed", "error", cErr)
		warnings = append(warnings, "conversation history unavailable")
	}

	var candidates []candidate
	for _, r := range sResults {
		candidates = append(candidates, candidate{
			sourceID:   r.FragmentID,
			sourceType: r.SourceType,
			content:    r.Excerpt,
			relevance:  r.Score,
			createdAt:  r.CreatedAt,
		})
	}
	for _, m := range cResults {
		candidates = append(candidates, candidate{
			sourceID:   m.ConversationID,
			sourceType: storage.SourceConversation,
			content:    m.Content,
			relevance:  m.Score,
			createdAt:  m.CreatedAt,
		})
	}
	return candidates, warnings
}

func (o *Orchestrator) complete(ctx context.Context, query string, contextTexts []string, opts Options) (string, error) {
	system, user := BuildPrompt(opts.SynthesisType, opts.ResponseStyle, query, contextTexts)
	return o.engine.Chat(ctx, o.chatModel, []engine.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}, &engine.ChatOptions{
		Temperature: factualTemperature,
		MaxTokens:   opts.ContextWindowTokens / 2,
	})
}

// normalizeQuery collapses whitespace. Query expansion would slot in here.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func filterByConfidence(cands []candidate, min float64) []candidate {
	if min <= 0 {
		return cands
	}
	kept := cands[:0]
	for _, c := range cands {
		if c.relevance >= min {
			kept = append(kept, c)
		}
	}
	return kept
}

// rankCandidates sorts by relevance descending, applying recency decay
// first when requested. Fragments older than a month bottom out at half
// weight so age never erases relevance entirely.
func rankCandidates(cands []candidate, prioritizeRecent bool, now time.Time) {
	if prioritizeRecent {
		for i := range cands {
			ageDays := now.Sub(cands[i].createdAt).Hours() / 24
			decay := 1 - ageDays/30
			if decay < 0.5 {
				decay = 0.5
			}
			cands[i].relevance *= decay
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].relevance != cands[j].relevance {
			return cands[i].relevance > cands[j].relevance
		}
		return cands[i].sourceID < cands[j].sourceID
	})
}

// dedupeCandidates drops near-duplicate contents, keeping the better-ranked
// copy. Inputs must already be sorted.
func dedupeCandidates(cands []candidate) []candidate {
	var kept []candidate
	var keptSets []map[string]bool
	for _, c := range cands {
		set := wordSet(c.content)
		dup := false
		for _, prev := range keptSets {
			if jaccard(set, prev) >= dedupeThreshold {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
			keptSets = append(keptSets, set)
		}
	}
	return kept
}

// budgetCandidates keeps candidates whole until the token budget runs out,
// sentence-truncating the overflowing one when enough of it fits.
func budgetCandidates(cands []candidate, budgetTokens int) []candidate {
	var used []candidate
	remaining := budgetTokens
	for _, c := range cands {
		if remaining <= 0 {
			break
		}
		tokens := EstimateTokens(c.content)
		if tokens <= remaining {
			used = append(used, c)
			remaining -= tokens
			continue
		}
		if truncated, ok := truncateToSentence(c.content, remaining); ok {
			c.content = truncated
			used = append(used, c)
		}
		break
	}
	return used
}

// scoreConfidence rates how much to trust a synthesis: more sources and
// higher mean relevance raise it, an implausibly short response lowers it.
func scoreConfidence(used []candidate, content string) float64 {
	confidence := 0.5

	sourceFactor := float64(len(used)) / float64(defaultMaxSources)
	if sourceFactor > 1 {
		sourceFactor = 1
	}
	confidence += 0.3 * sourceFactor

	if len(used) > 0 {
		var sum float64
		for _, c := range used {
			sum += c.relevance
		}
		mean := sum / float64(len(used))
		if mean > 1 {
			mean = 1
		}
		confidence += 0.3 * mean
	}

	if len(content) < shortResponseChars {
		confidence -= 0.2
	}

	if confidence < 0.1 {
		confidence = 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

func fallbackContent(contextTexts []string, budgetTokens int) string {
	if len(contextTexts) == 0 {
		return "No relevant knowledge was found for this request."
	}
	kept := FitBudget(contextTexts, budgetTokens/2)
	if len(kept) == 0 {
		kept = contextTexts[:1]
	}
	return strings.Join(kept, "\n\n")
}

// excerpt caps attribution excerpts at excerptLimit runes without splitting
// a multi-byte character.
func excerpt(content string) string {
	if utf8.RuneCountInString(content) <= excerptLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:excerptLimit])
}
