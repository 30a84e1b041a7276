package search

import (
	"regexp"
	"sort"
	"strings"
)

// rrfK is the standard Reciprocal Rank Fusion constant.
const rrfK = 60

// fusedItem tracks a chunk's combined RRF score and its best individual
// rank across the input lists (used for tie-breaking).
type fusedItem struct {
	result   Result
	score    float64
	bestRank int
}

// FuseRRF combines a semantic and a keyword ranking with Reciprocal Rank
// Fusion: each appearance contributes 1/(K + rank + 1), appearances in both
// lists sum. Ties on combined score break toward the better individual
// rank, then chunk id for full determinism. Output order depends only on
// the input rankings, never on which list arrived first.
func FuseRRF(semantic, keyword []Result, topK int) []Result {
	items := make(map[string]*fusedItem)

	merge := func(list []Result) {
		for rank, r := range list {
			it, ok := items[r.ChunkID]
			if !ok {
				it = &fusedItem{result: r, bestRank: rank}
				items[r.ChunkID] = it
			} else if rank < it.bestRank {
				it.bestRank = rank
			}
			it.score += 1.0 / float64(rrfK+rank+1)
		}
	}
	merge(semantic)
	merge(keyword)

	fused := make([]*fusedItem, 0, len(items))
	for _, it := range items {
		fused = append(fused, it)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].bestRank != fused[j].bestRank {
			return fused[i].bestRank < fused[j].bestRank
		}
		return fused[i].result.ChunkID < fused[j].result.ChunkID
	})

	if topK > 0 && len(fused) > topK {
		fused = fused[:topK]
	}

	results := make([]Result, len(fused))
	for i, it := range fused {
		r := it.result
		r.Score = it.score
		r.RankSource = ModeHybrid
		results[i] = r
	}
	return results
}

var ftsTermPattern = regexp.MustCompile(`[\pL\pN_]+`)

// SanitizeFTSQuery turns free text into a safe FTS5 MATCH expression:
// quotes and operator characters are stripped, whitespace collapses, and
// every surviving term is phrase-wrapped so user input can never inject
// MATCH syntax. Returns "" when nothing queryable remains.
func SanitizeFTSQuery(query string) string {
	terms := ftsTermPattern.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, t := range terms {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteByte('"')
		sb.WriteString(t)
		sb.WriteByte('"')
	}
	return sb.String()
}
