package search

import (
	"testing"
)

func mkResults(chunkIDs ...string) []Result {
	results := make([]Result, len(chunkIDs))
	for i, id := range chunkIDs {
		results[i] = Result{ChunkID: id, FragmentID: "frag-" + id}
	}
	return results
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func TestFuseRRFBothListsOutrankSingles(t *testing.T) {
	semantic := mkResults("a", "b", "c")
	keyword := mkResults("b", "d", "a")

	fused := FuseRRF(semantic, keyword, 10)
	if len(fused) != 4 {
		t.Fatalf("expected 4 fused results, got %d", len(fused))
	}

	// a and b appear in both lists; they must outrank c and d.
	top := map[string]bool{fused[0].ChunkID: true, fused[1].ChunkID: true}
	if !top["a"] || !top["b"] {
		t.Errorf("double-listed chunks should lead, got order %v", ids(fused))
	}
	for _, r := range fused {
		if r.RankSource != ModeHybrid {
			t.Errorf("fused result %s has rank source %s", r.ChunkID, r.RankSource)
		}
	}
	if fused[0].Score < fused[len(fused)-1].Score {
		t.Error("fused scores not descending")
	}
}

func TestFuseRRFOrderIndependent(t *testing.T) {
	a := FuseRRF(mkResults("a", "b", "c"), mkResults("b", "d", "a"), 10)
	b := FuseRRF(mkResults("b", "d", "a"), mkResults("a", "b", "c"), 10)

	if len(a) != len(b) {
		t.Fatalf("result counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ChunkID != b[i].ChunkID {
			t.Errorf("position %d differs across input orderings: %s vs %s", i, a[i].ChunkID, b[i].ChunkID)
		}
	}
}

func TestFuseRRFScores(t *testing.T) {
	fused := FuseRRF(mkResults("a"), mkResults("a"), 10)
	if len(fused) != 1 {
		t.Fatalf("expected 1 result, got %d", len(fused))
	}
	want := 2.0 / 61.0
	if diff := fused[0].Score - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("score = %f, want %f", fused[0].Score, want)
	}
}

func TestFuseRRFTopK(t *testing.T) {
	fused := FuseRRF(mkResults("a", "b", "c", "d"), nil, 2)
	if len(fused) != 2 {
		t.Fatalf("topK not applied: got %d", len(fused))
	}
	if fused[0].ChunkID != "a" || fused[1].ChunkID != "b" {
		t.Errorf("single-list fusion should preserve order: %v", ids(fused))
	}
}

func TestFuseRRFTieBreaksDeterministic(t *testing.T) {
	// x and y each appear once at the same rank in opposite lists: identical
	// score, identical best rank, so the chunk id decides.
	fused := FuseRRF(mkResults("y"), mkResults("x"), 10)
	if len(fused) != 2 {
		t.Fatalf("expected 2 results, got %d", len(fused))
	}
	if fused[0].ChunkID != "x" {
		t.Errorf("tie should break to lexicographically smaller id, got %v", ids(fused))
	}
}

func TestSanitizeFTSQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" "world"`},
		{`"quoted" AND (injection)`, `"quoted" "AND" "injection"`},
		{"snake_case term-dash", `"snake_case" "term" "dash"`},
		{"   ", ""},
		{`!@#$%^&*`, ""},
		{"unicode słowo", `"unicode" "słowo"`},
	}
	for _, tc := range cases {
		if got := SanitizeFTSQuery(tc.in); got != tc.want {
			t.Errorf("SanitizeFTSQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
