// Package reconcile corrects section chunks from the markdown parse against
// chunks of the deterministic layout parse.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/embed"
)

// MatchOptions bound candidate matching.
type MatchOptions struct {
	ProximityWindow      int     // Layout chunks within ±window/2 of the reference are considered; <= 0 disables the filter.
	LevenshteinThreshold float64 // Minimum inverted normalized edit distance.
	SimilarityThreshold  float64 // Minimum embedding similarity.
	MaxCandidates        int     // Result cap; <= 0 means unlimited.
}

// DefaultMatchOptions returns the options used by the ingestion pipeline.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		ProximityWindow:      20,
		LevenshteinThreshold: 0.5,
		SimilarityThreshold:  0.8,
		MaxCandidates:        3,
	}
}

// Candidate pairs a layout chunk with its match score in [0,1].
type Candidate struct {
	Chunk doctree.TextChunk `json:"chunk"`
	Score float64           `json:"score"`
	Exact bool              `json:"exact"`
}

// Matcher finds layout chunks matching a section chunk.
type Matcher struct {
	opts     MatchOptions
	embedder embed.Embedder
}

// NewMatcher returns a Matcher. With a nil embedder the similarity stage
// scores candidates by their edit-distance score.
func NewMatcher(opts MatchOptions, embedder embed.Embedder) *Matcher {
	return &Matcher{opts: opts, embedder: embedder}
}

// MatchSectionChunk matches using the chunk's own TotalOrder as reference.
func (m *Matcher) MatchSectionChunk(ctx context.Context, chunk doctree.SectionChunk, layout []doctree.TextChunk) ([]Candidate, error) {
	return m.Match(ctx, chunk, layout, chunk.TotalOrder)
}

// Match returns the best layout candidates for chunk, best first. An exact
// normalized match short-circuits to the exact matches only, nearest to ref
// first. Embedding failures are returned; everything else yields a possibly
// empty result.
func (m *Matcher) Match(ctx context.Context, chunk doctree.SectionChunk, layout []doctree.TextChunk, ref int) ([]Candidate, error) {
	target := Normalize(chunk.PageContent)

	var proximate []Candidate
	for _, lc := range layout {
		if !m.withinWindow(lc.TotalOrder, ref) {
			continue
		}
		proximate = append(proximate, Candidate{
			Chunk: lc,
			Score: editScore(target, Normalize(lc.PageContent)),
		})
	}

	var exact []Candidate
	for _, c := range proximate {
		if c.Score == 1 {
			c.Exact = true
			exact = append(exact, c)
		}
	}
	if len(exact) > 0 {
		sortByScoreThenDistance(exact, ref)
		return m.truncate(exact), nil
	}

	var survivors []Candidate
	for _, c := range proximate {
		if c.Score >= m.opts.LevenshteinThreshold {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return nil, nil
	}

	if m.embedder != nil {
		texts := make([]string, len(survivors))
		for i, c := range survivors {
			texts[i] = Normalize(c.Chunk.PageContent)
		}
		scores, err := embed.Scores(ctx, m.embedder, target, texts)
		if err != nil {
			return nil, fmt.Errorf("score candidates for chunk %d: %w", chunk.TotalOrder, err)
		}
		for i := range survivors {
			survivors[i].Score = scores[i]
		}
	}

	ranked := survivors[:0]
	for _, c := range survivors {
		if c.Score >= m.opts.SimilarityThreshold {
			ranked = append(ranked, c)
		}
	}
	sortByScoreThenDistance(ranked, ref)
	return m.truncate(ranked), nil
}

func (m *Matcher) withinWindow(totalOrder, ref int) bool {
	if m.opts.ProximityWindow <= 0 {
		return true
	}
	return 2*abs(totalOrder-ref) <= m.opts.ProximityWindow
}

func (m *Matcher) truncate(c []Candidate) []Candidate {
	if m.opts.MaxCandidates > 0 && len(c) > m.opts.MaxCandidates {
		return c[:m.opts.MaxCandidates]
	}
	return c
}

// sortByScoreThenDistance orders by descending score; equal scores go
// nearest-to-ref first, then by layout position.
func sortByScoreThenDistance(c []Candidate, ref int) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		di, dj := abs(c[i].Chunk.TotalOrder-ref), abs(c[j].Chunk.TotalOrder-ref)
		if di != dj {
			return di < dj
		}
		return c[i].Chunk.TotalOrder < c[j].Chunk.TotalOrder
	})
}

// Normalize collapses whitespace runs to single spaces and trims.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// editScore is 1 - distance/max(len) over runes of normalized text.
func editScore(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
