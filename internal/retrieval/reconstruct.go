// Package retrieval expands similarity hits back into section-coherent,
// token-bounded context for prompting.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/vectorstore"
)

// DefaultMaxSectionTokens bounds one reconstructed section.
const DefaultMaxSectionTokens = 1024

// Reconstructor turns retrieved chunks into ReconstructedSections using the
// store for the sibling chunks of each section.
type Reconstructor struct {
	store            vectorstore.Store
	maxSectionTokens int
	log              *slog.Logger
}

func NewReconstructor(store vectorstore.Store, maxSectionTokens int, log *slog.Logger) *Reconstructor {
	if maxSectionTokens <= 0 {
		maxSectionTokens = DefaultMaxSectionTokens
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconstructor{store: store, maxSectionTokens: maxSectionTokens, log: log}
}

// Retrieve runs a similarity query and decodes the hits as section chunks,
// best first.
func (r *Reconstructor) Retrieve(ctx context.Context, collection, question string, k int) ([]doctree.SectionChunk, error) {
	hits, err := r.store.Query(ctx, collection, question, k, nil)
	if err != nil {
		return nil, err
	}
	out := make([]doctree.SectionChunk, 0, len(hits))
	for _, h := range hits {
		sc, err := doctree.DecodeSectionChunk(h.Text, h.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode hit %s: %w", h.ID, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Reconstruct expands each retrieved chunk into a window of neighbouring
// chunks from its section, at most one window per section, until
// leftTotalTokens is spent. The result is in document order.
func (r *Reconstructor) Reconstruct(ctx context.Context, collection string, retrieved []doctree.SectionChunk, leftTotalTokens int) ([]doctree.ReconstructedSection, error) {
	groups, err := r.fetchGroups(ctx, collection, retrieved)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	remaining := leftTotalTokens
	var out []doctree.ReconstructedSection
	for _, c := range retrieved {
		key := c.SectionID
		if key == "" {
			key = c.HeaderRouteLevels
		}
		if seen[key] {
			continue
		}

		sec := r.window(c, groups[c.HeaderRouteLevels])
		if sec.Tokens > remaining {
			r.log.Debug("context budget exhausted",
				"collection", collection,
				"section", c.HeaderRouteLevels,
				"section_tokens", sec.Tokens,
				"remaining_tokens", remaining,
			)
			break
		}
		seen[key] = true
		remaining -= sec.Tokens
		out = append(out, sec)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return CompareRouteLevels(out[i].HeaderRouteLevels, out[j].HeaderRouteLevels) < 0
	})
	return out, nil
}

// fetchGroups loads every chunk of each distinct section key, sorted by
// order.
func (r *Reconstructor) fetchGroups(ctx context.Context, collection string, retrieved []doctree.SectionChunk) (map[string][]doctree.SectionChunk, error) {
	groups := map[string][]doctree.SectionChunk{}
	for _, c := range retrieved {
		levels := c.HeaderRouteLevels
		if _, ok := groups[levels]; ok {
			continue
		}
		hits, err := r.store.Get(ctx, collection, vectorstore.Filter{doctree.MetaHeaderRouteLevels: levels})
		if err != nil {
			return nil, fmt.Errorf("fetch section %s: %w", levels, err)
		}
		group := make([]doctree.SectionChunk, 0, len(hits))
		for _, h := range hits {
			sc, err := doctree.DecodeSectionChunk(h.Text, h.Metadata)
			if err != nil {
				return nil, fmt.Errorf("decode chunk %s: %w", h.ID, err)
			}
			group = append(group, sc)
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Order < group[j].Order })
		groups[levels] = group
	}
	return groups, nil
}

// window grows outward from c, one chunk earlier then one chunk later, while
// the running token count stays within maxSectionTokens. A direction stops
// at its first chunk that would overflow.
func (r *Reconstructor) window(c doctree.SectionChunk, group []doctree.SectionChunk) doctree.ReconstructedSection {
	pos := -1
	for i, g := range group {
		if g.Order == c.Order {
			pos = i
			break
		}
	}
	if pos < 0 {
		group = []doctree.SectionChunk{c}
		pos = 0
	}

	lo, hi := pos, pos
	tokens := group[pos].Tokens
	canEarlier, canLater := true, true
	for canEarlier || canLater {
		if canEarlier {
			if lo > 0 && tokens+group[lo-1].Tokens <= r.maxSectionTokens {
				lo--
				tokens += group[lo].Tokens
			} else {
				canEarlier = false
			}
		}
		if canLater {
			if hi < len(group)-1 && tokens+group[hi+1].Tokens <= r.maxSectionTokens {
				hi++
				tokens += group[hi].Tokens
			} else {
				canLater = false
			}
		}
	}

	sec := doctree.ReconstructedSection{
		HeaderRoute:       c.HeaderRoute,
		HeaderRouteLevels: c.HeaderRouteLevels,
		SectionID:         c.SectionID,
	}
	texts := make([]string, 0, hi-lo+1)
	for _, g := range group[lo : hi+1] {
		texts = append(texts, g.PageContent)
		sec.Tokens += g.Tokens
		sec.CharCount += g.CharCount
	}
	sec.PageContent = strings.Join(texts, "\n")
	return sec
}

// CompareRouteLevels orders header route levels component-wise by number, so
// "2>9" sorts before "2>10". Non-numeric components compare as text.
func CompareRouteLevels(a, b string) int {
	as, bs := doctree.SplitRoute(a), doctree.SplitRoute(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		case as[i] != bs[i]:
			return strings.Compare(as[i], bs[i])
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return 0
}
