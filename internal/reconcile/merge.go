package reconcile

import "github.com/dgallion1/docchat/internal/doctree"

// ReconcileSections returns a copy of forest in which every section with
// chunks in the input has its content rebuilt from them, ordered by Order.
// Table chunks restore their placeholder; table content is not replaced.
// Sections without chunks keep their content.
func ReconcileSections(forest []*doctree.SectionNode, chunks []doctree.SectionChunk) []*doctree.SectionNode {
	groups := map[string][]doctree.SectionChunk{}
	for _, c := range chunks {
		groups[c.HeaderRouteLevels] = append(groups[c.HeaderRouteLevels], c)
	}

	out := doctree.CloneForest(forest)
	doctree.Walk(out, func(n *doctree.SectionNode) bool {
		if g, ok := groups[n.HeaderRouteLevels]; ok {
			n.Content = doctree.AssembleContent(g)
		}
		return true
	})
	return out
}

// ChangedSections returns every chunk of each section that had at least one
// chunk altered, so that untouched sections keep their exact content.
func ChangedSections(results []Result) []doctree.SectionChunk {
	changed := map[string]bool{}
	for _, r := range results {
		if r.Changed() {
			changed[r.Chunk.HeaderRouteLevels] = true
		}
	}
	var out []doctree.SectionChunk
	for _, r := range results {
		if changed[r.Chunk.HeaderRouteLevels] {
			out = append(out, r.Chunk)
		}
	}
	return out
}
