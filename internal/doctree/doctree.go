package doctree

import "strings"

// RouteSeparator joins header route components.
const RouteSeparator = ">"

// PlaceholderTitle marks a heading level that the document skipped.
const PlaceholderTitle = "N/A"

// SectionNode is a heading and the text directly under it.
type SectionNode struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Level             int            `json:"level"`
	HeaderRoute       string         `json:"headerRoute"`
	HeaderRouteLevels string         `json:"headerRouteLevels"`
	Content           string         `json:"content"`             // Body text with table placeholders.
	Tables            map[int]string `json:"tables,omitempty"`    // Flattened table text by order of appearance.
	Subsections       []*SectionNode `json:"subsections,omitempty"`
}

// Clone returns a deep copy of the node and its subsections.
func (n *SectionNode) Clone() *SectionNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.Tables != nil {
		out.Tables = make(map[int]string, len(n.Tables))
		for k, v := range n.Tables {
			out.Tables[k] = v
		}
	}
	out.Subsections = CloneForest(n.Subsections)
	return &out
}

// CloneForest deep-copies a list of root sections.
func CloneForest(nodes []*SectionNode) []*SectionNode {
	if nodes == nil {
		return nil
	}
	out := make([]*SectionNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}

// Walk visits every node in pre-order. Returning false stops descent into
// that node's subsections.
func Walk(nodes []*SectionNode, fn func(*SectionNode) bool) {
	for _, n := range nodes {
		if fn(n) {
			Walk(n.Subsections, fn)
		}
	}
}

// TextChunk is the atomic retrieval and matching unit.
type TextChunk struct {
	PageContent string `json:"pageContent"`
	TotalOrder  int    `json:"totalOrder"`
	Tokens      int    `json:"tokens"`
	CharCount   int    `json:"charCount"`
}

// SectionChunk is a TextChunk tagged with its owning section.
type SectionChunk struct {
	TextChunk
	HeaderRoute       string `json:"headerRoute"`
	HeaderRouteLevels string `json:"headerRouteLevels"`
	Order             int    `json:"order"`
	Table             bool   `json:"table"`
	TableIndex        int    `json:"tableIndex"` // Meaningful only when Table is set.
	SectionID         string `json:"sectionId"`
	// Separator is the section text between this chunk and the next one.
	Separator string `json:"separator,omitempty"`
}

// ReconstructedSection is a token-bounded span of a section assembled from
// consecutive chunks at query time.
type ReconstructedSection struct {
	PageContent       string `json:"pageContent"`
	HeaderRoute       string `json:"headerRoute"`
	HeaderRouteLevels string `json:"headerRouteLevels"`
	SectionID         string `json:"sectionId"`
	Tokens            int    `json:"tokens"`
	CharCount         int    `json:"charCount"`
}

// SplitRoute splits a header route (or route levels) into components.
func SplitRoute(route string) []string {
	if route == "" {
		return nil
	}
	return strings.Split(route, RouteSeparator)
}

// JoinRoute joins route components.
func JoinRoute(parts []string) string {
	return strings.Join(parts, RouteSeparator)
}
