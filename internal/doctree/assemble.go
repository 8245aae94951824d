package doctree

import (
	"sort"
	"strings"
)

// DefaultSeparator joins chunks that carry no recorded separator.
const DefaultSeparator = "\n\n"

// AssembleContent rebuilds section content from the section's chunks in
// Order, joining each chunk to the next with its Separator. A run of chunks
// cut from the same table collapses back into that table's placeholder,
// followed by the separator of the run's last chunk.
func AssembleContent(chunks []SectionChunk) string {
	sorted := make([]SectionChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	var b strings.Builder
	sep := ""
	lastTable := -1
	for i, c := range sorted {
		if c.Table && c.TableIndex == lastTable {
			sep = c.Separator
			continue
		}
		if i > 0 {
			if sep == "" {
				sep = DefaultSeparator
			}
			b.WriteString(sep)
		}
		if c.Table {
			b.WriteString(TablePlaceholder(c.TableIndex))
			lastTable = c.TableIndex
		} else {
			b.WriteString(c.PageContent)
			lastTable = -1
		}
		sep = c.Separator
	}
	return b.String()
}
