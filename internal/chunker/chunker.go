// Package chunker flattens a section tree into globally ordered, token
// counted retrieval chunks.
package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/splitter"
	"github.com/dgallion1/docchat/internal/tokenizer"
)

// Config controls chunking behavior.
type Config struct {
	ChunkSize    int // Target chunk size in tokens.
	ChunkOverlap int // Overlap between consecutive chunks in tokens.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    500,
		ChunkOverlap: 0,
	}
}

// Chunker splits section content with a text splitter and counts tokens with
// an exact counter.
type Chunker struct {
	splitter *splitter.Splitter
	counter  tokenizer.Counter
}

// New builds a Chunker whose splitter uses the default separators and
// measures chunk size with counter.
func New(cfg Config, counter tokenizer.Counter) (*Chunker, error) {
	scfg := splitter.DefaultConfig()
	scfg.ChunkSize = cfg.ChunkSize
	scfg.ChunkOverlap = cfg.ChunkOverlap
	scfg.LengthFunc = counter.Count
	s, err := splitter.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}
	return NewWithSplitter(s, counter), nil
}

// NewWithSplitter builds a Chunker around an existing splitter.
func NewWithSplitter(s *splitter.Splitter, counter tokenizer.Counter) *Chunker {
	return &Chunker{splitter: s, counter: counter}
}

// ChunkSections walks the forest depth-first, pre-order, and emits one
// SectionChunk per split piece. Order restarts at 1 in every section;
// TotalOrder runs from 1 across the whole traversal.
func (c *Chunker) ChunkSections(forest []*doctree.SectionNode) ([]doctree.SectionChunk, error) {
	var chunks []doctree.SectionChunk
	next := 1
	for _, node := range forest {
		var err error
		chunks, next, err = c.chunkNode(node, chunks, next)
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// chunkNode appends the chunks of node and its subsections to out, starting
// at totalOrder, and returns the next free totalOrder. Text between chunks,
// including text around a table placeholder, is kept as the earlier chunk's
// Separator.
func (c *Chunker) chunkNode(node *doctree.SectionNode, out []doctree.SectionChunk, totalOrder int) ([]doctree.SectionChunk, int, error) {
	order := 1
	last := -1 // index in out of this section's latest chunk
	for _, span := range doctree.SplitPlaceholders(node.Content) {
		text := span
		idx, isTable := doctree.ParsePlaceholder(span)
		if isTable {
			table, ok := node.Tables[idx]
			if !ok {
				// Dangling placeholder: keep it as literal text.
				isTable = false
				idx = 0
			} else {
				text = table
			}
		}

		lead, pieces, err := c.splitter.SplitPieces(text)
		if err != nil {
			return nil, totalOrder, fmt.Errorf("chunk section %s: %w", node.HeaderRouteLevels, err)
		}
		if last >= 0 {
			out[last].Separator += lead
		}
		for _, p := range pieces {
			sc := doctree.SectionChunk{
				TextChunk:         c.textChunk(p.Text, totalOrder),
				HeaderRoute:       node.HeaderRoute,
				HeaderRouteLevels: node.HeaderRouteLevels,
				Order:             order,
				Table:             isTable,
				SectionID:         node.ID,
				Separator:         p.Sep,
			}
			if isTable {
				sc.TableIndex = idx
			}
			out = append(out, sc)
			last = len(out) - 1
			order++
			totalOrder++
		}
	}

	for _, sub := range node.Subsections {
		var err error
		out, totalOrder, err = c.chunkNode(sub, out, totalOrder)
		if err != nil {
			return nil, totalOrder, err
		}
	}
	return out, totalOrder, nil
}

// LayoutChunks splits layout text into TextChunks numbered from 1.
func (c *Chunker) LayoutChunks(text string) ([]doctree.TextChunk, error) {
	pieces, err := c.splitter.Split(text)
	if err != nil {
		return nil, fmt.Errorf("chunk layout text: %w", err)
	}
	out := make([]doctree.TextChunk, 0, len(pieces))
	for i, p := range pieces {
		out = append(out, c.textChunk(p, i+1))
	}
	return out, nil
}

func (c *Chunker) textChunk(text string, totalOrder int) doctree.TextChunk {
	return doctree.TextChunk{
		PageContent: text,
		TotalOrder:  totalOrder,
		Tokens:      c.counter.Count(text),
		CharCount:   utf8.RuneCountInString(text),
	}
}
