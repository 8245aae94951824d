package parser

import (
	"fmt"
	"io"
	"strings"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

var sectionIDNamespace = uuid.MustParse("6b1f3c1e-8d0a-4f57-9a49-3e2c4f1d7a10")

// MarkdownExtractor passes markdown sources through unchanged.
type MarkdownExtractor struct{}

func (e *MarkdownExtractor) Extract(r io.Reader, filename string) (string, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(src), nil
}

// TreeBuilder turns markdown into a forest of sections keyed by header
// route. Malformed heading sequences never fail; skipped levels are filled
// with placeholder routes.
//
// Text before the first heading becomes a level-1 root titled
// PreambleTitle. It takes route level "1", so the first real H1 of such a
// document is "2".
type TreeBuilder struct {
	DocumentID    string // Scopes section ids; sections of one document get stable ids.
	PreambleTitle string // Title for text that precedes the first heading.
}

// Build parses src (CommonMark + GFM tables) into root sections.
func (b *TreeBuilder) Build(src []byte) []*doctree.SectionNode {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	st := &treeState{
		docID:    b.DocumentID,
		preamble: b.PreambleTitle,
		tables:   map[int]string{},
	}
	if st.preamble == "" {
		st.preamble = doctree.PlaceholderTitle
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			st.flush()
			st.openSection(node.Level, inlineText(node, src))
		case *extast.Table:
			idx := len(st.tables)
			st.tables[idx] = renderTable(node, src)
			st.parts = append(st.parts, doctree.TablePlaceholder(idx))
		default:
			if t := blockText(n, src); t != "" {
				st.parts = append(st.parts, t)
			}
		}
	}
	st.flush()
	return st.forest
}

// BuildString is Build for string input.
func (b *TreeBuilder) BuildString(src string) []*doctree.SectionNode {
	return b.Build([]byte(src))
}

// treeState is the explicit accumulator threaded through Build.
type treeState struct {
	docID    string
	preamble string

	forest []*doctree.SectionNode
	stack  []*doctree.SectionNode
	routes routeTracker

	parts  []string
	tables map[int]string
}

// flush assigns accumulated text and tables to the open section. Text before
// the first heading gets a synthetic level-1 section.
func (st *treeState) flush() {
	content := strings.TrimSpace(strings.Join(st.parts, "\n\n"))
	if content == "" && len(st.tables) == 0 {
		st.parts = st.parts[:0]
		return
	}
	if len(st.stack) == 0 {
		st.openSection(1, st.preamble)
	}
	top := st.stack[len(st.stack)-1]
	top.Content = content
	if len(st.tables) > 0 {
		top.Tables = st.tables
	}
	st.parts = st.parts[:0]
	st.tables = map[int]string{}
}

func (st *treeState) openSection(level int, title string) {
	route, levels := st.routes.next(level, title)
	node := &doctree.SectionNode{
		ID:                sectionID(st.docID, levels),
		Title:             title,
		Level:             level,
		HeaderRoute:       route,
		HeaderRouteLevels: levels,
	}

	for len(st.stack) > 0 && st.stack[len(st.stack)-1].Level >= level {
		st.stack = st.stack[:len(st.stack)-1]
	}
	if len(st.stack) == 0 {
		st.forest = append(st.forest, node)
	} else {
		parent := st.stack[len(st.stack)-1]
		parent.Subsections = append(parent.Subsections, node)
	}
	st.stack = append(st.stack, node)
}

func sectionID(docID, levels string) string {
	return uuid.NewSHA1(sectionIDNamespace, []byte(docID+"|"+levels)).String()
}

// routeTracker holds the last route seen, one entry per heading depth.
type routeTracker struct {
	levels []int
	titles []string
}

// next advances the route for a heading at depth level (1-based) and returns
// the header route and header route levels.
func (r *routeTracker) next(level int, title string) (string, string) {
	if level < 1 {
		level = 1
	}
	if len(r.levels) >= level {
		r.levels = r.levels[:level]
		r.titles = r.titles[:level]
		r.levels[level-1]++
		r.titles[level-1] = title
	} else {
		for len(r.levels) < level-1 {
			r.levels = append(r.levels, 1)
			r.titles = append(r.titles, doctree.PlaceholderTitle)
		}
		r.levels = append(r.levels, 1)
		r.titles = append(r.titles, title)
	}

	nums := make([]string, len(r.levels))
	for i, n := range r.levels {
		nums[i] = fmt.Sprint(n)
	}
	return doctree.JoinRoute(r.titles), doctree.JoinRoute(nums)
}

// blockText renders a block node as plain, entity-decoded text.
func blockText(n ast.Node, src []byte) string {
	var sb strings.Builder
	writeBlock(&sb, n, src)
	return strings.TrimSpace(html.UnescapeString(sb.String()))
}

func writeBlock(sb *strings.Builder, n ast.Node, src []byte) {
	switch node := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		writeInlines(sb, n, src)
	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		writeLines(sb, n, src)
	case *ast.ThematicBreak:
	case *extast.Table:
		sb.WriteString(renderTable(node, src))
	case *ast.List:
		i := 0
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			if i > 0 {
				sb.WriteString("\n")
			}
			if node.IsOrdered() {
				fmt.Fprintf(sb, "%d. ", node.Start+i)
			} else {
				sb.WriteString("- ")
			}
			writeChildBlocks(sb, item, src, "\n")
			i++
		}
	default:
		if n.Type() == ast.TypeInline {
			writeInlines(sb, n, src)
			return
		}
		writeChildBlocks(sb, n, src, "\n")
	}
}

func writeChildBlocks(sb *strings.Builder, n ast.Node, src []byte, sep string) {
	first := true
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		var child strings.Builder
		writeBlock(&child, c, src)
		t := strings.TrimSpace(child.String())
		if t == "" {
			continue
		}
		if !first {
			sb.WriteString(sep)
		}
		sb.WriteString(t)
		first = false
	}
}

func writeLines(sb *strings.Builder, n ast.Node, src []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		sb.Write(line.Value(src))
	}
}

func writeInlines(sb *strings.Builder, n ast.Node, src []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.HardLineBreak() {
				sb.WriteByte('\n')
			} else if node.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.AutoLink:
			sb.Write(node.Label(src))
		case *ast.RawHTML:
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				sb.Write(seg.Value(src))
			}
		default:
			writeInlines(sb, c, src)
		}
	}
}

// inlineText renders heading-like inline content.
func inlineText(n ast.Node, src []byte) string {
	var sb strings.Builder
	writeInlines(&sb, n, src)
	return strings.TrimSpace(html.UnescapeString(sb.String()))
}

// renderTable flattens a pipe table: one line per row, cells joined by " | ".
func renderTable(t *extast.Table, src []byte) string {
	var rows []string
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		var cells []string
		for c := r.FirstChild(); c != nil; c = c.NextSibling() {
			cells = append(cells, inlineText(c, src))
		}
		rows = append(rows, strings.Join(cells, " | "))
	}
	return html.UnescapeString(strings.Join(rows, "\n"))
}
