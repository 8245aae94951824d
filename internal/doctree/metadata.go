package doctree

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Metadata keys persisted alongside chunk text in the vector store.
const (
	MetaTotalOrder        = "totalOrder"
	MetaTokens            = "tokens"
	MetaCharCount         = "charCount"
	MetaHeaderRoute       = "headerRoute"
	MetaHeaderRouteLevels = "headerRouteLevels"
	MetaOrder             = "order"
	MetaTable             = "table"
	MetaTableIndex        = "tableIndex"
	MetaSectionID         = "sectionId"
	MetaSeparator         = "separator"
)

var placeholderRe = regexp.MustCompile(`(%%TABLE:(\d+)%%)`)

// TablePlaceholder returns the reserved inline marker for table i.
func TablePlaceholder(i int) string {
	return fmt.Sprintf("%%%%TABLE:%d%%%%", i)
}

// SplitPlaceholders splits content into literal spans and placeholder tokens,
// keeping both in document order. Empty spans are dropped.
func SplitPlaceholders(content string) []string {
	var out []string
	pos := 0
	for _, m := range placeholderRe.FindAllStringIndex(content, -1) {
		if m[0] > pos {
			out = append(out, content[pos:m[0]])
		}
		out = append(out, content[m[0]:m[1]])
		pos = m[1]
	}
	if pos < len(content) {
		out = append(out, content[pos:])
	}
	return out
}

// ParsePlaceholder reports whether s is exactly a table placeholder and
// returns its index.
func ParsePlaceholder(s string) (int, bool) {
	m := placeholderRe.FindStringSubmatch(s)
	if m == nil || m[0] != s {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Chunk is either a TextChunk or a SectionChunk.
type Chunk interface {
	Base() TextChunk
	Metadata() map[string]any
}

func (c TextChunk) Base() TextChunk { return c }

func (c SectionChunk) Base() TextChunk { return c.TextChunk }

// Metadata returns the persisted metadata fields.
func (c TextChunk) Metadata() map[string]any {
	return map[string]any{
		MetaTotalOrder: c.TotalOrder,
		MetaTokens:     c.Tokens,
		MetaCharCount:  c.CharCount,
	}
}

// Metadata returns the persisted metadata fields.
func (c SectionChunk) Metadata() map[string]any {
	m := c.TextChunk.Metadata()
	m[MetaHeaderRoute] = c.HeaderRoute
	m[MetaHeaderRouteLevels] = c.HeaderRouteLevels
	m[MetaOrder] = c.Order
	m[MetaTable] = c.Table
	m[MetaTableIndex] = c.TableIndex
	m[MetaSectionID] = c.SectionID
	if c.Separator != "" {
		m[MetaSeparator] = c.Separator
	}
	return m
}

// DecodeChunk validates metadata read back from a store and returns the
// matching variant. Metadata carrying headerRouteLevels decodes as a
// SectionChunk, anything else as a TextChunk.
func DecodeChunk(text string, meta map[string]any) (Chunk, error) {
	base := TextChunk{PageContent: text}
	var err error
	if base.TotalOrder, err = intField(meta, MetaTotalOrder, true); err != nil {
		return nil, err
	}
	if base.Tokens, err = intField(meta, MetaTokens, false); err != nil {
		return nil, err
	}
	if base.CharCount, err = intField(meta, MetaCharCount, false); err != nil {
		return nil, err
	}
	if _, ok := meta[MetaHeaderRouteLevels]; !ok {
		return base, nil
	}

	sc := SectionChunk{TextChunk: base}
	if sc.HeaderRouteLevels, err = stringField(meta, MetaHeaderRouteLevels, true); err != nil {
		return nil, err
	}
	if sc.HeaderRoute, err = stringField(meta, MetaHeaderRoute, false); err != nil {
		return nil, err
	}
	if sc.SectionID, err = stringField(meta, MetaSectionID, false); err != nil {
		return nil, err
	}
	if sc.Separator, err = stringField(meta, MetaSeparator, false); err != nil {
		return nil, err
	}
	if sc.Order, err = intField(meta, MetaOrder, true); err != nil {
		return nil, err
	}
	if sc.TableIndex, err = intField(meta, MetaTableIndex, false); err != nil {
		return nil, err
	}
	switch v := meta[MetaTable].(type) {
	case nil:
	case bool:
		sc.Table = v
	case string:
		sc.Table = v == "true"
	default:
		return nil, fmt.Errorf("metadata %s: unexpected type %T", MetaTable, v)
	}
	return sc, nil
}

// DecodeSectionChunk decodes metadata that must describe a SectionChunk.
func DecodeSectionChunk(text string, meta map[string]any) (SectionChunk, error) {
	c, err := DecodeChunk(text, meta)
	if err != nil {
		return SectionChunk{}, err
	}
	sc, ok := c.(SectionChunk)
	if !ok {
		return SectionChunk{}, fmt.Errorf("metadata has no %s: not a section chunk", MetaHeaderRouteLevels)
	}
	return sc, nil
}

func intField(meta map[string]any, key string, required bool) (int, error) {
	v, ok := meta[key]
	if !ok || v == nil {
		if required {
			return 0, fmt.Errorf("metadata %s: missing", key)
		}
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("metadata %s: non-integer %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, fmt.Errorf("metadata %s: %w", key, err)
		}
		return i, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("metadata %s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("metadata %s: unexpected type %T", key, v)
	}
}

func stringField(meta map[string]any, key string, required bool) (string, error) {
	v, ok := meta[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("metadata %s: missing", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("metadata %s: unexpected type %T", key, v)
	}
	return s, nil
}
