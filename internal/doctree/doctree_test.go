package doctree

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSplitPlaceholders_KeepsDelimiters(t *testing.T) {
	content := "Before.\n\n" + TablePlaceholder(0) + "\n\nAfter." + TablePlaceholder(1)
	got := SplitPlaceholders(content)
	want := []string{"Before.\n\n", "%%TABLE:0%%", "\n\nAfter.", "%%TABLE:1%%"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestParsePlaceholder(t *testing.T) {
	if i, ok := ParsePlaceholder("%%TABLE:12%%"); !ok || i != 12 {
		t.Errorf("expected 12, got %d (ok=%v)", i, ok)
	}
	for _, s := range []string{"TABLE:1", "x%%TABLE:1%%", "%%TABLE:a%%", ""} {
		if _, ok := ParsePlaceholder(s); ok {
			t.Errorf("expected %q not to parse as placeholder", s)
		}
	}
}

func TestDecodeChunk_SectionRoundTripThroughJSON(t *testing.T) {
	orig := SectionChunk{
		TextChunk:         TextChunk{PageContent: "hello", TotalOrder: 7, Tokens: 2, CharCount: 5},
		HeaderRoute:       "Ch1>Sec1.2",
		HeaderRouteLevels: "1>2",
		Order:             3,
		Table:             true,
		TableIndex:        1,
		SectionID:         "abc",
		Separator:         "\n",
	}

	raw, err := json.Marshal(orig.Metadata())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := DecodeSectionChunk("hello", meta)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != orig {
		t.Errorf("expected %+v, got %+v", orig, got)
	}
}

func TestDecodeChunk_TextVariant(t *testing.T) {
	c, err := DecodeChunk("x", map[string]any{MetaTotalOrder: 4.0, MetaTokens: 1})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tc, ok := c.(TextChunk)
	if !ok {
		t.Fatalf("expected TextChunk, got %T", c)
	}
	if tc.TotalOrder != 4 || tc.Tokens != 1 {
		t.Errorf("unexpected chunk %+v", tc)
	}
	if _, err := DecodeSectionChunk("x", map[string]any{MetaTotalOrder: 1}); err == nil {
		t.Error("expected error decoding text metadata as section chunk")
	}
}

func TestDecodeChunk_RejectsBadMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
	}{
		{"missing totalOrder", map[string]any{}},
		{"fractional totalOrder", map[string]any{MetaTotalOrder: 1.5}},
		{"missing order", map[string]any{MetaTotalOrder: 1, MetaHeaderRouteLevels: "1"}},
		{"wrong levels type", map[string]any{MetaTotalOrder: 1, MetaOrder: 1, MetaHeaderRouteLevels: 3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeChunk("x", tc.meta); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := &SectionNode{
		ID:     "1",
		Tables: map[int]string{0: "a | b"},
		Subsections: []*SectionNode{
			{ID: "2", Content: "child"},
		},
	}
	cp := orig.Clone()
	cp.Tables[0] = "changed"
	cp.Subsections[0].Content = "changed"

	if orig.Tables[0] != "a | b" {
		t.Error("clone shares tables map with original")
	}
	if orig.Subsections[0].Content != "child" {
		t.Error("clone shares subsections with original")
	}
}

func TestWalk_PreOrder(t *testing.T) {
	forest := []*SectionNode{
		{ID: "a", Subsections: []*SectionNode{{ID: "a1"}, {ID: "a2"}}},
		{ID: "b"},
	}
	var ids []string
	Walk(forest, func(n *SectionNode) bool {
		ids = append(ids, n.ID)
		return true
	})
	want := []string{"a", "a1", "a2", "b"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestAssembleContent_CollapsesTableRuns(t *testing.T) {
	chunks := []SectionChunk{
		{TextChunk: TextChunk{PageContent: "after"}, Order: 5},
		{TextChunk: TextChunk{PageContent: "row 2"}, Order: 3, Table: true},
		{TextChunk: TextChunk{PageContent: "before"}, Order: 1},
		{TextChunk: TextChunk{PageContent: "row 1"}, Order: 2, Table: true},
		{TextChunk: TextChunk{PageContent: "other"}, Order: 4, Table: true, TableIndex: 1},
	}
	got := AssembleContent(chunks)
	want := "before\n\n%%TABLE:0%%\n\n%%TABLE:1%%\n\nafter"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAssembleContent_UsesRecordedSeparators(t *testing.T) {
	chunks := []SectionChunk{
		{TextChunk: TextChunk{PageContent: "One two."}, Order: 1, Separator: " "},
		{TextChunk: TextChunk{PageContent: "Three four."}, Order: 2, Separator: " "},
		{TextChunk: TextChunk{PageContent: "Five six."}, Order: 3, Separator: "\n\n"},
		{TextChunk: TextChunk{PageContent: "a |"}, Order: 4, Table: true, Separator: "\n"},
		{TextChunk: TextChunk{PageContent: "b |"}, Order: 5, Table: true, Separator: "\n"},
		{TextChunk: TextChunk{PageContent: "c |"}, Order: 6, Table: true, TableIndex: 1},
	}
	got := AssembleContent(chunks)
	want := "One two. Three four. Five six.\n\n%%TABLE:0%%\n%%TABLE:1%%"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestAssembleContent_Empty(t *testing.T) {
	if got := AssembleContent(nil); got != "" {
		t.Errorf("expected empty content, got %q", got)
	}
}
