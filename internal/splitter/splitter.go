// Package splitter cuts text at regular-expression separators, skipping
// separator matches shielded by exception patterns, and merges the pieces
// into size-bounded chunks.
package splitter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
)

// ErrNoSeparators is returned when a splitter is built without separators.
var ErrNoSeparators = errors.New("splitter: at least one separator required")

// DefaultSeparators break on paragraph gaps, line breaks and sentence ends.
var DefaultSeparators = []string{
	`\n{2,}`,
	`\n`,
	`(?<=[.!?])[ \t]+`,
}

// DefaultExceptions shield abbreviations and list markers from sentence
// splitting.
var DefaultExceptions = []string{
	`(?i)\b(?:e\.g|i\.e|etc|vs|cf|approx|fig|figs|no|nos|mr|mrs|ms|dr|st|inc|ltd|vol|pp|ca)\.[ \t]+`,
	`(?m)(?<=^|[ \t(])[a-zA-Z]\.[ \t]+`,
	`(?m)^[ \t]*\d+\.[ \t]+`,
}

const matchTimeout = 2 * time.Second

// Config controls splitting and merging.
type Config struct {
	Separators     []string // Patterns in .NET/regexp2 syntax; each carries its own inline flags.
	Exceptions     []string // Matches inside these intervals never split.
	KeepSeparators bool     // Append the separator text to the preceding piece.
	ChunkSize      int      // Maximum merged chunk length, measured by LengthFunc.
	ChunkOverlap   int      // Trailing length carried into the next chunk.
	LengthFunc     func(string) int
}

// DefaultConfig returns sentence-aware defaults measured in characters.
func DefaultConfig() Config {
	return Config{
		Separators:     DefaultSeparators,
		Exceptions:     DefaultExceptions,
		KeepSeparators: true,
		ChunkSize:      1000,
		ChunkOverlap:   0,
	}
}

// Splitter is a MultipleRegexTextSplitter. It is safe for concurrent use.
type Splitter struct {
	separators []*regexp2.Regexp
	exceptions []*regexp2.Regexp
	keep       bool
	chunkSize  int
	overlap    int
	length     func(string) int
}

// New compiles the configured patterns. Misconfiguration fails here rather
// than at split time.
func New(cfg Config) (*Splitter, error) {
	if len(cfg.Separators) == 0 {
		return nil, ErrNoSeparators
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("splitter: chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("splitter: chunk overlap %d must be in [0, %d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	s := &Splitter{
		keep:      cfg.KeepSeparators,
		chunkSize: cfg.ChunkSize,
		overlap:   cfg.ChunkOverlap,
		length:    cfg.LengthFunc,
	}
	if s.length == nil {
		s.length = runeLen
	}

	var err error
	if s.separators, err = compileAll(cfg.Separators, "separator"); err != nil {
		return nil, err
	}
	if s.exceptions, err = compileAll(cfg.Exceptions, "exception"); err != nil {
		return nil, err
	}
	return s, nil
}

func compileAll(patterns []string, kind string) ([]*regexp2.Regexp, error) {
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("splitter: empty %s pattern", kind)
		}
		re, err := regexp2.Compile(p, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("splitter: compile %s %q: %w", kind, p, err)
		}
		re.MatchTimeout = matchTimeout
		out = append(out, re)
	}
	return out, nil
}

// interval is a half-open rune range.
type interval struct{ start, end int }

// segment is one SplitText piece and its rune range in the input.
type segment struct {
	text       string
	start, end int
}

// SplitText cuts text at every separator match not shielded by an exception.
// With KeepSeparators the concatenation of the result equals text.
func (s *Splitter) SplitText(text string) ([]string, error) {
	segs, err := s.segments(text)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(segs))
	for i, sg := range segs {
		out[i] = sg.text
	}
	return out, nil
}

func (s *Splitter) segments(text string) ([]segment, error) {
	runes := []rune(text)
	whole := []segment{{text: text, start: 0, end: len(runes)}}
	if text == "" {
		return whole, nil
	}

	seps, err := findAll(s.separators, runes)
	if err != nil {
		return nil, err
	}
	excs, err := findAll(s.exceptions, runes)
	if err != nil {
		return nil, err
	}

	var cuts []interval
	for _, sep := range seps {
		if !shielded(sep, excs) {
			cuts = append(cuts, sep)
		}
	}
	cuts = mergeIntervals(cuts)

	var out []segment
	pos := 0
	for _, c := range cuts {
		end := c.start
		if s.keep {
			end = c.end
		}
		if end > pos {
			out = append(out, segment{text: string(runes[pos:end]), start: pos, end: end})
		}
		pos = c.end
	}
	if pos < len(runes) {
		out = append(out, segment{text: string(runes[pos:]), start: pos, end: len(runes)})
	}
	if len(out) == 0 {
		return whole, nil
	}
	return out, nil
}

// findAll returns every match of every pattern, sorted by start offset.
// Zero-length matches are recorded and the scan advances one rune.
func findAll(res []*regexp2.Regexp, runes []rune) ([]interval, error) {
	var out []interval
	for _, re := range res {
		pos := 0
		for pos <= len(runes) {
			m, err := re.FindRunesMatchStartingAt(runes, pos)
			if err != nil {
				return nil, fmt.Errorf("splitter: match %q: %w", re.String(), err)
			}
			if m == nil {
				break
			}
			iv := interval{start: m.Index, end: m.Index + m.Length}
			out = append(out, iv)
			if m.Length == 0 {
				pos = iv.end + 1
			} else {
				pos = iv.end
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].start == out[j].start {
			return out[i].end < out[j].end
		}
		return out[i].start < out[j].start
	})
	return out, nil
}

func shielded(sep interval, excs []interval) bool {
	for _, e := range excs {
		if e.start > sep.start {
			break
		}
		if sep.start >= e.start && sep.end <= e.end {
			return true
		}
	}
	return false
}

// mergeIntervals unions overlapping separator matches from different patterns.
func mergeIntervals(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}
	out := []interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if iv.start < last.end || (iv.start == last.end && iv.start == iv.end) {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Split cuts text and merges the pieces into chunks no longer than the
// configured chunk size. A single piece longer than the chunk size becomes
// its own chunk. Chunks are trimmed and empty chunks dropped.
func (s *Splitter) Split(text string) ([]string, error) {
	_, pieces, err := s.SplitPieces(text)
	if err != nil {
		return nil, err
	}
	if len(pieces) == 0 {
		return nil, nil
	}
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.Text
	}
	return out, nil
}

// Piece is one Split chunk with the input text that follows it, up to the
// next chunk or the end of the input. Sep is empty when the next chunk
// overlaps this one.
type Piece struct {
	Text string
	Sep  string
}

// SplitPieces is Split keeping the text the chunks were trimmed from. lead
// is the input before the first chunk, or all of it when no chunk is
// produced. Without overlap, lead followed by each Text and Sep in turn
// equals text.
func (s *Splitter) SplitPieces(text string) (lead string, pieces []Piece, err error) {
	segs, err := s.segments(text)
	if err != nil {
		return "", nil, err
	}
	chunks := s.merge(segs)
	if len(chunks) == 0 {
		return text, nil, nil
	}
	runes := []rune(text)
	pieces = make([]Piece, len(chunks))
	for i, c := range chunks {
		next := len(runes)
		if i+1 < len(chunks) {
			next = chunks[i+1].start
		}
		pieces[i].Text = c.text
		if next > c.end {
			pieces[i].Sep = string(runes[c.end:next])
		}
	}
	return string(runes[:chunks[0].start]), pieces, nil
}

func (s *Splitter) merge(segs []segment) []segment {
	var chunks []segment
	var window []segment
	total := 0

	emit := func() {
		var b strings.Builder
		for _, sg := range window {
			b.WriteString(sg.text)
		}
		joined := b.String()
		c := strings.TrimSpace(joined)
		if c == "" {
			return
		}
		lead := runeLen(joined) - runeLen(strings.TrimLeftFunc(joined, unicode.IsSpace))
		kept := lead + runeLen(c)
		chunks = append(chunks, segment{
			text:  c,
			start: rawOffset(window, lead, false),
			end:   rawOffset(window, kept, true),
		})
	}

	for _, sg := range segs {
		n := s.length(sg.text)
		if total+n > s.chunkSize && len(window) > 0 {
			emit()
			for len(window) > 0 && (total > s.overlap || (total+n > s.chunkSize && total > 0)) {
				total -= s.length(window[0].text)
				window = window[1:]
			}
		}
		window = append(window, sg)
		total += n
	}
	if len(window) > 0 {
		emit()
	}
	return chunks
}

// rawOffset maps rune offset k of the joined window back into the input.
// At a segment boundary the end of a chunk stays in the earlier segment and
// the start of a chunk moves to the later one.
func rawOffset(window []segment, k int, end bool) int {
	for _, sg := range window {
		n := sg.end - sg.start
		if k < n || (end && k == n) {
			return sg.start + k
		}
		k -= n
	}
	return window[len(window)-1].end
}

func runeLen(s string) int { return len([]rune(s)) }
