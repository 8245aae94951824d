package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"golang.org/x/sync/errgroup"
)

// Strategy records how a chunk was reconciled, or why it was not.
type Strategy string

const (
	StrategySameText        Strategy = "same-text"
	StrategyLLM             Strategy = "llm"
	StrategyIsTable         Strategy = "is-table"
	StrategyEmptySection    Strategy = "empty-section"
	StrategyEmptyCandidates Strategy = "empty-candidates"
	StrategyError           Strategy = "error"
)

var errNoCorrector = errors.New("no corrector configured")

// Corrector fixes original using reference as ground truth. sectionTitle is
// context only.
type Corrector interface {
	Correct(ctx context.Context, original, reference, sectionTitle string) (string, error)
}

// Result is the outcome for one section chunk. Chunk carries the corrected
// text when Reconciled, the original chunk otherwise.
type Result struct {
	Chunk      doctree.SectionChunk `json:"chunk"`
	Original   string               `json:"original"`
	Reconciled bool                 `json:"reconciled"`
	Strategy   Strategy             `json:"strategy"`
	Reason     string               `json:"reason,omitempty"`
	Candidate  *Candidate           `json:"candidate,omitempty"`
}

// Changed reports whether reconciliation altered the chunk text.
func (r Result) Changed() bool {
	return r.Reconciled && r.Chunk.PageContent != r.Original
}

// Config controls batching.
type Config struct {
	BatchSize   int // Chunks matched sequentially with reference carry-forward.
	MaxParallel int // Concurrent batches.
	Match       MatchOptions
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:   50,
		MaxParallel: 4,
		Match:       DefaultMatchOptions(),
	}
}

// Engine runs matching and the reconciliation decision over a document.
type Engine struct {
	cfg       Config
	matcher   *Matcher
	corrector Corrector
	counter   tokenizer.Counter
	log       *slog.Logger
}

// NewEngine wires an Engine. counter recomputes token counts of corrected
// chunks.
func NewEngine(cfg Config, matcher *Matcher, corrector Corrector, counter tokenizer.Counter, log *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, matcher: matcher, corrector: corrector, counter: counter, log: log}
}

// Reconcile returns one Result per chunk, in input order. Batches run
// concurrently; within a batch each match starts from the previous match's
// layout position. Only matching (embedding) failures are returned.
func (e *Engine) Reconcile(ctx context.Context, chunks []doctree.SectionChunk, layout []doctree.TextChunk) ([]Result, error) {
	results := make([]Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	for start := 0; start < len(chunks); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(chunks))
		g.Go(func() error {
			return e.runBatch(gctx, chunks[start:end], layout, results[start:end])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.log.Info("reconciliation complete", "chunks", len(chunks), "layout_chunks", len(layout), "strategies", Tally(results))
	return results, nil
}

func (e *Engine) runBatch(ctx context.Context, batch []doctree.SectionChunk, layout []doctree.TextChunk, out []Result) error {
	var prev *Candidate
	for i, chunk := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		ref := chunk.TotalOrder
		if prev != nil {
			ref = prev.Chunk.TotalOrder
		}

		var candidates []Candidate
		if !chunk.Table && strings.TrimSpace(chunk.PageContent) != "" {
			var err error
			candidates, err = e.matcher.Match(ctx, chunk, layout, ref)
			if err != nil {
				return err
			}
		}

		out[i] = e.Decide(ctx, chunk, candidates)
		prev = nil
		if len(candidates) > 0 {
			prev = &candidates[0]
		}
		e.log.Debug("chunk reconciled", "total_order", chunk.TotalOrder, "strategy", out[i].Strategy, "reason", out[i].Reason)
	}
	return nil
}

// Decide applies the reconciliation decision to one chunk and its ranked
// candidates. It never fails; failures are recorded on the Result.
func (e *Engine) Decide(ctx context.Context, chunk doctree.SectionChunk, candidates []Candidate) Result {
	res := Result{Chunk: chunk, Original: chunk.PageContent}

	switch {
	case chunk.Table:
		res.Strategy = StrategyIsTable
		return res
	case strings.TrimSpace(chunk.PageContent) == "":
		res.Strategy = StrategyEmptySection
		return res
	case len(candidates) == 0:
		res.Strategy = StrategyEmptyCandidates
		return res
	}

	top := candidates[0]
	res.Candidate = &top
	if top.Exact || strings.EqualFold(Normalize(chunk.PageContent), Normalize(top.Chunk.PageContent)) {
		res.Reconciled = true
		res.Strategy = StrategySameText
		return res
	}

	if e.corrector == nil {
		res.Strategy = StrategyError
		res.Reason = errNoCorrector.Error()
		return res
	}
	corrected, err := e.corrector.Correct(ctx, chunk.PageContent, top.Chunk.PageContent, chunk.HeaderRoute)
	if err != nil {
		res.Strategy = StrategyError
		res.Reason = err.Error()
		return res
	}
	corrected = strings.TrimSpace(corrected)
	if corrected == "" {
		res.Strategy = StrategyError
		res.Reason = "empty correction"
		return res
	}

	res.Reconciled = true
	res.Strategy = StrategyLLM
	res.Chunk.PageContent = corrected
	res.Chunk.CharCount = utf8.RuneCountInString(corrected)
	if e.counter != nil {
		res.Chunk.Tokens = e.counter.Count(corrected)
	}
	return res
}

// Tally counts results per strategy.
func Tally(results []Result) map[Strategy]int {
	out := map[Strategy]int{}
	for _, r := range results {
		out[r.Strategy]++
	}
	return out
}
