package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dgallion1/docchat/internal/chunker"
	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/parser"
	"github.com/dgallion1/docchat/internal/reconcile"
	"github.com/dgallion1/docchat/internal/vectorstore"
)

const defaultIndexBatch = 64

// LayoutSource extracts coordinate-ordered plain text from a source file.
type LayoutSource interface {
	Extract(ctx context.Context, r io.Reader) (string, error)
}

// Worker processes a single document job. It holds no per-job state and
// is shared by every pool goroutine.
type Worker struct {
	store   vectorstore.Store
	chunker *chunker.Chunker
	engine  *reconcile.Engine // nil disables reconciliation
	layout  LayoutSource
	jobs    *JobStore // for duplicate detection; may be nil
	log     *slog.Logger

	indexBatch int
}

func NewWorker(store vectorstore.Store, c *chunker.Chunker, engine *reconcile.Engine, layout LayoutSource, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:      store,
		chunker:    c,
		engine:     engine,
		layout:     layout,
		log:        log,
		indexBatch: defaultIndexBatch,
	}
}

// ReconcileOutcome is the result of reconciling one document.
type ReconcileOutcome struct {
	Results      []reconcile.Result    `json:"results"`
	Forest       []*doctree.SectionNode `json:"sections"`
	Chunks       []doctree.SectionChunk `json:"-"`
	LayoutChunks int                    `json:"layout_chunks"`
}

// Process runs the full ingest pipeline for a job.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "doc_id", job.DocID)
	defer job.releaseInput()

	// Phase 1: Extract markdown and layout text.
	job.SetStatus(StatusParsing, "parsing")
	md, layoutText, err := w.extract(ctx, job, log)
	if err != nil {
		log.Error("extraction failed", "error", err)
		job.AddError(fmt.Sprintf("parse: %s", err))
		job.SetStatus(StatusFailed, "parsing")
		return
	}

	hash := ContentHashHex(append(append([]byte{}, md...), layoutText...))
	job.SetContentHash(hash)
	if w.jobs != nil {
		if prev := w.jobs.CompletedWithHash(job.DocID, hash, job.ID); prev != nil {
			log.Info("duplicate document, skipping", "previous_job_id", prev.ID)
			job.SetStatus(StatusDupSkipped, "dedup")
			return
		}
	}

	// Phase 2: Section tree and chunks.
	job.SetStatus(StatusChunking, "chunking")
	builder := &parser.TreeBuilder{DocumentID: job.DocID, PreambleTitle: job.Title}
	forest := builder.Build(md)
	chunks, err := w.chunker.ChunkSections(forest)
	if err != nil {
		log.Error("chunking failed", "error", err)
		job.AddError(fmt.Sprintf("chunk: %s", err))
		job.SetStatus(StatusFailed, "chunking")
		return
	}
	job.SetTotalChunks(len(chunks))
	log.Info("chunked document", "sections", countSections(forest), "chunks", len(chunks))
	if len(chunks) == 0 {
		log.Warn("no chunks produced")
		job.AddError("no extractable content")
		job.SetStatus(StatusFailed, "chunking")
		return
	}

	// Phase 3: Reconcile against layout text, then re-chunk.
	if layoutText != "" && w.engine != nil {
		job.SetStatus(StatusReconciling, "reconciling")
		out, err := w.ReconcileDocument(ctx, forest, chunks, layoutText)
		if err != nil {
			log.Error("reconciliation failed", "error", err)
			job.AddError(fmt.Sprintf("reconcile: %s", err))
			job.SetStatus(StatusFailed, "reconciling")
			return
		}
		reconciled, changed := 0, 0
		for _, r := range out.Results {
			if r.Reconciled {
				reconciled++
			}
			if r.Changed() {
				changed++
			}
		}
		hist := map[string]int{}
		for s, n := range reconcile.Tally(out.Results) {
			hist[string(s)] = n
		}
		job.SetLayoutChunks(out.LayoutChunks)
		job.RecordReconciliation(hist, reconciled, changed)
		chunks = out.Chunks
		job.SetTotalChunks(len(chunks))
		log.Info("reconciliation complete", "reconciled", reconciled, "changed", changed, "strategies", hist)
	}

	// Phase 4: Replace the document's collection.
	job.SetStatus(StatusIndexing, "indexing")
	indexed, err := w.index(ctx, job.DocID, chunks)
	job.AddIndexed(indexed)
	if err != nil {
		log.Error("indexing failed", "indexed", indexed, "total", len(chunks), "error", err)
		job.AddError(fmt.Sprintf("index: %s", err))
		if indexed > 0 {
			job.SetStatus(StatusPartial, "done")
		} else {
			job.SetStatus(StatusFailed, "indexing")
		}
		return
	}

	log.Info("indexing complete", "indexed", indexed)
	job.SetStatus(StatusCompleted, "done")
}

// extract returns the document markdown and, for layout sources, the layout
// text. Layout extraction failures leave the layout text empty.
func (w *Worker) extract(ctx context.Context, job *Job, log *slog.Logger) ([]byte, string, error) {
	data := job.FileData()
	if !parser.IsLayoutSource(job.Filename) {
		ex, err := parser.ForFile(job.Filename)
		if err != nil {
			return nil, "", err
		}
		md, err := ex.Extract(bytes.NewReader(data), job.Filename)
		if err != nil {
			return nil, "", err
		}
		return []byte(md), "", nil
	}

	md := job.Markdown()
	if len(bytes.TrimSpace(md)) == 0 {
		return nil, "", fmt.Errorf("%s: %w", job.Filename, parser.ErrLayoutOnly)
	}
	if w.layout == nil || w.engine == nil {
		return md, "", nil
	}
	layoutText, err := w.layout.Extract(ctx, bytes.NewReader(data))
	if err != nil {
		log.Warn("layout extraction failed, indexing unreconciled", "error", err)
		job.AddError(fmt.Sprintf("layout: %s", err))
		return md, "", nil
	}
	return md, layoutText, nil
}

// ReconcileDocument corrects chunks against layoutText, merges the altered
// sections back into a copy of forest and re-chunks it.
func (w *Worker) ReconcileDocument(ctx context.Context, forest []*doctree.SectionNode, chunks []doctree.SectionChunk, layoutText string) (*ReconcileOutcome, error) {
	if w.engine == nil {
		return nil, fmt.Errorf("reconciliation is disabled")
	}
	layout, err := w.chunker.LayoutChunks(layoutText)
	if err != nil {
		return nil, fmt.Errorf("chunk layout text: %w", err)
	}
	results, err := w.engine.Reconcile(ctx, chunks, layout)
	if err != nil {
		return nil, err
	}

	merged := reconcile.ReconcileSections(forest, reconcile.ChangedSections(results))
	rechunked, err := w.chunker.ChunkSections(merged)
	if err != nil {
		return nil, fmt.Errorf("re-chunk: %w", err)
	}
	return &ReconcileOutcome{
		Results:      results,
		Forest:       merged,
		Chunks:       rechunked,
		LayoutChunks: len(layout),
	}, nil
}

// index drops the previous points of docID and upserts chunks in batches.
// It returns how many chunks were written.
func (w *Worker) index(ctx context.Context, docID string, chunks []doctree.SectionChunk) (int, error) {
	if err := w.store.DeleteCollection(ctx, docID); err != nil {
		return 0, fmt.Errorf("drop previous collection: %w", err)
	}
	indexed := 0
	for start := 0; start < len(chunks); start += w.indexBatch {
		end := min(start+w.indexBatch, len(chunks))
		docs := make([]vectorstore.Document, 0, end-start)
		for _, c := range chunks[start:end] {
			docs = append(docs, vectorstore.Document{
				ID:       ChunkID(c),
				Text:     c.PageContent,
				Metadata: c.Metadata(),
			})
		}
		if err := w.store.Upsert(ctx, docID, docs); err != nil {
			return indexed, err
		}
		indexed += len(docs)
	}
	return indexed, nil
}

// ChunkID is the stable store id of a chunk within its document.
func ChunkID(c doctree.SectionChunk) string {
	return fmt.Sprintf("%06d", c.TotalOrder)
}

func countSections(forest []*doctree.SectionNode) int {
	n := 0
	doctree.Walk(forest, func(*doctree.SectionNode) bool {
		n++
		return true
	})
	return n
}
