package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgallion1/docchat/internal/chunker"
	"github.com/dgallion1/docchat/internal/config"
	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/reconcile"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"github.com/dgallion1/docchat/internal/vectorstore"
)

var words = tokenizer.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticLayout struct {
	text string
	err  error
}

func (s staticLayout) Extract(context.Context, io.Reader) (string, error) { return s.text, s.err }

// referenceCorrector answers every correction with the reference text.
type referenceCorrector struct {
	mu    sync.Mutex
	calls int
}

func (c *referenceCorrector) Correct(_ context.Context, _, reference, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return reference, nil
}

func newTestWorker(t *testing.T, store vectorstore.Store, corrector reconcile.Corrector, layout LayoutSource) *Worker {
	t.Helper()
	c, err := chunker.New(chunker.Config{ChunkSize: 6}, words)
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	engine := reconcile.NewEngine(
		reconcile.Config{BatchSize: 10, MaxParallel: 2, Match: reconcile.DefaultMatchOptions()},
		reconcile.NewMatcher(reconcile.DefaultMatchOptions(), nil),
		corrector, words, quietLog(),
	)
	return NewWorker(store, c, engine, layout, quietLog())
}

func sectionText(t *testing.T, store vectorstore.Store, docID, levels string) string {
	t.Helper()
	hits, err := store.Get(context.Background(), docID, vectorstore.Filter{doctree.MetaHeaderRouteLevels: levels})
	if err != nil {
		t.Fatalf("get %s: %v", levels, err)
	}
	var parts []string
	for _, h := range hits {
		parts = append(parts, h.Text)
	}
	return strings.Join(parts, " ")
}

const companionMarkdown = "# Intro\nThe quick brown fox.\n\n# Facts\nRevenue was 12 milion dollars."

func TestWorker_ReconcilesLayoutSource(t *testing.T) {
	store := vectorstore.NewBleve()
	defer store.Close()
	corrector := &referenceCorrector{}
	w := newTestWorker(t, store, corrector, staticLayout{text: "The quick brown fox.\n\nRevenue was 12 million dollars."})

	job := NewJob("job-1", "doc-1", "report.pdf", "Report")
	job.SetFileData([]byte("%PDF-1.4"))
	job.SetMarkdown([]byte(companionMarkdown))
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q (errors %v)", snap.Status, snap.Progress.Errors)
	}
	if snap.Progress.LayoutChunks != 2 {
		t.Errorf("expected 2 layout chunks, got %d", snap.Progress.LayoutChunks)
	}
	if snap.Progress.Strategies["same-text"] != 1 || snap.Progress.Strategies["llm"] != 1 {
		t.Errorf("unexpected strategies %v", snap.Progress.Strategies)
	}
	if snap.Progress.ChunksChanged != 1 || snap.Progress.ChunksIndexed != 2 {
		t.Errorf("unexpected progress %+v", snap.Progress)
	}
	if corrector.calls != 1 {
		t.Errorf("expected one correction call, got %d", corrector.calls)
	}

	if got := sectionText(t, store, "doc-1", "2"); got != "Revenue was 12 million dollars." {
		t.Errorf("expected corrected section text, got %q", got)
	}
	if got := sectionText(t, store, "doc-1", "1"); got != "The quick brown fox." {
		t.Errorf("expected untouched section text, got %q", got)
	}
	if job.FileData() != nil {
		t.Error("expected upload bytes released after processing")
	}
}

func TestWorker_MarkdownSkipsReconciliation(t *testing.T) {
	store := vectorstore.NewBleve()
	defer store.Close()
	corrector := &referenceCorrector{}
	w := newTestWorker(t, store, corrector, staticLayout{text: "ignored"})

	job := NewJob("job-1", "doc-1", "notes.md", "")
	job.SetFileData([]byte(companionMarkdown))
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q (errors %v)", snap.Status, snap.Progress.Errors)
	}
	if corrector.calls != 0 || len(snap.Progress.Strategies) != 0 {
		t.Errorf("expected no reconciliation, got %d calls and %v", corrector.calls, snap.Progress.Strategies)
	}
	if got := sectionText(t, store, "doc-1", "2"); got != "Revenue was 12 milion dollars." {
		t.Errorf("expected original text, got %q", got)
	}
}

func TestWorker_LayoutSourceRequiresMarkdown(t *testing.T) {
	w := newTestWorker(t, vectorstore.NewBleve(), &referenceCorrector{}, staticLayout{})
	job := NewJob("job-1", "doc-1", "scan.pdf", "")
	job.SetFileData([]byte("%PDF-1.4"))
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "parsing" {
		t.Fatalf("expected failure while parsing, got %q/%q", snap.Status, snap.Phase)
	}
	if len(snap.Progress.Errors) != 1 || !strings.Contains(snap.Progress.Errors[0], "markdown required") {
		t.Errorf("unexpected errors %v", snap.Progress.Errors)
	}
}

func TestWorker_LayoutFailureIndexesUnreconciled(t *testing.T) {
	store := vectorstore.NewBleve()
	defer store.Close()
	w := newTestWorker(t, store, &referenceCorrector{}, staticLayout{err: errors.New("no text layer")})

	job := NewJob("job-1", "doc-1", "report.pdf", "")
	job.SetMarkdown([]byte(companionMarkdown))
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q", snap.Status)
	}
	if len(snap.Progress.Errors) != 1 || !strings.HasPrefix(snap.Progress.Errors[0], "layout:") {
		t.Errorf("expected recorded layout error, got %v", snap.Progress.Errors)
	}
}

func TestWorker_ReplacesPreviousIndexAndSkipsDuplicates(t *testing.T) {
	store := vectorstore.NewBleve()
	defer store.Close()
	w := newTestWorker(t, store, nil, nil)
	w.jobs = NewJobStore(time.Hour)

	first := NewJob("job-1", "doc-1", "a.md", "")
	first.SetFileData([]byte("# A\nfirst version"))
	w.jobs.Put(first)
	w.Process(context.Background(), first)

	second := NewJob("job-2", "doc-1", "a.md", "")
	second.SetFileData([]byte("# A\nsecond version"))
	w.jobs.Put(second)
	w.Process(context.Background(), second)
	if got := sectionText(t, store, "doc-1", "1"); got != "second version" {
		t.Errorf("expected previous points replaced, got %q", got)
	}

	dup := NewJob("job-3", "doc-1", "a.md", "")
	dup.SetFileData([]byte("# A\nsecond version"))
	w.jobs.Put(dup)
	w.Process(context.Background(), dup)
	if st := dup.Snapshot().Status; st != StatusDupSkipped {
		t.Errorf("expected duplicate to be skipped, got %q", st)
	}
}

// flakyStore fails every Upsert after the first okUpserts.
type flakyStore struct {
	vectorstore.Store
	okUpserts int
	upserts   int
}

func (f *flakyStore) Upsert(ctx context.Context, collection string, docs []vectorstore.Document) error {
	f.upserts++
	if f.upserts > f.okUpserts {
		return &vectorstore.Error{Kind: vectorstore.KindConnectionRefused, Op: "upsert", Collection: collection}
	}
	return f.Store.Upsert(ctx, collection, docs)
}

func TestWorker_IndexFailures(t *testing.T) {
	tests := []struct {
		name      string
		okUpserts int
		want      JobStatus
	}{
		{"nothing indexed", 0, StatusFailed},
		{"some batches indexed", 1, StatusPartial},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inner := vectorstore.NewBleve()
			defer inner.Close()
			store := &flakyStore{Store: inner, okUpserts: tc.okUpserts}
			w := newTestWorker(t, store, nil, nil)
			w.indexBatch = 1

			job := NewJob("job-1", "doc-1", "a.md", "")
			job.SetFileData([]byte(companionMarkdown))
			w.Process(context.Background(), job)

			snap := job.Snapshot()
			if snap.Status != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, snap.Status)
			}
			if snap.Progress.ChunksIndexed != tc.okUpserts {
				t.Errorf("expected %d indexed, got %d", tc.okUpserts, snap.Progress.ChunksIndexed)
			}
		})
	}
}

type scriptedCorrector struct {
	errs  []error
	calls int
}

func (s *scriptedCorrector) Correct(context.Context, string, string, string) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	return "fixed", nil
}

func TestRetryingCorrector(t *testing.T) {
	noWait := func(int) time.Duration { return 0 }

	flaky := &scriptedCorrector{errs: []error{&llm.RetryableError{StatusCode: 429}, &llm.RetryableError{StatusCode: 503}}}
	rc := &RetryingCorrector{Next: flaky, Backoff: noWait, Log: quietLog()}
	out, err := rc.Correct(context.Background(), "a", "b", "s")
	if err != nil || out != "fixed" {
		t.Fatalf("expected success after retries, got %q, %v", out, err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls, got %d", flaky.calls)
	}

	fatal := &scriptedCorrector{errs: []error{errors.New("bad request")}}
	rc = &RetryingCorrector{Next: fatal, Backoff: noWait}
	if _, err := rc.Correct(context.Background(), "a", "b", "s"); err == nil {
		t.Error("expected non-retryable error to be returned")
	}
	if fatal.calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", fatal.calls)
	}

	always := &scriptedCorrector{errs: []error{&llm.RetryableError{}, &llm.RetryableError{}, &llm.RetryableError{}, &llm.RetryableError{}}}
	rc = &RetryingCorrector{Next: always, Backoff: noWait}
	_, err = rc.Correct(context.Background(), "a", "b", "s")
	if !IsRetryable(err) {
		t.Errorf("expected retryable error after exhausting retries, got %v", err)
	}
	if always.calls != MaxRetries {
		t.Errorf("expected %d calls, got %d", MaxRetries, always.calls)
	}
}

func TestBackoff_Bounds(t *testing.T) {
	for attempt := range 8 {
		d := Backoff(attempt)
		base := time.Duration(1<<uint(attempt)) * time.Second
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		if d < base || d >= base+base/2 {
			t.Errorf("attempt %d: backoff %s outside [%s, %s)", attempt, d, base, base+base/2)
		}
	}
}

func testConfig(count, queue int) config.Config {
	return config.Config{
		JobTTL:  time.Hour,
		Workers: config.WorkerConfig{Count: count, QueueSize: queue},
	}
}

func TestOrchestrator_ProcessesSubmittedJobs(t *testing.T) {
	store := vectorstore.NewBleve()
	defer store.Close()
	o := NewOrchestrator(testConfig(2, 4), newTestWorker(t, store, nil, nil), quietLog())
	o.Start(context.Background())
	defer o.Stop()

	job := NewJob("job-1", "doc-1", "a.md", "")
	job.SetFileData([]byte(companionMarkdown))
	if err := o.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.GetJob("job-1") != job {
		t.Fatal("expected submitted job to be tracked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for job.Snapshot().Status != StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, status %q", job.Snapshot().Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOrchestrator_QueueFull(t *testing.T) {
	o := NewOrchestrator(testConfig(1, 1), newTestWorker(t, vectorstore.NewBleve(), nil, nil), quietLog())
	defer o.Stop()

	if err := o.Submit(NewJob("a", "doc-a", "a.md", "")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second := NewJob("b", "doc-b", "b.md", "")
	if err := o.Submit(second); err == nil {
		t.Fatal("expected queue full error")
	}
	if second.Snapshot().Status != StatusFailed {
		t.Errorf("expected rejected job to be failed, got %q", second.Snapshot().Status)
	}
	if o.QueueDepth() != 1 {
		t.Errorf("expected queue depth 1, got %d", o.QueueDepth())
	}
}
