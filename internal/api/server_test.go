package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/docchat/internal/chat"
	"github.com/dgallion1/docchat/internal/chunker"
	"github.com/dgallion1/docchat/internal/config"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/pipeline"
	"github.com/dgallion1/docchat/internal/retrieval"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"github.com/dgallion1/docchat/internal/vectorstore"
)

var words = tokenizer.CounterFunc(func(s string) int { return len(strings.Fields(s)) })

const report = "# Finance\nRevenue grew to 12 million dollars.\n\n# People\nHeadcount doubled."

type stubCompleter struct {
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, _ string, messages []llm.Message, _ int) (string, error) {
	s.prompt = messages[len(messages)-1].Content
	return "Twelve million.", nil
}

type testEnv struct {
	srv       *Server
	orch      *pipeline.Orchestrator
	completer *stubCompleter
}

func newTestEnv(t *testing.T, mut func(*config.Config, *chat.Config)) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		MaxUploadBytes: 1 << 20,
		JobTTL:         time.Hour,
		Workers:        config.WorkerConfig{Count: 1, QueueSize: 10},
		LLM:            config.LLMConfig{Model: "test-model"},
	}
	chatCfg := chat.Config{TopK: 4, ContextTokens: 4096, AnswerTokens: 256}
	if mut != nil {
		mut(&cfg, &chatCfg)
	}

	store := vectorstore.NewBleve()
	t.Cleanup(func() { store.Close() })
	c, err := chunker.New(chunker.Config{ChunkSize: 50}, words)
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	orch := pipeline.NewOrchestrator(cfg, pipeline.NewWorker(store, c, nil, nil, log), log)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	completer := &stubCompleter{}
	agent := chat.NewAgent(retrieval.NewReconstructor(store, 1024, log), completer, words, chatCfg, log)
	return &testEnv{
		srv:       NewServer(orch, agent, llm.NewLLMStats(time.Hour), log, cfg),
		orch:      orch,
		completer: completer,
	}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// ingest uploads a document and waits for its job to finish.
func (e *testEnv) ingest(t *testing.T, docID string) {
	t.Helper()
	rec := e.do(t, uploadRequest(t, "report.md", report, map[string]string{"doc_id": docID, "title": "Report"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID   string `json:"job_id"`
		DocID   string `json:"doc_id"`
		PollURL string `json:"poll_url"`
	}
	decodeBody(t, rec, &resp)
	if resp.DocID != docID {
		t.Errorf("expected doc_id %q, got %q", docID, resp.DocID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := e.do(t, httptest.NewRequest(http.MethodGet, resp.PollURL, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("poll: expected 200, got %d", rec.Code)
		}
		var snap pipeline.JobSnapshot
		decodeBody(t, rec, &snap)
		switch snap.Status {
		case pipeline.StatusCompleted:
			if snap.Progress.ChunksIndexed != 2 {
				t.Errorf("expected 2 chunks indexed, got %d", snap.Progress.ChunksIndexed)
			}
			return
		case pipeline.StatusFailed, pipeline.StatusPartial:
			t.Fatalf("job ended %s: %v", snap.Status, snap.Progress.Errors)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not complete")
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestIngestAndQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest(t, "doc-1")

	rec := env.do(t, jsonRequest(http.MethodPost, "/api/documents/doc-1/query",
		`{"question":"What was the revenue?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer chat.Answer
	decodeBody(t, rec, &answer)
	if answer.Text != "Twelve million." {
		t.Errorf("unexpected answer %q", answer.Text)
	}
	if answer.History != 2 {
		t.Errorf("expected 2 history turns, got %d", answer.History)
	}
	if len(answer.Sections) == 0 || answer.Sections[0].HeaderRoute != "Finance" {
		t.Fatalf("expected the Finance section first, got %+v", answer.Sections)
	}
	if !strings.Contains(env.completer.prompt, "Revenue grew to 12 million dollars.") {
		t.Errorf("prompt missing section text: %q", env.completer.prompt)
	}
}

func TestContext(t *testing.T) {
	env := newTestEnv(t, nil)
	env.ingest(t, "doc-1")

	rec := env.do(t, jsonRequest(http.MethodPost, "/api/documents/doc-1/context", `{"question":"headcount"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		DocID    string `json:"doc_id"`
		Sections []struct {
			PageContent string `json:"pageContent"`
			HeaderRoute string `json:"headerRoute"`
		} `json:"sections"`
	}
	decodeBody(t, rec, &body)
	if len(body.Sections) != 1 || body.Sections[0].PageContent != "Headcount doubled." {
		t.Errorf("unexpected sections %+v", body.Sections)
	}
	if env.completer.prompt != "" {
		t.Error("context endpoint must not call the model")
	}
}

func TestQuery_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"unknown document", "/api/documents/missing/query", `{"question":"anything"}`, http.StatusNotFound},
		{"blank question", "/api/documents/doc-1/query", `{"question":"  "}`, http.StatusBadRequest},
		{"bad json", "/api/documents/doc-1/query", `{`, http.StatusBadRequest},
		{"bad role", "/api/documents/doc-1/query", `{"question":"q","history":[{"role":"system","content":"x"}]}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, jsonRequest(http.MethodPost, tc.path, tc.body))
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestQuery_PromptOverflow(t *testing.T) {
	env := newTestEnv(t, func(_ *config.Config, c *chat.Config) {
		c.ContextTokens = 5
		c.AnswerTokens = 4
	})
	rec := env.do(t, jsonRequest(http.MethodPost, "/api/documents/doc-1/query", `{"question":"a question that is far too long"}`))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestIngest_Rejections(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *chat.Config) { c.MaxUploadBytes = 64 })
	tests := []struct {
		name     string
		filename string
		content  string
		code     int
	}{
		{"unsupported", "image.png", "x", http.StatusBadRequest},
		{"pdf without markdown", "scan.pdf", "%PDF-1.4", http.StatusBadRequest},
		{"too large", "big.md", strings.Repeat("a", 65), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, uploadRequest(t, tc.filename, tc.content, nil))
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("plain")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-multipart body, got %d", rec.Code)
	}
}

func TestIngest_DefaultDocIDFromContent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, uploadRequest(t, "notes.txt", "some notes", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	want := pipeline.ContentHashHex([]byte("some notes"))[:16]
	if resp["doc_id"] != want {
		t.Errorf("expected doc_id %s, got %v", want, resp["doc_id"])
	}
}

func TestJobStatus_NotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config, _ *chat.Config) { c.APIKey = "secret" })

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health should be public, got %d", rec.Code)
	}

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if rec = env.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if rec = env.do(t, req); rec.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", rec.Code)
	}
}

func TestLLMStats(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["model"] != "test-model" {
		t.Errorf("unexpected model %v", body["model"])
	}

	env.srv.stats = nil
	if rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats/llm", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without stats, got %d", rec.Code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.md":            "report.md",
		"../../etc/passwd.txt": "passwd.txt",
		`C:\docs\file.pdf`:     "file.pdf",
		"":                     "unnamed",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
