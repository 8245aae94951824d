package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/docchat/internal/doctree"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/retrieval"
	"github.com/dgallion1/docchat/internal/tokenizer"
)

// Completer produces a model reply.
type Completer interface {
	Complete(ctx context.Context, system string, messages []llm.Message, maxTokens int) (string, error)
}

type Config struct {
	TopK          int
	ContextTokens int // Model context window.
	AnswerTokens  int // Reserved for the reply.
}

func DefaultConfig() Config {
	return Config{TopK: 8, ContextTokens: 8192, AnswerTokens: 1024}
}

// Answer is a model reply and the context it was given.
type Answer struct {
	Text     string                         `json:"answer"`
	Sections []doctree.ReconstructedSection `json:"sections"`
	History  int                            `json:"history_turns"`
}

// Agent answers questions about one document collection at a time.
type Agent struct {
	retriever *retrieval.Reconstructor
	llm       Completer
	counter   tokenizer.Counter
	cfg       Config
	log       *slog.Logger
}

func NewAgent(r *retrieval.Reconstructor, completer Completer, counter tokenizer.Counter, cfg Config, log *slog.Logger) *Agent {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{retriever: r, llm: completer, counter: counter, cfg: cfg, log: log}
}

// Context returns the reconstructed sections a question would be answered
// from, with no conversation history.
func (a *Agent) Context(ctx context.Context, docID, question string) ([]doctree.ReconstructedSection, error) {
	b, err := PlanBudget(a.counter, a.cfg.ContextTokens, a.cfg.AnswerTokens, llm.AnswerSystemPrompt, question, nil)
	if err != nil {
		return nil, err
	}
	return a.sections(ctx, docID, question, b.LeftTotalTokens)
}

// Answer retrieves context for question from the document's collection and
// asks the model. history is oldest first.
func (a *Agent) Answer(ctx context.Context, docID, question string, history []llm.Message) (*Answer, error) {
	if a.llm == nil {
		return nil, fmt.Errorf("chat: no completer configured")
	}
	b, err := PlanBudget(a.counter, a.cfg.ContextTokens, a.cfg.AnswerTokens, llm.AnswerSystemPrompt, question, history)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sections, err := a.sections(ctx, docID, question, b.LeftTotalTokens)
	if err != nil {
		return nil, err
	}

	messages := append(b.History, llm.Message{Role: "user", Content: llm.BuildAnswerPrompt(sections, question)})
	text, err := a.llm.Complete(ctx, llm.AnswerSystemPrompt, messages, a.cfg.AnswerTokens)
	if err != nil {
		return nil, fmt.Errorf("complete answer: %w", err)
	}

	a.log.Info("question answered",
		"doc_id", docID,
		"sections", len(sections),
		"history_turns", len(b.History),
		"context_tokens_left", b.LeftTotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Answer{Text: text, Sections: sections, History: len(b.History)}, nil
}

func (a *Agent) sections(ctx context.Context, docID, question string, left int) ([]doctree.ReconstructedSection, error) {
	hits, err := a.retriever.Retrieve(ctx, docID, question, a.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	sections, err := a.retriever.Reconstruct(ctx, docID, hits, left)
	if err != nil {
		return nil, fmt.Errorf("reconstruct: %w", err)
	}
	return sections, nil
}
