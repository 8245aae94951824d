package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/docchat/internal/chat"
	"github.com/dgallion1/docchat/internal/chunker"
	"github.com/dgallion1/docchat/internal/config"
	"github.com/dgallion1/docchat/internal/embed"
	"github.com/dgallion1/docchat/internal/llm"
	"github.com/dgallion1/docchat/internal/parser"
	"github.com/dgallion1/docchat/internal/pipeline"
	"github.com/dgallion1/docchat/internal/reconcile"
	"github.com/dgallion1/docchat/internal/retrieval"
	"github.com/dgallion1/docchat/internal/tokenizer"
	"github.com/dgallion1/docchat/internal/vectorstore"
)

// app holds the components shared by serve and reconcile.
type app struct {
	cfg     config.Config
	log     *slog.Logger
	counter tokenizer.Counter
	chunker *chunker.Chunker
	stores  *vectorstore.Cache
	store   vectorstore.Store
	stats   *llm.LLMStats
	claude  *llm.ClaudeClient
	worker  *pipeline.Worker
	agent   *chat.Agent
}

func newApp(cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	counter, err := tokenizer.New(cfg.TokenizerEncoding)
	if err != nil {
		return nil, err
	}
	a.counter = counter

	a.chunker, err = chunker.New(chunker.Config{ChunkSize: cfg.Chunk.Size, ChunkOverlap: cfg.Chunk.Overlap}, counter)
	if err != nil {
		return nil, err
	}

	var embedder embed.Embedder
	if cfg.Embed.URL != "" {
		embedder = embed.NewCache(embed.NewHTTPEmbedder(cfg.Embed.Model, cfg.Embed.Dimension, cfg.Embed.URL))
	}

	a.stores = vectorstore.NewCache(vectorstore.BackendOpener(embedder, log))
	params := vectorstore.Params{Backend: cfg.Store.Backend, Timeout: cfg.Store.Timeout}
	if cfg.Store.Backend == config.BackendQdrant {
		params.URL = cfg.Store.URL
	}
	a.store, err = a.stores.Get(params)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	var (
		completer chat.Completer
		corrector reconcile.Corrector
	)
	if cfg.LLM.APIKey != "" {
		a.stats = llm.NewLLMStats(time.Hour)
		opts := []llm.Option{llm.WithStats(a.stats)}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		a.claude = llm.NewClaudeClient(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
		completer = a.claude
		corrector = &pipeline.RetryingCorrector{Next: a.claude, Log: log}
	}

	var (
		engine *reconcile.Engine
		layout pipeline.LayoutSource
	)
	if cfg.Reconcile.Enabled {
		opts := reconcile.MatchOptions{
			ProximityWindow:      cfg.Reconcile.ProximityWindow,
			LevenshteinThreshold: cfg.Reconcile.LevenshteinThreshold,
			SimilarityThreshold:  cfg.Reconcile.SimilarityThreshold,
			MaxCandidates:        cfg.Reconcile.MaxCandidates,
		}
		engine = reconcile.NewEngine(
			reconcile.Config{BatchSize: cfg.Reconcile.BatchSize, MaxParallel: cfg.Reconcile.MaxParallel, Match: opts},
			reconcile.NewMatcher(opts, embedder),
			corrector, counter, log,
		)
		layout = &parser.LayoutExtractor{FallbackPdftotext: cfg.PDFFallbackPdftotext}
	}
	a.worker = pipeline.NewWorker(a.store, a.chunker, engine, layout, log)

	a.agent = chat.NewAgent(
		retrieval.NewReconstructor(a.store, cfg.Retrieval.MaxSectionTokens, log),
		completer, counter,
		chat.Config{TopK: cfg.Retrieval.TopK, ContextTokens: cfg.Retrieval.ContextTokens, AnswerTokens: cfg.Retrieval.AnswerTokens},
		log,
	)
	return a, nil
}

func (a *app) Close() {
	if a.claude != nil {
		a.claude.Close()
	}
	if err := a.stores.Close(); err != nil {
		a.log.Warn("close vector stores", "error", err)
	}
}
