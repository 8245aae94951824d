package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendQdrant = "qdrant"
	BackendBleve  = "bleve"
)

type StoreConfig struct {
	Backend string        `mapstructure:"backend"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type EmbedConfig struct {
	URL       string `mapstructure:"url"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
}

type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type ChunkConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

type ReconcileConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	BatchSize            int     `mapstructure:"batch_size"`
	ProximityWindow      int     `mapstructure:"proximity_window"`
	LevenshteinThreshold float64 `mapstructure:"levenshtein_threshold"`
	SimilarityThreshold  float64 `mapstructure:"similarity_threshold"`
	MaxCandidates        int     `mapstructure:"max_candidates"`
	MaxParallel          int     `mapstructure:"max_parallel"`
}

type RetrievalConfig struct {
	TopK             int `mapstructure:"top_k"`
	MaxSectionTokens int `mapstructure:"max_section_tokens"`
	ContextTokens    int `mapstructure:"context_tokens"`
	AnswerTokens     int `mapstructure:"answer_tokens"`
}

type WorkerConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

type Config struct {
	Port     int    `mapstructure:"port"`
	APIKey   string `mapstructure:"api_key"` // Bearer token for the HTTP API; empty disables auth.
	LogLevel string `mapstructure:"log_level"`

	Store     StoreConfig     `mapstructure:"store"`
	Embed     EmbedConfig     `mapstructure:"embed"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chunk     ChunkConfig     `mapstructure:"chunk"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Workers   WorkerConfig    `mapstructure:"workers"`

	TokenizerEncoding    string        `mapstructure:"tokenizer_encoding"`
	MaxUploadBytes       int64         `mapstructure:"max_upload_bytes"`
	JobTTL               time.Duration `mapstructure:"job_ttl"`
	PDFFallbackPdftotext bool          `mapstructure:"pdf_fallback_pdftotext"`
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"port":              "port",
	"api-key":           "api_key",
	"log-level":         "log_level",
	"store-backend":     "store.backend",
	"store-url":         "store.url",
	"store-timeout":     "store.timeout",
	"embed-url":         "embed.url",
	"embed-model":       "embed.model",
	"llm-model":         "llm.model",
	"chunk-size":        "chunk.size",
	"chunk-overlap":     "chunk.overlap",
	"reconcile":         "reconcile.enabled",
	"workers":           "workers.count",
	"tokenizer":         "tokenizer_encoding",
	"pdftotext":         "pdf_fallback_pdftotext",
	"context-tokens":    "retrieval.context_tokens",
	"top-k":             "retrieval.top_k",
	"max-upload-bytes":  "max_upload_bytes",
	"reconcile-batch":   "reconcile.batch_size",
	"reconcile-workers": "reconcile.max_parallel",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8090)
	v.SetDefault("api_key", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("store.backend", BackendBleve)
	v.SetDefault("store.url", "http://localhost:6333")
	v.SetDefault("store.timeout", 10*time.Second)

	v.SetDefault("embed.url", "http://localhost:11434")
	v.SetDefault("embed.model", "nomic-embed-text")
	v.SetDefault("embed.dimension", 768)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.base_url", "")

	v.SetDefault("chunk.size", 500)
	v.SetDefault("chunk.overlap", 0)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.batch_size", 50)
	v.SetDefault("reconcile.proximity_window", 20)
	v.SetDefault("reconcile.levenshtein_threshold", 0.5)
	v.SetDefault("reconcile.similarity_threshold", 0.8)
	v.SetDefault("reconcile.max_candidates", 3)
	v.SetDefault("reconcile.max_parallel", 4)

	v.SetDefault("retrieval.top_k", 8)
	v.SetDefault("retrieval.max_section_tokens", 1024)
	v.SetDefault("retrieval.context_tokens", 8192)
	v.SetDefault("retrieval.answer_tokens", 1024)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_size", 100)

	v.SetDefault("tokenizer_encoding", "cl100k_base")
	v.SetDefault("max_upload_bytes", int64(52428800)) // 50MB
	v.SetDefault("job_ttl", time.Hour)
	v.SetDefault("pdf_fallback_pdftotext", true)
}

// RegisterFlags adds the command-line overrides understood by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("port", 0, "HTTP listen port")
	flags.String("api-key", "", "Bearer token required by the HTTP API")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.String("store-backend", "", "Vector store backend: qdrant or bleve")
	flags.String("store-url", "", "Qdrant base URL")
	flags.Duration("store-timeout", 0, "Timeout for one vector store call")
	flags.String("embed-url", "", "Embedding service base URL")
	flags.String("embed-model", "", "Embedding model name")
	flags.String("llm-model", "", "Anthropic model for correction and answers")
	flags.Int("chunk-size", 0, "Chunk size in tokens")
	flags.Int("chunk-overlap", 0, "Chunk overlap in tokens")
	flags.Bool("reconcile", true, "Reconcile section chunks against layout text")
	flags.Int("workers", 0, "Ingestion worker count")
	flags.String("tokenizer", "", "Tokenizer encoding")
	flags.Bool("pdftotext", true, "Fall back to pdftotext for layout text")
	flags.Int("context-tokens", 0, "Model context window in tokens")
	flags.Int("top-k", 0, "Chunks retrieved per question")
	flags.Int64("max-upload-bytes", 0, "Maximum upload size")
	flags.Int("reconcile-batch", 0, "Chunks per reconciliation batch")
	flags.Int("reconcile-workers", 0, "Reconciliation batches run in parallel")
}

// Load resolves configuration.
// Priority: CLI flags > environment (DOCCHAT_*) > .env file > defaults.
// flags may be nil.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "DOCCHAT_LLM_API_KEY", "ANTHROPIC_API_KEY")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // .env is optional

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendQdrant:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the qdrant backend"))
		}
		if c.Embed.URL == "" || c.Embed.Model == "" {
			errs = append(errs, errors.New("embed.url and embed.model are required for the qdrant backend"))
		}
	case BackendBleve:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendQdrant, BackendBleve, c.Store.Backend))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Chunk.Size <= 0 {
		errs = append(errs, fmt.Errorf("chunk.size must be positive, got %d", c.Chunk.Size))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		errs = append(errs, fmt.Errorf("chunk.overlap must be in [0, chunk.size), got %d", c.Chunk.Overlap))
	}
	if c.Reconcile.BatchSize <= 0 || c.Reconcile.MaxParallel <= 0 || c.Reconcile.MaxCandidates <= 0 {
		errs = append(errs, errors.New("reconcile batch_size, max_parallel and max_candidates must be positive"))
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.MaxSectionTokens <= 0 {
		errs = append(errs, errors.New("retrieval top_k and max_section_tokens must be positive"))
	}
	if c.Retrieval.AnswerTokens <= 0 || c.Retrieval.ContextTokens <= c.Retrieval.AnswerTokens {
		errs = append(errs, fmt.Errorf("retrieval.context_tokens (%d) must exceed answer_tokens (%d)", c.Retrieval.ContextTokens, c.Retrieval.AnswerTokens))
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		errs = append(errs, errors.New("workers count and queue_size must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.JobTTL <= 0 {
		errs = append(errs, errors.New("job_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// RequireLLM fails when no Anthropic API key is configured.
func (c Config) RequireLLM() error {
	if c.LLM.APIKey == "" {
		return errors.New("llm.api_key (DOCCHAT_LLM_API_KEY or ANTHROPIC_API_KEY) is required")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// LogValue masks secrets when the config is logged.
func (c Config) LogValue() slog.Value {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("api_key", mask(c.APIKey)),
		slog.String("store_backend", c.Store.Backend),
		slog.String("store_url", c.Store.URL),
		slog.String("embed_model", c.Embed.Model),
		slog.String("llm_model", c.LLM.Model),
		slog.String("llm_api_key", mask(c.LLM.APIKey)),
		slog.Int("chunk_size", c.Chunk.Size),
		slog.Bool("reconcile", c.Reconcile.Enabled),
		slog.Int("workers", c.Workers.Count),
	)
}
