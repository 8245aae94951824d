package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8090 {
		t.Errorf("expected default port 8090, got %d", cfg.Port)
	}
	if cfg.Store.Backend != BackendBleve {
		t.Errorf("expected default backend %q, got %q", BackendBleve, cfg.Store.Backend)
	}
	if cfg.Store.Timeout != 10*time.Second {
		t.Errorf("expected store timeout 10s, got %s", cfg.Store.Timeout)
	}
	if cfg.Chunk.Size != 500 || cfg.Chunk.Overlap != 0 {
		t.Errorf("unexpected chunk defaults %+v", cfg.Chunk)
	}
	if !cfg.Reconcile.Enabled || cfg.Reconcile.ProximityWindow != 20 || cfg.Reconcile.LevenshteinThreshold != 0.5 {
		t.Errorf("unexpected reconcile defaults %+v", cfg.Reconcile)
	}
	if cfg.JobTTL != time.Hour {
		t.Errorf("expected job ttl 1h, got %s", cfg.JobTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DOCCHAT_PORT", "9191")
	t.Setenv("DOCCHAT_STORE_BACKEND", "QDRANT")
	t.Setenv("DOCCHAT_STORE_TIMEOUT", "3s")
	t.Setenv("DOCCHAT_RECONCILE_SIMILARITY_THRESHOLD", "0.65")
	t.Setenv("DOCCHAT_JOB_TTL", "30m")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9191 {
		t.Errorf("expected port 9191, got %d", cfg.Port)
	}
	if cfg.Store.Backend != BackendQdrant {
		t.Errorf("expected backend %q, got %q", BackendQdrant, cfg.Store.Backend)
	}
	if cfg.Store.Timeout != 3*time.Second {
		t.Errorf("expected timeout 3s, got %s", cfg.Store.Timeout)
	}
	if cfg.Reconcile.SimilarityThreshold != 0.65 {
		t.Errorf("expected similarity threshold 0.65, got %v", cfg.Reconcile.SimilarityThreshold)
	}
	if cfg.JobTTL != 30*time.Minute {
		t.Errorf("expected job ttl 30m, got %s", cfg.JobTTL)
	}
}

func TestLoad_AnthropicKeyFallback(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("expected api key from ANTHROPIC_API_KEY, got %q", cfg.LLM.APIKey)
	}
	if err := cfg.RequireLLM(); err != nil {
		t.Errorf("expected RequireLLM to pass, got %v", err)
	}
}

func TestLoad_FlagsWinOverEnv(t *testing.T) {
	t.Setenv("DOCCHAT_CHUNK_SIZE", "300")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	if err := flags.Parse([]string{"--chunk-size", "700", "--reconcile=false"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chunk.Size != 700 {
		t.Errorf("expected flag chunk size 700, got %d", cfg.Chunk.Size)
	}
	if cfg.Reconcile.Enabled {
		t.Error("expected --reconcile=false to disable reconciliation")
	}
	if cfg.Port != 8090 {
		t.Errorf("expected unset flag to leave default port, got %d", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"qdrant without url", func(c *Config) { c.Store.Backend = BackendQdrant; c.Store.URL = "" }, "store.url"},
		{"zero chunk size", func(c *Config) { c.Chunk.Size = 0 }, "chunk.size"},
		{"overlap too large", func(c *Config) { c.Chunk.Overlap = c.Chunk.Size }, "chunk.overlap"},
		{"answer exceeds window", func(c *Config) { c.Retrieval.AnswerTokens = c.Retrieval.ContextTokens }, "context_tokens"},
		{"no workers", func(c *Config) { c.Workers.Count = 0 }, "workers"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRequireLLM_MissingKey(t *testing.T) {
	var cfg Config
	if err := cfg.RequireLLM(); err == nil {
		t.Error("expected error without api key")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{LogLevel: in}).SlogLevel(); got != want {
			t.Errorf("level %q: expected %v, got %v", in, want, got)
		}
	}
}

func TestLogValue_MasksSecrets(t *testing.T) {
	cfg := Config{APIKey: "secret", LLM: LLMConfig{APIKey: "sk-live"}}
	s := cfg.LogValue().String()
	if strings.Contains(s, "secret") || strings.Contains(s, "sk-live") {
		t.Errorf("expected secrets masked, got %s", s)
	}
}
