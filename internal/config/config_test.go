package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/rag-context-pipeline/internal/core/usecase"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG_FILE", "")
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("VECTOR_BACKEND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider != "ollama" || cfg.VectorBackend != "qdrant" {
		t.Fatalf("unexpected backends: %s/%s", cfg.Provider, cfg.VectorBackend)
	}
	if cfg.Cache.BaseTTL != 30*time.Minute || cfg.Cache.MaxEntries != 1000 {
		t.Fatalf("unexpected cache defaults: %+v", cfg.Cache)
	}
	if cfg.Resilience.MaxRetries != 3 || cfg.Resilience.BreakerFailureThreshold != 5 {
		t.Fatalf("unexpected resilience defaults: %+v", cfg.Resilience)
	}
	if cfg.Pipeline.FailurePolicy != usecase.PolicyGracefulDegradation {
		t.Fatalf("unexpected failure policy %q", cfg.Pipeline.FailurePolicy)
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	body := `
vector_backend: memory
vector_namespace: cv
cache:
  base_ttl: 10m
  max_entries: 50
resilience:
  max_retries: 5
pipeline:
  failure_policy: fail-fast
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG_FILE", path)
	t.Setenv("VECTOR_NAMESPACE", "portfolio-v2")
	t.Setenv("CACHE_BASE_TTL", "not-a-duration")
	t.Setenv("RESILIENCE_MAX_RETRIES", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VectorBackend != "memory" {
		t.Fatalf("expected file value, got %q", cfg.VectorBackend)
	}
	if cfg.VectorNamespace != "portfolio-v2" {
		t.Fatalf("expected env override, got %q", cfg.VectorNamespace)
	}
	if cfg.Cache.BaseTTL != 10*time.Minute {
		t.Fatalf("expected invalid env to keep file value, got %v", cfg.Cache.BaseTTL)
	}
	if cfg.Cache.TargetHitRate != 0.6 {
		t.Fatalf("expected untouched default, got %v", cfg.Cache.TargetHitRate)
	}
	if cfg.Resilience.MaxRetries != 5 || cfg.Pipeline.FailurePolicy != usecase.PolicyFailFast {
		t.Fatalf("unexpected nested values: %+v %+v", cfg.Resilience, cfg.Pipeline)
	}
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("cache: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Provider = "openai"
	cfg.VectorBackend = "pinecone"
	cfg.Pipeline.FailurePolicy = "panic"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"OPENAI_API_KEY", "pinecone", "panic"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestMustEnvParsers(t *testing.T) {
	t.Setenv("X_FLOAT", "0.25")
	t.Setenv("X_DURATION", "1500ms")
	t.Setenv("X_BOOL", "nope")

	if got := mustEnvFloat("X_FLOAT", 1); got != 0.25 {
		t.Fatalf("mustEnvFloat = %v", got)
	}
	if got := mustEnvDuration("X_DURATION", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("mustEnvDuration = %v", got)
	}
	if got := mustEnvBool("X_BOOL", true); !got {
		t.Fatalf("expected fallback for invalid bool")
	}
}
