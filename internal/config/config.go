package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/rag-context-pipeline/internal/core/usecase"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/cache"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/resilience"
)

type Config struct {
	APIPort        string        `yaml:"api_port"`
	LogLevel       string        `yaml:"log_level"`
	MaxConnections int           `yaml:"max_connections"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
	AdminToken     string        `yaml:"admin_token"`

	// Provider is "ollama" or "openai".
	Provider         string `yaml:"provider"`
	OllamaURL        string `yaml:"ollama_url"`
	OllamaGenModel   string `yaml:"ollama_gen_model"`
	OllamaEmbedModel string `yaml:"ollama_embed_model"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIChatModel  string `yaml:"openai_chat_model"`
	OpenAIEmbedModel string `yaml:"openai_embed_model"`

	// VectorBackend is "qdrant" or "memory".
	VectorBackend        string `yaml:"vector_backend"`
	QdrantURL            string `yaml:"qdrant_url"`
	VectorNamespace      string `yaml:"vector_namespace"`
	MemorySeedFile       string `yaml:"memory_seed_file"`
	ExpansionSeed        uint64 `yaml:"expansion_seed"`
	PruningMaxCandidates int    `yaml:"pruning_max_candidates"`
	IndexChunkSize       int    `yaml:"index_chunk_size"`
	IndexChunkOverlap    int    `yaml:"index_chunk_overlap"`

	TokenEstimator string `yaml:"token_estimator"`
	TokenEncoding  string `yaml:"token_encoding"`

	EmbedCacheSize int           `yaml:"embed_cache_size"`
	EmbedCacheTTL  time.Duration `yaml:"embed_cache_ttl"`

	PostgresDSN      string `yaml:"postgres_dsn"`
	SnapshotDir      string `yaml:"snapshot_dir"`
	SnapshotsRetain  int    `yaml:"snapshots_retain"`
	NATSURL          string `yaml:"nats_url"`
	NATSSubject      string `yaml:"nats_subject"`
	TransportRetries int    `yaml:"transport_retries"`

	Pipeline   usecase.PipelineConfig `yaml:"pipeline"`
	Cache      cache.Config           `yaml:"cache"`
	Resilience resilience.Config      `yaml:"resilience"`
}

func Defaults() Config {
	return Config{
		APIPort:        "8080",
		LogLevel:       "info",
		MaxConnections: 512,
		RateLimitRPS:   20,
		RateLimitBurst: 40,
		MaxInFlight:    64,
		QueueTimeout:   250 * time.Millisecond,

		Provider:         "ollama",
		OllamaURL:        "http://localhost:11434",
		OllamaGenModel:   "llama3.1:8b",
		OllamaEmbedModel: "nomic-embed-text",
		OpenAIChatModel:  "gpt-4o-mini",
		OpenAIEmbedModel: "text-embedding-3-small",

		VectorBackend:        "qdrant",
		QdrantURL:            "http://localhost:6333",
		VectorNamespace:      "portfolio",
		PruningMaxCandidates: 50,
		IndexChunkSize:       1200,
		IndexChunkOverlap:    150,

		TokenEstimator: "chars",
		TokenEncoding:  "cl100k_base",

		EmbedCacheSize: 1000,
		EmbedCacheTTL:  time.Hour,

		SnapshotsRetain:  5,
		NATSSubject:      "content.updated",
		TransportRetries: 1,

		Pipeline: usecase.PipelineConfig{
			FailurePolicy:     usecase.PolicyGracefulDegradation,
			WarmupConcurrency: 4,
			WarmupRatePerSec:  10,
			StatsLimit:        1000,
		},
		Cache: cache.Config{
			MaxEntries:      1000,
			MaxMemoryBytes:  50 << 20,
			BaseTTL:         30 * time.Minute,
			TargetHitRate:   0.6,
			CleanupInterval: 5 * time.Minute,
		},
		Resilience: resilience.DefaultConfig(),
	}
}

// Load layers built-in defaults, the optional YAML file named by
// PIPELINE_CONFIG_FILE, and environment variables, in that order.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("PIPELINE_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIPort = mustEnv("API_PORT", cfg.APIPort)
	cfg.LogLevel = mustEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MaxConnections = mustEnvInt("API_MAX_CONNECTIONS", cfg.MaxConnections)
	cfg.RateLimitRPS = mustEnvFloat("API_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = mustEnvInt("API_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.MaxInFlight = mustEnvInt("API_MAX_IN_FLIGHT", cfg.MaxInFlight)
	cfg.QueueTimeout = mustEnvDuration("API_QUEUE_TIMEOUT", cfg.QueueTimeout)
	cfg.AdminToken = mustEnv("API_ADMIN_TOKEN", cfg.AdminToken)

	cfg.Provider = strings.ToLower(mustEnv("LLM_PROVIDER", cfg.Provider))
	cfg.OllamaURL = mustEnv("OLLAMA_URL", cfg.OllamaURL)
	cfg.OllamaGenModel = mustEnv("OLLAMA_GEN_MODEL", cfg.OllamaGenModel)
	cfg.OllamaEmbedModel = mustEnv("OLLAMA_EMBED_MODEL", cfg.OllamaEmbedModel)
	cfg.OpenAIAPIKey = mustEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = mustEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIChatModel = mustEnv("OPENAI_CHAT_MODEL", cfg.OpenAIChatModel)
	cfg.OpenAIEmbedModel = mustEnv("OPENAI_EMBED_MODEL", cfg.OpenAIEmbedModel)

	cfg.VectorBackend = strings.ToLower(mustEnv("VECTOR_BACKEND", cfg.VectorBackend))
	cfg.QdrantURL = mustEnv("QDRANT_URL", cfg.QdrantURL)
	cfg.VectorNamespace = mustEnv("VECTOR_NAMESPACE", cfg.VectorNamespace)
	cfg.MemorySeedFile = mustEnv("MEMORY_SEED_FILE", cfg.MemorySeedFile)
	cfg.ExpansionSeed = uint64(mustEnvInt("RETRIEVAL_EXPANSION_SEED", int(cfg.ExpansionSeed)))
	cfg.PruningMaxCandidates = mustEnvInt("PRUNING_MAX_CANDIDATES", cfg.PruningMaxCandidates)
	cfg.IndexChunkSize = mustEnvInt("INDEX_CHUNK_SIZE", cfg.IndexChunkSize)
	cfg.IndexChunkOverlap = mustEnvInt("INDEX_CHUNK_OVERLAP", cfg.IndexChunkOverlap)

	cfg.TokenEstimator = mustEnv("TOKEN_ESTIMATOR", cfg.TokenEstimator)
	cfg.TokenEncoding = mustEnv("TOKEN_ENCODING", cfg.TokenEncoding)

	cfg.EmbedCacheSize = mustEnvInt("EMBED_CACHE_SIZE", cfg.EmbedCacheSize)
	cfg.EmbedCacheTTL = mustEnvDuration("EMBED_CACHE_TTL", cfg.EmbedCacheTTL)

	cfg.PostgresDSN = mustEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.SnapshotDir = mustEnv("CACHE_SNAPSHOT_DIR", cfg.SnapshotDir)
	cfg.SnapshotsRetain = mustEnvInt("CACHE_SNAPSHOTS_RETAIN", cfg.SnapshotsRetain)
	cfg.NATSURL = mustEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = mustEnv("NATS_SUBJECT", cfg.NATSSubject)
	cfg.TransportRetries = mustEnvInt("TRANSPORT_RETRIES", cfg.TransportRetries)

	cfg.Pipeline.FailurePolicy = usecase.FailurePolicy(mustEnv("PIPELINE_FAILURE_POLICY", string(cfg.Pipeline.FailurePolicy)))
	cfg.Pipeline.WarmupConcurrency = mustEnvInt("PIPELINE_WARMUP_CONCURRENCY", cfg.Pipeline.WarmupConcurrency)
	cfg.Pipeline.WarmupRatePerSec = mustEnvFloat("PIPELINE_WARMUP_RATE", cfg.Pipeline.WarmupRatePerSec)
	cfg.Pipeline.StatsLimit = mustEnvInt("PIPELINE_STATS_LIMIT", cfg.Pipeline.StatsLimit)

	cfg.Cache.MaxEntries = mustEnvInt("CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxMemoryBytes = int64(mustEnvInt("CACHE_MAX_MEMORY_BYTES", int(cfg.Cache.MaxMemoryBytes)))
	cfg.Cache.BaseTTL = mustEnvDuration("CACHE_BASE_TTL", cfg.Cache.BaseTTL)
	cfg.Cache.TargetHitRate = mustEnvFloat("CACHE_TARGET_HIT_RATE", cfg.Cache.TargetHitRate)
	cfg.Cache.CleanupInterval = mustEnvDuration("CACHE_CLEANUP_INTERVAL", cfg.Cache.CleanupInterval)

	cfg.Resilience.MaxRetries = mustEnvInt("RESILIENCE_MAX_RETRIES", cfg.Resilience.MaxRetries)
	cfg.Resilience.AttemptTimeout = mustEnvDuration("RESILIENCE_ATTEMPT_TIMEOUT", cfg.Resilience.AttemptTimeout)
	cfg.Resilience.BaseDelay = mustEnvDuration("RESILIENCE_BASE_DELAY", cfg.Resilience.BaseDelay)
	cfg.Resilience.MaxDelay = mustEnvDuration("RESILIENCE_MAX_DELAY", cfg.Resilience.MaxDelay)
	cfg.Resilience.BreakerEnabled = mustEnvBool("RESILIENCE_BREAKER_ENABLED", cfg.Resilience.BreakerEnabled)
	cfg.Resilience.BreakerOpenTimeout = mustEnvDuration("RESILIENCE_BREAKER_OPEN_TIMEOUT", cfg.Resilience.BreakerOpenTimeout)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Provider {
	case "ollama":
	case "openai":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LLM provider %q", c.Provider))
	}
	switch c.VectorBackend {
	case "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.VectorBackend))
	}
	switch c.Pipeline.FailurePolicy {
	case usecase.PolicyGracefulDegradation, usecase.PolicyFailFast:
	default:
		errs = append(errs, fmt.Errorf("unknown failure policy %q", c.Pipeline.FailurePolicy))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
