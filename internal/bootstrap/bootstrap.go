package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/kirillkom/rag-context-pipeline/internal/config"
	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
	"github.com/kirillkom/rag-context-pipeline/internal/core/pruning"
	"github.com/kirillkom/rag-context-pipeline/internal/core/retrieval"
	"github.com/kirillkom/rag-context-pipeline/internal/core/usecase"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/cache"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/embedcache"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/llm/openai"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/queue/nats"
	memstore "github.com/kirillkom/rag-context-pipeline/internal/infrastructure/repository/memory"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/resilience"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/tokens"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/vector/memory"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/rag-context-pipeline/internal/observability/metrics"
)

type vectorStore interface {
	ports.VectorSearcher
	ports.VectorIndexer
}

type embedderWithGenerator interface {
	ports.Embedder
	ports.AnswerGenerator
}

type App struct {
	Config config.Config

	Pipeline   *usecase.Pipeline
	Cache      *cache.ContextCache
	Embedder   ports.Embedder
	Index      ports.VectorIndexer
	Snapshots  ports.CacheSnapshotStore
	Resilience *resilience.Manager
	Transport  *resilience.Manager
	Events     *nats.ContentEvents

	Metrics      *metrics.HTTPServerMetrics
	EventMetrics *metrics.ContentEventMetrics

	embedCache *embedcache.Embedder
	closeFn    []func()
}

func New(ctx context.Context, cfg config.Config, service string) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.Metrics = metrics.NewHTTPServerMetrics(service)
	app.Resilience = resilience.NewManager(cfg.Resilience)

	transportCfg := cfg.Resilience
	transportCfg.MaxRetries = max(cfg.TransportRetries, 1)
	app.Transport = resilience.NewManager(transportCfg)

	provider, err := newProvider(cfg, app.Transport)
	if err != nil {
		return nil, err
	}
	app.embedCache = embedcache.New(provider, cfg.EmbedCacheSize, cfg.EmbedCacheTTL)
	app.Embedder = app.embedCache

	store := newVectorStore(cfg)
	app.Index = store

	estimator := tokens.New(cfg.TokenEstimator, cfg.TokenEncoding)

	app.Cache = cache.New(cfg.Cache)
	app.closeFn = append(app.closeFn, app.Cache.Close)

	if err := app.initSnapshots(ctx); err != nil {
		return nil, err
	}

	retrieverOpts := []retrieval.Option{retrieval.WithNamespace(cfg.VectorNamespace)}
	if cfg.ExpansionSeed != 0 {
		retrieverOpts = append(retrieverOpts, retrieval.WithExpansionPicker(retrieval.RandomPicker(cfg.ExpansionSeed)))
	}

	observer := metrics.NewPipelineMetrics(service, app.Metrics.Registerer())
	metrics.RegisterCacheStats(service, app.Metrics.Registerer(), app.Cache.Stats)
	app.EventMetrics = metrics.NewContentEventMetrics(service, app.Metrics.Registerer())

	app.Pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Retriever:  retrieval.NewMultiStageRetriever(store, app.Embedder, estimator, retrieverOpts...),
		Hybrid:     retrieval.NewHybridSearcher(store, app.Embedder, estimator, cfg.VectorNamespace),
		Pruner:     pruning.New(pruning.WithMaxCandidates(cfg.PruningMaxCandidates)),
		Cache:      app.Cache,
		Generator:  provider,
		Resilience: app.Resilience,
		Observer:   observer,
	}, cfg.Pipeline)

	if cfg.VectorBackend == "memory" && cfg.MemorySeedFile != "" {
		docs, err := LoadDocuments(cfg.MemorySeedFile)
		if err != nil {
			return nil, err
		}
		n, err := app.IndexDocuments(ctx, cfg.VectorNamespace, docs)
		if err != nil {
			return nil, fmt.Errorf("seed memory index: %w", err)
		}
		slog.Info("memory_index_seeded", "documents", n, "namespace", cfg.VectorNamespace)
	}

	if cfg.NATSURL != "" {
		events, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{ResilienceExecutor: app.Transport})
		if err != nil {
			return nil, fmt.Errorf("init content events: %w", err)
		}
		app.Events = events
		app.closeFn = append(app.closeFn, events.Close)
	}

	ok = true
	return app, nil
}

func newProvider(cfg config.Config, transport *resilience.Manager) (embedderWithGenerator, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openai.New(openai.Options{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			ChatModel:  cfg.OpenAIChatModel,
			EmbedModel: cfg.OpenAIEmbedModel,
			Executor:   transport,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai provider: %w", err)
		}
		return client, nil
	default:
		client := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{Executor: transport})
		return struct {
			*ollama.Embedder
			*ollama.Generator
		}{ollama.NewEmbedder(client), ollama.NewGenerator(client)}, nil
	}
}

func newVectorStore(cfg config.Config) vectorStore {
	if cfg.VectorBackend == "memory" {
		return memory.NewIndex(cfg.VectorNamespace)
	}
	return qdrant.New(cfg.QdrantURL, cfg.VectorNamespace)
}

// initSnapshots prefers Postgres, then a snapshot directory, then memory.
func (a *App) initSnapshots(ctx context.Context) error {
	if strings.TrimSpace(a.Config.PostgresDSN) == "" {
		if dir := strings.TrimSpace(a.Config.SnapshotDir); dir != "" {
			store, err := localfs.NewSnapshotStore(dir, a.Config.SnapshotsRetain)
			if err != nil {
				return err
			}
			a.Snapshots = store
			return nil
		}
		a.Snapshots = memstore.NewSnapshotStore()
		return nil
	}
	db, err := postgres.OpenDB(a.Config.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closeFn = append(a.closeFn, func() { _ = db.Close() })
	return a.useSnapshotDB(ctx, db)
}

func (a *App) useSnapshotDB(ctx context.Context, db *sql.DB) error {
	repo := postgres.NewSnapshotRepository(db, a.Config.SnapshotsRetain)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure snapshot schema: %w", err)
	}
	a.Snapshots = repo
	return nil
}

// RecoverCache validates the context cache and, when it is corrupted,
// snapshots it, clears it and restores the valid entries.
func (a *App) RecoverCache(ctx context.Context) error {
	return a.Resilience.RecoverFromCorruption(ctx, a.Cache, resilience.RecoveryHooks{
		Validate: a.Cache.Validate,
		Backup: func(ctx context.Context) error {
			return a.Snapshots.SaveSnapshot(ctx, a.Cache.Snapshot())
		},
		Restore: func(ctx context.Context) error {
			snapshot, err := a.Snapshots.LatestSnapshot(ctx)
			if err != nil {
				return err
			}
			if snapshot == nil {
				return nil
			}
			restored := a.Cache.Restore(*snapshot)
			slog.Info("cache_restored", "entries", restored, "snapshot_entries", len(snapshot.Entries))
			return nil
		},
	})
}

// Health merges stage-level and transport-level breaker state.
func (a *App) Health() []domain.OperationHealth {
	out := append(a.Resilience.Health(), a.Transport.Health()...)
	slices.SortFunc(out, func(x, y domain.OperationHealth) int {
		return strings.Compare(x.Operation, y.Operation)
	})
	return out
}

// HandleContentUpdated drops cache entries built from the changed content.
func (a *App) HandleContentUpdated(_ context.Context, contentID string) error {
	start := time.Now()
	if strings.TrimSpace(contentID) == "" {
		a.EventMetrics.Record("rejected", 0, time.Since(start))
		return domain.WrapError(domain.ErrInvalidInput, "content updated", errors.New("content id is empty"))
	}
	removed := a.Cache.InvalidateSource(contentID)
	a.EventMetrics.Record("ok", removed, time.Since(start))
	slog.Info("content_updated", "content_id", contentID, "cache_entries_removed", removed)
	return nil
}

func (a *App) EmbedCacheStats() embedcache.Stats {
	return a.embedCache.Stats()
}

func (a *App) Close() {
	for i := len(a.closeFn) - 1; i >= 0; i-- {
		a.closeFn[i]()
	}
	a.closeFn = nil
}
