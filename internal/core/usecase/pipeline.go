package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/intent"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
	"github.com/kirillkom/rag-context-pipeline/internal/core/pruning"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/resilience"
)

const (
	StageContextSizing = "context-sizing"
	StageCacheLookup   = "cache-lookup"
	StageRetrieval     = "multi-stage-retrieval"
	StageHybridSearch  = "hybrid-search"
	StagePruning       = "context-pruning"
	StageCaching       = "smart-caching"
	StageGeneration    = "response-generation"
)

type FailurePolicy string

const (
	PolicyGracefulDegradation FailurePolicy = "graceful-degradation"
	PolicyFailFast            FailurePolicy = "fail-fast"
)

const (
	emergencyConfidence = 0.3
	emergencyResponse   = "I can't reach my knowledge base right now. Please try again in a moment."
	placeholderContent  = "No specific context is available for this question."
	placeholderSource   = "fallback"
	defaultStatsLimit   = 1000
)

var criticalStages = map[string]struct{}{
	StageContextSizing: {},
	StageRetrieval:     {},
	StagePruning:       {},
}

type ContextSizer interface {
	Size(query string) domain.ContextSizeConfig
}

type Retriever interface {
	Retrieve(ctx context.Context, query string, size domain.ContextSizeConfig) (domain.RetrievalResult, error)
}

type HybridSearcher interface {
	Search(ctx context.Context, query string, intent domain.QueryIntent, topK int) []domain.ContextChunk
}

type Pruner interface {
	Prune(chunks []domain.ContextChunk, query string, targetTokens int, intent domain.QueryIntent) domain.PruningResult
}

type PipelineDeps struct {
	Sizer      ContextSizer
	Retriever  Retriever
	Hybrid     HybridSearcher
	Pruner     Pruner
	Cache      ports.ContextCache
	Generator  ports.AnswerGenerator
	Resilience *resilience.Manager
	Observer   ports.PipelineObserver
}

type PipelineConfig struct {
	FailurePolicy     FailurePolicy `yaml:"failure_policy"`
	WarmupConcurrency int           `yaml:"warmup_concurrency"`
	WarmupRatePerSec  float64       `yaml:"warmup_rate_per_sec"`
	StatsLimit        int           `yaml:"stats_limit"`
}

func (c PipelineConfig) normalize() PipelineConfig {
	if c.FailurePolicy != PolicyFailFast {
		c.FailurePolicy = PolicyGracefulDegradation
	}
	if c.WarmupConcurrency <= 0 {
		c.WarmupConcurrency = 4
	}
	if c.WarmupRatePerSec <= 0 {
		c.WarmupRatePerSec = 10
	}
	if c.StatsLimit <= 0 {
		c.StatsLimit = defaultStatsLimit
	}
	return c
}

// Pipeline turns a user query into a context-grounded answer. It never
// returns an error: degraded runs are reported through confidence and
// response metadata.
type Pipeline struct {
	deps PipelineDeps
	cfg  PipelineConfig

	statsMu sync.Mutex
	stats   []domain.StageStat
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if deps.Resilience == nil {
		deps.Resilience = resilience.NewManager(resilience.DefaultConfig())
	}
	if deps.Sizer == nil {
		deps.Sizer = intent.NewAnalyzer()
	}
	if deps.Pruner == nil {
		deps.Pruner = pruning.New()
	}
	cfg = cfg.normalize()
	return &Pipeline{
		deps:  deps,
		cfg:   cfg,
		stats: make([]domain.StageStat, 0, min(cfg.StatsLimit, 64)),
	}
}

// run carries per-request bookkeeping; it is never shared between requests.
type run struct {
	steps       []string
	fallbacks   []string
	performance domain.PerformanceBreakdown
}

type assembled struct {
	size     domain.ContextSizeConfig
	chunks   []domain.ContextChunk
	pruning  domain.PruningResult
	cacheHit bool
}

func (p *Pipeline) ProcessQuery(ctx context.Context, req domain.QueryRequest) (resp *domain.QueryResponse) {
	started := time.Now()
	r := &run{}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline_panic", "panic", fmt.Sprint(rec))
			resp = p.emergency(r, started)
		}
		if p.deps.Observer != nil {
			p.deps.Observer.ObserveResponse(resp)
		}
	}()

	ctxData, err := p.assemble(ctx, r, req.UserQuery)
	if err != nil {
		slog.Error("pipeline_failed", "conversation_id", req.ConversationID, "error", err)
		return p.emergency(r, started)
	}

	answer, err := p.generate(ctx, r, req.UserQuery, ctxData)
	if err != nil {
		slog.Error("pipeline_generation_failed", "conversation_id", req.ConversationID, "error", err)
		return p.emergency(r, started)
	}

	resp = &domain.QueryResponse{
		Response:       answer,
		Confidence:     confidence(ctxData.chunks),
		ProcessingTime: time.Since(started),
		Metadata: domain.ResponseMetadata{
			QueryIntent:     ctxData.size.Intent,
			ContextSize:     ctxData.size.MaxTokens,
			CompressionRate: ctxData.pruning.CompressionRate,
			CacheHit:        ctxData.cacheHit,
			TotalTokens:     domain.TotalTokens(ctxData.chunks),
			Sources:         sources(ctxData.chunks),
			ProcessingSteps: r.steps,
			FallbacksUsed:   r.fallbacks,
		},
		Performance: r.performance,
	}
	slog.Info("query_processed",
		"conversation_id", req.ConversationID,
		"intent", resp.Metadata.QueryIntent,
		"cache_hit", resp.Metadata.CacheHit,
		"chunks", len(ctxData.chunks),
		"confidence", resp.Confidence,
		"fallbacks", len(r.fallbacks),
		"duration_ms", float64(resp.ProcessingTime.Microseconds())/1000.0,
	)
	return resp
}

// assemble runs sizing, cache lookup, retrieval, pruning and cache store.
func (p *Pipeline) assemble(ctx context.Context, r *run, query string) (assembled, error) {
	size, err := runStage(ctx, p, r, StageContextSizing,
		func(context.Context) (domain.ContextSizeConfig, error) {
			if strings.TrimSpace(query) == "" {
				return domain.ContextSizeConfig{}, domain.WrapError(domain.ErrInvalidInput, "size context", errors.New("empty query"))
			}
			return p.deps.Sizer.Size(query), nil
		},
		func(context.Context) (domain.ContextSizeConfig, error) {
			return intent.DefaultSize(), nil
		},
	)
	if err != nil {
		return assembled{}, err
	}

	if chunks, ok := p.lookup(r, query, size); ok {
		return assembled{
			size:     size,
			chunks:   chunks,
			pruning:  domain.PruningResult{PrunedChunks: chunks, OriginalTokens: domain.TotalTokens(chunks), FinalTokens: domain.TotalTokens(chunks)},
			cacheHit: true,
		}, nil
	}

	retrievalStarted := time.Now()
	retrieved, err := runStage(ctx, p, r, StageRetrieval,
		func(ctx context.Context) (domain.RetrievalResult, error) {
			if p.deps.Retriever == nil {
				return domain.RetrievalResult{}, errors.New("retriever not configured")
			}
			return p.deps.Retriever.Retrieve(ctx, query, size)
		},
		func(context.Context) (domain.RetrievalResult, error) {
			return domain.RetrievalResult{Chunks: []domain.ContextChunk{placeholderChunk()}, Confidence: 0.1, Fallback: true}, nil
		},
	)
	if err != nil {
		return assembled{}, err
	}

	hybrid, err := runStage(ctx, p, r, StageHybridSearch,
		func(ctx context.Context) ([]domain.ContextChunk, error) {
			if p.deps.Hybrid == nil {
				return []domain.ContextChunk{}, nil
			}
			return p.deps.Hybrid.Search(ctx, query, size.Intent, size.ChunkCount), nil
		},
		func(context.Context) ([]domain.ContextChunk, error) {
			return []domain.ContextChunk{}, nil
		},
	)
	if err != nil {
		return assembled{}, err
	}
	r.performance.RetrievalTime = time.Since(retrievalStarted)

	merged := mergeChunks(retrieved.Chunks, hybrid)

	pruneStarted := time.Now()
	pruned, err := runStage(ctx, p, r, StagePruning,
		func(context.Context) (domain.PruningResult, error) {
			return p.deps.Pruner.Prune(merged, query, size.MaxTokens, size.Intent), nil
		},
		func(context.Context) (domain.PruningResult, error) {
			return pruning.Truncate(merged, size.MaxTokens), nil
		},
	)
	if err != nil {
		return assembled{}, err
	}
	r.performance.CompressionTime = time.Since(pruneStarted)
	if pruned.Fallback && !slices.Contains(r.fallbacks, StagePruning) {
		r.fallbacks = append(r.fallbacks, StagePruning)
	}

	p.store(ctx, r, query, size, pruned.PrunedChunks)

	return assembled{size: size, chunks: pruned.PrunedChunks, pruning: pruned}, nil
}

func (p *Pipeline) lookup(r *run, query string, size domain.ContextSizeConfig) ([]domain.ContextChunk, bool) {
	if p.deps.Cache == nil {
		return nil, false
	}
	started := time.Now()
	chunks, ok := p.deps.Cache.Get(query, size.MaxTokens, size.Intent)
	elapsed := time.Since(started)
	r.performance.CacheTime += elapsed
	r.steps = append(r.steps, StageCacheLookup)
	p.recordStat(domain.StageStat{Stage: StageCacheLookup, Duration: elapsed, Success: true})
	if p.deps.Observer != nil {
		p.deps.Observer.ObserveCache(ok)
	}
	return chunks, ok
}

func (p *Pipeline) store(ctx context.Context, r *run, query string, size domain.ContextSizeConfig, chunks []domain.ContextChunk) {
	if p.deps.Cache == nil || len(chunks) == 0 {
		return
	}
	started := time.Now()
	_, err := runStage(ctx, p, r, StageCaching,
		p.cacheWrite(query, size, chunks),
		func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		},
	)
	if err != nil {
		slog.Warn("cache_store_failed", "error", err)
	}
	r.performance.CacheTime += time.Since(started)
}

// cacheWrite stores chunks unless the attempt context is already done, so an
// attempt abandoned by its timeout does not write afterwards.
func (p *Pipeline) cacheWrite(query string, size domain.ContextSizeConfig, chunks []domain.ContextChunk) resilience.Operation[struct{}] {
	return func(ctx context.Context) (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, err
		}
		err := p.deps.Cache.Set(query, size.MaxTokens, chunks, size.Intent)
		if domain.IsKind(err, domain.ErrEntryTooLarge) {
			slog.Warn("cache_entry_rejected", "intent", size.Intent, "error", err)
			return struct{}{}, nil
		}
		return struct{}{}, err
	}
}

func (p *Pipeline) generate(ctx context.Context, r *run, query string, data assembled) (string, error) {
	contextText := joinContext(data.chunks)
	started := time.Now()
	var primary resilience.Operation[string]
	if p.deps.Generator != nil {
		primary = func(ctx context.Context) (string, error) {
			return p.deps.Generator.GenerateAnswer(ctx, data.size.Intent, contextText, query)
		}
	}
	answer, err := runStage(ctx, p, r, StageGeneration, primary,
		func(context.Context) (string, error) {
			return templateAnswer(data.chunks), nil
		},
	)
	r.performance.GenerationTime = time.Since(started)
	return answer, err
}

// runStage executes one named stage through the resilience manager. Under
// fail-fast, critical stages run without their fallback.
func runStage[T any](
	ctx context.Context,
	p *Pipeline,
	r *run,
	name string,
	primary, fallback resilience.Operation[T],
) (T, error) {
	if _, critical := criticalStages[name]; critical && p.cfg.FailurePolicy == PolicyFailFast {
		fallback = nil
	}

	started := time.Now()
	res, err := resilience.Execute(ctx, p.deps.Resilience, name, primary, fallback)
	stat := domain.StageStat{
		Stage:    name,
		Duration: time.Since(started),
		Success:  err == nil,
		Fallback: res.UsedFallback,
	}
	p.recordStat(stat)

	if err != nil {
		var zero T
		return zero, fmt.Errorf("stage %s: %w", name, err)
	}
	r.steps = append(r.steps, name)
	if res.UsedFallback {
		r.fallbacks = append(r.fallbacks, name)
		slog.Warn("stage_fallback", "stage", name, "error", res.PrimaryErr)
	}
	return res.Value, nil
}

func (p *Pipeline) recordStat(stat domain.StageStat) {
	p.statsMu.Lock()
	if len(p.stats) >= p.cfg.StatsLimit {
		drop := len(p.stats) - p.cfg.StatsLimit + 1
		p.stats = append(p.stats[:0], p.stats[drop:]...)
	}
	p.stats = append(p.stats, stat)
	p.statsMu.Unlock()

	if p.deps.Observer != nil {
		p.deps.Observer.ObserveStage(stat)
	}
}

// ProcessingStats returns the most recent stage records, oldest first.
func (p *Pipeline) ProcessingStats() []domain.StageStat {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	out := make([]domain.StageStat, len(p.stats))
	copy(out, p.stats)
	return out
}

func (p *Pipeline) emergency(r *run, started time.Time) *domain.QueryResponse {
	return &domain.QueryResponse{
		Response:       emergencyResponse,
		Confidence:     emergencyConfidence,
		ProcessingTime: time.Since(started),
		Metadata: domain.ResponseMetadata{
			QueryIntent:     domain.IntentCasual,
			Sources:         []string{},
			ProcessingSteps: r.steps,
			FallbacksUsed:   r.fallbacks,
			Emergency:       true,
		},
		Performance: r.performance,
	}
}

func placeholderChunk() domain.ContextChunk {
	return domain.ContextChunk{
		ID:       "fallback-context",
		Content:  placeholderContent,
		Score:    0.1,
		Tokens:   10,
		Source:   placeholderSource,
		Metadata: domain.ChunkMetadata{ContentType: domain.ContentOther},
	}
}

func joinContext(chunks []domain.ContextChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if text := strings.TrimSpace(c.Content); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func templateAnswer(chunks []domain.ContextChunk) string {
	if len(chunks) == 0 {
		return "I don't have enough information to answer that yet."
	}
	var b strings.Builder
	b.WriteString("Here is what I found:\n")
	for i, c := range chunks {
		if i == 3 {
			break
		}
		text := []rune(strings.TrimSpace(c.Content))
		if len(text) > 280 {
			text = append(text[:280], '…')
		}
		b.WriteString("\n- ")
		b.WriteString(string(text))
	}
	return b.String()
}

func confidence(chunks []domain.ContextChunk) float64 {
	if len(chunks) == 0 {
		return 0.1
	}
	sum := 0.0
	for _, c := range chunks {
		sum += c.Score
	}
	return min(1, max(0.1, sum/float64(len(chunks))))
}

func sources(chunks []domain.ContextChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Source == "" {
			continue
		}
		if _, ok := seen[c.Source]; ok {
			continue
		}
		seen[c.Source] = struct{}{}
		out = append(out, c.Source)
	}
	return out
}
