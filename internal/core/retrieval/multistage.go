// Package retrieval pulls candidate context chunks out of the vector backend.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

const (
	fallbackTopK       = 5
	fallbackMinScore   = 0.7
	fallbackConfidence = 0.3
)

type MultiStageRetriever struct {
	searcher  ports.VectorSearcher
	embedder  ports.Embedder
	estimator ports.TokenEstimator
	pick      ExpansionPicker
	namespace string
	now       func() time.Time
}

type Option func(*MultiStageRetriever)

func WithExpansionPicker(pick ExpansionPicker) Option {
	return func(r *MultiStageRetriever) {
		if pick != nil {
			r.pick = pick
		}
	}
}

func WithNamespace(namespace string) Option {
	return func(r *MultiStageRetriever) {
		r.namespace = namespace
	}
}

func NewMultiStageRetriever(
	searcher ports.VectorSearcher,
	embedder ports.Embedder,
	estimator ports.TokenEstimator,
	opts ...Option,
) *MultiStageRetriever {
	r := &MultiStageRetriever{
		searcher:  searcher,
		embedder:  embedder,
		estimator: estimator,
		pick:      FirstChoice,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve runs the stage plan for size.Intent. Stage failures are absorbed;
// only when no stage succeeds does it fall back to a single plain search.
func (r *MultiStageRetriever) Retrieve(ctx context.Context, query string, size domain.ContextSizeConfig) (domain.RetrievalResult, error) {
	stages := StagesFor(size.Intent, size.TopKMultiplier)

	var (
		collected []domain.ContextChunk
		reports   = make([]domain.StageReport, 0, len(stages))
		executed  int
		failed    int
		early     bool
		lastErr   error
	)

	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return domain.RetrievalResult{}, err
		}

		started := r.now()
		stageQuery := query
		if size.QueryExpansion {
			stageQuery = expandQuery(query, stage.ExpansionTerms, r.pick)
		}

		chunks, err := r.runStage(ctx, stageQuery, stage, size.DiversityBoost)
		executed++
		report := domain.StageReport{
			Stage:    stage.Stage,
			Query:    stageQuery,
			Duration: r.now().Sub(started),
		}
		if err != nil {
			failed++
			lastErr = err
			report.Err = err.Error()
			reports = append(reports, report)
			slog.Warn("retrieval_stage_failed", "stage", stage.Stage, "intent", size.Intent, "error", err)
			continue
		}

		report.Found = len(chunks)
		report.RelevanceScore = StageRelevance(chunks)
		reports = append(reports, report)
		collected = append(collected, chunks...)

		if i < len(stages)-1 && shouldTerminate(stage.Stage, report.RelevanceScore, report.Found) {
			early = true
			break
		}
	}

	if executed > 0 && failed == executed {
		slog.Warn("retrieval_fallback_search", "intent", size.Intent, "error", lastErr)
		result, err := r.fallbackSearch(ctx, query)
		if err != nil {
			return domain.RetrievalResult{}, errors.Join(lastErr, err)
		}
		result.Stages = reports
		return result, nil
	}

	merged := mergeStages(collected)
	return domain.RetrievalResult{
		Chunks:          merged,
		Stages:          reports,
		Confidence:      retrievalConfidence(merged, reports, executed, len(stages)),
		TotalFound:      len(collected),
		EarlyTerminated: early,
	}, nil
}

func (r *MultiStageRetriever) runStage(ctx context.Context, query string, stage StageConfig, diversity bool) ([]domain.ContextChunk, error) {
	vector, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := r.searcher.Search(ctx, vector, ports.SearchRequest{
		TopK:      stage.TopK,
		Namespace: r.namespace,
		MinScore:  stage.MinSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s stage: %w", stage.Stage, err)
	}

	chunks := toChunks(hits, stage.Stage, r.estimator)
	if diversity && stage.DiversityBoost {
		chunks = rebalance(chunks)
	}
	return chunks, nil
}

func (r *MultiStageRetriever) embed(ctx context.Context, query string) ([]float32, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", err)
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed query", errors.New("empty vector"))
	}
	return vector, nil
}

func (r *MultiStageRetriever) fallbackSearch(ctx context.Context, query string) (domain.RetrievalResult, error) {
	vector, err := r.embed(ctx, query)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	hits, err := r.searcher.Search(ctx, vector, ports.SearchRequest{
		TopK:      fallbackTopK,
		Namespace: r.namespace,
		MinScore:  fallbackMinScore,
	})
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("fallback search: %w", err)
	}

	chunks := toChunks(hits, domain.StageFine, r.estimator)
	sortByScore(chunks)
	return domain.RetrievalResult{
		Chunks:     chunks,
		Confidence: fallbackConfidence,
		TotalFound: len(chunks),
		Fallback:   true,
	}, nil
}

// StageRelevance is the mean score penalised by spread.
func StageRelevance(chunks []domain.ContextChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	scores := make([]float64, len(chunks))
	for i, chunk := range chunks {
		scores[i] = chunk.Score
	}
	mean, variance := stat.PopMeanVariance(scores, nil)
	return clamp01(mean - 0.1*(variance/0.25))
}

func mergeStages(chunks []domain.ContextChunk) []domain.ContextChunk {
	merged := dedupe(chunks)
	slices.SortStableFunc(merged, func(a, b domain.ContextChunk) int {
		wa := a.Score + stageWeight(a.Stage)*0.1
		wb := b.Score + stageWeight(b.Stage)*0.1
		switch {
		case wa > wb:
			return -1
		case wa < wb:
			return 1
		default:
			return 0
		}
	})
	return merged
}

// retrievalConfidence is 0.6 x best stage relevance, plus 0.2 x mean stage
// relevance when more than one stage produced results, plus an efficiency
// bonus of up to 0.2 for stopping early.
func retrievalConfidence(chunks []domain.ContextChunk, reports []domain.StageReport, executed, configured int) float64 {
	if len(chunks) == 0 || configured == 0 {
		return 0
	}
	best, sum, ran := 0.0, 0.0, 0
	for _, report := range reports {
		if report.Err != "" {
			continue
		}
		best = max(best, report.RelevanceScore)
		sum += report.RelevanceScore
		ran++
	}
	confidence := 0.6 * best
	if ran > 1 {
		confidence += 0.2 * sum / float64(ran)
	}
	confidence += 0.2 * (1 - float64(executed-1)/float64(configured))
	return clamp01(confidence)
}
