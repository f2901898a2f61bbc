package ports

import (
	"context"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// SearchRequest narrows a nearest-neighbour query.
type SearchRequest struct {
	TopK      int
	Namespace string
	Filter    map[string]string
	MinScore  float64
}

// VectorSearcher returns top-K hits for a query embedding. Empty results are valid.
type VectorSearcher interface {
	Search(ctx context.Context, queryVector []float32, req SearchRequest) ([]domain.SearchHit, error)
}

// Embedder builds vectors for query text. An empty vector without error is
// treated as domain.ErrEmbeddingUnavailable by callers.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// AnswerGenerator turns assembled context into the user-facing answer.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, intent domain.QueryIntent, contextText, query string) (string, error)
}

// TokenEstimator approximates the token cost of a text.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// ContextCache stores pruned chunk sets per (intent, size, query).
type ContextCache interface {
	Get(query string, size int, intent domain.QueryIntent) ([]domain.ContextChunk, bool)
	Set(query string, size int, chunks []domain.ContextChunk, intent domain.QueryIntent) error
}

// CacheSnapshotStore keeps recovery backups of the context cache.
type CacheSnapshotStore interface {
	SaveSnapshot(ctx context.Context, snapshot domain.CacheSnapshot) error
	LatestSnapshot(ctx context.Context) (*domain.CacheSnapshot, error)
}

// PipelineObserver receives pipeline events for metrics.
type PipelineObserver interface {
	ObserveStage(stat domain.StageStat)
	ObserveCache(hit bool)
	ObserveResponse(resp *domain.QueryResponse)
}

// VectorPoint is a stored embedding with its payload.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorIndexer seeds a namespace with points.
type VectorIndexer interface {
	Upsert(ctx context.Context, namespace string, points []VectorPoint) error
}
