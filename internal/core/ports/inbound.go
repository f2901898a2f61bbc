package ports

import (
	"context"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// QueryProcessor is the inbound contract for the context pipeline.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, req domain.QueryRequest) *domain.QueryResponse
	ProcessingStats() []domain.StageStat
	WarmupCache(ctx context.Context, queries []string)
	Benchmark(ctx context.Context, queries []string, iterations int) domain.BenchmarkResult
}

// CacheAdmin is the inbound contract for cache maintenance endpoints.
type CacheAdmin interface {
	Invalidate(pattern string) (int, error)
	Optimize()
	Stats() domain.CacheStats
}
