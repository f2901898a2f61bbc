package usecase

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// WarmupCache pre-assembles context for queries so later requests hit the
// cache. Individual failures are logged and skipped.
func (p *Pipeline) WarmupCache(ctx context.Context, queries []string) {
	if len(queries) == 0 {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(p.cfg.WarmupRatePerSec), 1)
	var g errgroup.Group
	g.SetLimit(p.cfg.WarmupConcurrency)

	warmed := make(chan struct{}, len(queries))
	for _, query := range queries {
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			if _, err := p.assemble(ctx, &run{}, query); err != nil {
				slog.Warn("cache_warmup_failed", "query", query, "error", err)
				return nil
			}
			warmed <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	slog.Info("cache_warmup_done", "queries", len(queries), "warmed", len(warmed))
}

// Benchmark replays queries iterations times and averages the outcomes.
func (p *Pipeline) Benchmark(ctx context.Context, queries []string, iterations int) domain.BenchmarkResult {
	if iterations <= 0 {
		iterations = 1
	}

	var (
		runs        int
		total       time.Duration
		confidence  float64
		compression float64
		hits        int
		successes   int
	)
	for i := 0; i < iterations; i++ {
		for _, query := range queries {
			if ctx.Err() != nil {
				break
			}
			resp := p.ProcessQuery(ctx, domain.QueryRequest{UserQuery: query})
			runs++
			total += resp.ProcessingTime
			confidence += resp.Confidence
			compression += resp.Metadata.CompressionRate
			if resp.Metadata.CacheHit {
				hits++
			}
			if !resp.Metadata.Emergency {
				successes++
			}
		}
	}
	if runs == 0 {
		return domain.BenchmarkResult{}
	}

	n := float64(runs)
	return domain.BenchmarkResult{
		Runs:               runs,
		AvgResponseTime:    total / time.Duration(runs),
		AvgConfidence:      confidence / n,
		AvgCompressionRate: compression / n,
		CacheHitRate:       float64(hits) / n,
		SuccessRate:        float64(successes) / n,
	}
}
