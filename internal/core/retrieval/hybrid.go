package retrieval

import (
	"context"
	"log/slog"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/lexical"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

const defaultMaxPerSource = 3

var vectorWeights = map[domain.QueryIntent]float64{
	domain.IntentSynthesis:   0.8,
	domain.IntentExploration: 0.7,
	domain.IntentComparison:  0.65,
	domain.IntentCasual:      0.6,
	domain.IntentFactual:     0.5,
}

// HybridSearcher blends vector similarity with lexical overlap in one pass.
type HybridSearcher struct {
	searcher     ports.VectorSearcher
	embedder     ports.Embedder
	estimator    ports.TokenEstimator
	namespace    string
	maxPerSource int
}

func NewHybridSearcher(searcher ports.VectorSearcher, embedder ports.Embedder, estimator ports.TokenEstimator, namespace string) *HybridSearcher {
	return &HybridSearcher{
		searcher:     searcher,
		embedder:     embedder,
		estimator:    estimator,
		namespace:    namespace,
		maxPerSource: defaultMaxPerSource,
	}
}

// Search never fails; backend errors yield an empty slice.
func (h *HybridSearcher) Search(ctx context.Context, query string, intent domain.QueryIntent, topK int) []domain.ContextChunk {
	if topK <= 0 {
		topK = 5
	}

	vector, err := h.embedder.EmbedQuery(ctx, query)
	if err != nil || len(vector) == 0 {
		slog.Warn("hybrid_search_embed_failed", "intent", intent, "error", err)
		return []domain.ContextChunk{}
	}

	hits, err := h.searcher.Search(ctx, vector, ports.SearchRequest{
		TopK:      topK * 2,
		Namespace: h.namespace,
	})
	if err != nil {
		slog.Warn("hybrid_search_failed", "intent", intent, "error", err)
		return []domain.ContextChunk{}
	}

	chunks := toChunks(hits, "", h.estimator)
	terms := lexical.QueryTerms(query)
	if len(terms) == 0 {
		terms = lexical.NewTokenSet(query)
	}
	w := VectorWeight(intent)
	for i := range chunks {
		lex := lexical.Overlap(terms, lexical.NewTokenSet(chunks[i].Content))
		chunks[i].Score = clamp01(w*chunks[i].Score + (1-w)*lex)
	}

	sortByScore(chunks)
	chunks = dedupe(chunks)
	chunks = capPerSource(chunks, h.maxPerSource, topK)
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks
}

// VectorWeight is the share of the vector score in the hybrid blend.
func VectorWeight(intent domain.QueryIntent) float64 {
	if w, ok := vectorWeights[intent]; ok {
		return w
	}
	return 0.6
}

// capPerSource limits chunks per source, topping up from the overflow when
// fewer than want remain.
func capPerSource(chunks []domain.ContextChunk, limit, want int) []domain.ContextChunk {
	if limit <= 0 {
		return chunks
	}
	counts := make(map[string]int)
	kept := make([]domain.ContextChunk, 0, len(chunks))
	overflow := make([]domain.ContextChunk, 0)
	for _, chunk := range chunks {
		if counts[chunk.Source] >= limit {
			overflow = append(overflow, chunk)
			continue
		}
		counts[chunk.Source]++
		kept = append(kept, chunk)
	}
	for _, chunk := range overflow {
		if len(kept) >= want {
			break
		}
		kept = append(kept, chunk)
	}
	return kept
}
