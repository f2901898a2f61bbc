package retrieval

import (
	"cmp"
	"slices"
	"strings"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/lexical"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

func toChunks(hits []domain.SearchHit, stage domain.RetrievalStage, estimator ports.TokenEstimator) []domain.ContextChunk {
	out := make([]domain.ContextChunk, 0, len(hits))
	for _, hit := range hits {
		if strings.TrimSpace(hit.Text) == "" {
			continue
		}
		meta := domain.MetadataFromPayload(hit.Metadata)
		source := meta.ContentID
		if source == "" {
			source = hit.ID
		}
		tokens := 0
		if estimator != nil {
			tokens = estimator.EstimateTokens(hit.Text)
		}
		out = append(out, domain.ContextChunk{
			ID:       hit.ID,
			Content:  hit.Text,
			Metadata: meta,
			Score:    clamp01(hit.Score),
			Tokens:   tokens,
			Source:   source,
			Stage:    stage,
		})
	}
	return out
}

func topicOf(chunk domain.ContextChunk) string {
	if t := chunk.Metadata.ContentType; t != "" && t != domain.ContentOther {
		return string(t)
	}
	if len(chunk.Metadata.Technologies) > 0 {
		return strings.ToLower(chunk.Metadata.Technologies[0])
	}
	return "general"
}

// rebalance interleaves chunks round-robin across (source, topic) groups.
func rebalance(chunks []domain.ContextChunk) []domain.ContextChunk {
	if len(chunks) < 3 {
		return chunks
	}

	sorted := slices.Clone(chunks)
	sortByScore(sorted)

	order := make([]string, 0, len(sorted))
	groups := make(map[string][]domain.ContextChunk)
	for _, chunk := range sorted {
		key := chunk.Source + "|" + topicOf(chunk)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], chunk)
	}

	out := make([]domain.ContextChunk, 0, len(sorted))
	for round := 0; len(out) < len(sorted); round++ {
		for _, key := range order {
			if round < len(groups[key]) {
				out = append(out, groups[key][round])
			}
		}
	}
	return out
}

// dedupe keeps the highest scoring chunk per content hash, preserving first-seen order.
func dedupe(chunks []domain.ContextChunk) []domain.ContextChunk {
	index := make(map[string]int, len(chunks))
	out := make([]domain.ContextChunk, 0, len(chunks))
	for _, chunk := range chunks {
		hash := lexical.ContentHash(chunk.Content)
		if pos, ok := index[hash]; ok {
			if chunk.Score > out[pos].Score {
				out[pos] = chunk
			}
			continue
		}
		index[hash] = len(out)
		out = append(out, chunk)
	}
	return out
}

func sortByScore(chunks []domain.ContextChunk) {
	slices.SortStableFunc(chunks, func(a, b domain.ContextChunk) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Source, b.Source); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
