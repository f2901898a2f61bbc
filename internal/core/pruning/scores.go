package pruning

import (
	"slices"
	"strings"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/lexical"
)

// coherenceScore mixes lexical cohesion with how often neighbours share a
// content type or technology.
func coherenceScore(chunks []domain.ContextChunk) float64 {
	if len(chunks) < 2 {
		return 1
	}

	sets := make([]lexical.TokenSet, len(chunks))
	for i, c := range chunks {
		sets[i] = lexical.NewTokenSet(c.Content)
	}
	pairs, sum := 0, 0.0
	for i := range sets {
		for j := i + 1; j < len(sets); j++ {
			sum += lexical.Jaccard(sets[i], sets[j])
			pairs++
		}
	}
	lexicalCohesion := sum / float64(pairs)

	linked := 0
	for i := 1; i < len(chunks); i++ {
		if related(chunks[i-1].Metadata, chunks[i].Metadata) {
			linked++
		}
	}
	metadataCohesion := float64(linked) / float64(len(chunks)-1)

	return clamp01(0.5*lexicalCohesion + 0.5*metadataCohesion)
}

func related(a, b domain.ChunkMetadata) bool {
	if normalizedType(a.ContentType) == normalizedType(b.ContentType) {
		return true
	}
	for _, ta := range a.Technologies {
		if slices.ContainsFunc(b.Technologies, func(tb string) bool { return strings.EqualFold(ta, tb) }) {
			return true
		}
	}
	return false
}

// qualityScore compares the pruned set against the input: query coverage kept,
// mean score density gained and content types preserved.
func qualityScore(original, pruned []domain.ContextChunk, query string) float64 {
	if len(pruned) == 0 {
		return 0
	}
	terms := lexical.QueryTerms(query)

	coverage := 1.0
	if before := covered(terms, original); before > 0 {
		coverage = float64(covered(terms, pruned)) / float64(before)
	}

	density := 1.0
	if before := meanScore(original); before > 0 {
		density = min(1, meanScore(pruned)/before)
	}

	preservation := 1.0
	if before := typeSet(original); len(before) > 0 {
		after := typeSet(pruned)
		kept := 0
		for t := range before {
			if _, ok := after[t]; ok {
				kept++
			}
		}
		preservation = float64(kept) / float64(len(before))
	}

	return clamp01(0.4*coverage + 0.3*density + 0.3*preservation)
}

func covered(terms lexical.TokenSet, chunks []domain.ContextChunk) int {
	if len(terms) == 0 {
		return 0
	}
	found := make(map[string]struct{})
	for _, c := range chunks {
		for token := range lexical.NewTokenSet(c.Content) {
			if _, ok := terms[token]; ok {
				found[token] = struct{}{}
			}
		}
	}
	return len(found)
}

func meanScore(chunks []domain.ContextChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range chunks {
		sum += c.Score
	}
	return sum / float64(len(chunks))
}

func typeSet(chunks []domain.ContextChunk) map[domain.ContentType]struct{} {
	out := make(map[domain.ContentType]struct{})
	for _, c := range chunks {
		out[normalizedType(c.Metadata.ContentType)] = struct{}{}
	}
	return out
}
