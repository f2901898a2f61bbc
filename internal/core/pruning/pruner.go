// Package pruning trims retrieved context down to a token budget while keeping
// the most useful and least redundant chunks.
package pruning

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/lexical"
)

const (
	defaultMaxCandidates = 50
	protectedScore       = 0.8
	recencyWindow        = 3 * 365 * 24 * time.Hour
)

type Pruner struct {
	now           func() time.Time
	maxCandidates int
}

type Option func(*Pruner)

func WithClock(now func() time.Time) Option {
	return func(p *Pruner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxCandidates bounds how many chunks are scored; extra chunks are cut by raw score.
func WithMaxCandidates(n int) Option {
	return func(p *Pruner) {
		if n > 0 {
			p.maxCandidates = n
		}
	}
}

func New(opts ...Option) *Pruner {
	p := &Pruner{now: time.Now, maxCandidates: defaultMaxCandidates}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type candidate struct {
	chunk     domain.ContextChunk
	tokens    int
	attention float64
	words     lexical.TokenSet
}

// Prune never fails. A panic inside the algorithm degrades to proportional truncation.
func (p *Pruner) Prune(chunks []domain.ContextChunk, query string, targetTokens int, intent domain.QueryIntent) (result domain.PruningResult) {
	started := time.Now()
	if len(chunks) == 0 {
		return domain.PruningResult{
			PrunedChunks:   []domain.ContextChunk{},
			CoherenceScore: 1,
			QualityScore:   1,
		}
	}

	profile := ProfileFor(intent)
	original := domain.TotalTokens(chunks)
	if targetTokens <= 0 {
		targetTokens = int(float64(original) * (1 - profile.CompressionRate))
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("context_pruning_panic", "intent", intent, "panic", fmt.Sprint(r))
			result = Truncate(chunks, targetTokens)
		}
		result.ProcessingTime = time.Since(started)
	}()

	if original <= targetTokens {
		kept := domain.CloneChunks(chunks)
		return domain.PruningResult{
			PrunedChunks:   kept,
			OriginalTokens: original,
			FinalTokens:    original,
			CoherenceScore: coherenceScore(kept),
			QualityScore:   1,
		}
	}

	candidates := p.score(p.precut(chunks), query, profile)
	kept := selectWithinBudget(candidates, targetTokens)
	if profile.DiversityThreshold > 0 {
		kept = diversityFilter(kept, profile.DiversityThreshold)
	}
	if profile.PreserveCoherence {
		kept = coherentOrder(kept)
	}

	out := make([]domain.ContextChunk, len(kept))
	for i, c := range kept {
		out[i] = c.chunk
	}
	final := domain.TotalTokens(out)
	return domain.PruningResult{
		PrunedChunks:    out,
		OriginalTokens:  original,
		FinalTokens:     final,
		CompressionRate: compressionRate(original, final),
		CoherenceScore:  coherenceScore(out),
		QualityScore:    qualityScore(chunks, out, query),
	}
}

func (p *Pruner) precut(chunks []domain.ContextChunk) []domain.ContextChunk {
	if len(chunks) <= p.maxCandidates {
		return chunks
	}
	sorted := domain.CloneChunks(chunks)
	slices.SortStableFunc(sorted, func(a, b domain.ContextChunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return sorted[:p.maxCandidates]
}

func (p *Pruner) score(chunks []domain.ContextChunk, query string, profile Profile) []candidate {
	terms := lexical.QueryTerms(query)
	if len(terms) == 0 {
		terms = lexical.NewTokenSet(query)
	}

	out := make([]candidate, len(chunks))
	for i, chunk := range chunks {
		out[i] = candidate{chunk: chunk, tokens: max(0, chunk.Tokens), words: lexical.NewTokenSet(chunk.Content)}
	}

	n := float64(len(out))
	now := p.now()
	for i := range out {
		c := &out[i]
		relevance := 0.6*lexical.Overlap(terms, c.words) + 0.4*clamp01(c.chunk.Score)
		position := 1 - float64(i)/n
		c.attention = profile.QueryWeight*relevance +
			profile.ContentWeight*contentQuality(c.chunk.Content) +
			profile.MetadataWeight*metadataScore(c.chunk.Metadata, now) +
			profile.positionWeight()*position +
			profile.noveltyWeight()*novelty(out, i)
	}
	return out
}

func contentQuality(content string) float64 {
	length := min(float64(utf8.RuneCountInString(content))/500, 1)
	score := length * 0.7
	if strings.ContainsAny(content, ".!?;:") {
		score += 0.3
	}
	return score
}

func metadataScore(meta domain.ChunkMetadata, now time.Time) float64 {
	score := priorityOf(meta.ContentType) * 0.5
	if meta.Featured {
		score += 0.2
	}
	score += min(float64(len(meta.Technologies))*0.05, 0.15)
	if meta.Date != nil {
		age := now.Sub(*meta.Date)
		score += 0.15 * max(0, 1-float64(age)/float64(recencyWindow))
	}
	return clamp01(score)
}

func novelty(all []candidate, i int) float64 {
	if len(all) < 2 {
		return 1
	}
	sum := 0.0
	for j := range all {
		if j != i {
			sum += lexical.Jaccard(all[i].words, all[j].words)
		}
	}
	return 1 - sum/float64(len(all)-1)
}

func byAttention(a, b candidate) int {
	if c := cmp.Compare(b.attention, a.attention); c != 0 {
		return c
	}
	if c := cmp.Compare(b.chunk.Score, a.chunk.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.chunk.ID, b.chunk.ID)
}

func selectWithinBudget(candidates []candidate, target int) []candidate {
	ranked := slices.Clone(candidates)
	slices.SortStableFunc(ranked, byAttention)

	kept := slices.Clone(ranked)
	total := sumTokens(kept)
	var dropped []candidate
	for total > target && len(kept) > 1 {
		last := kept[len(kept)-1]
		kept = kept[:len(kept)-1]
		total -= last.tokens
		dropped = append(dropped, last)
	}
	slices.SortStableFunc(dropped, byAttention)

	// Backfill whatever still fits.
	var rest []candidate
	for _, c := range dropped {
		if total+c.tokens <= target {
			kept = append(kept, c)
			total += c.tokens
			continue
		}
		rest = append(rest, c)
	}

	kept, total = swapInProtected(kept, rest, total, target)

	if len(kept) == 1 && total > target {
		kept = []candidate{bestSingle(ranked, target)}
	}

	slices.SortStableFunc(kept, byAttention)
	return kept
}

// swapInProtected makes room for dropped high-score chunks by evicting
// unprotected kept chunks, lowest attention first.
func swapInProtected(kept, dropped []candidate, total, target int) ([]candidate, int) {
	for _, c := range dropped {
		if c.chunk.Score <= protectedScore {
			continue
		}
		need := total + c.tokens - target
		if need <= 0 {
			kept = append(kept, c)
			total += c.tokens
			continue
		}

		victims := make([]int, 0)
		freed := 0
		for i := len(kept) - 1; i >= 0 && freed < need; i-- {
			if kept[i].chunk.Score > protectedScore {
				continue
			}
			victims = append(victims, i)
			freed += kept[i].tokens
		}
		if freed < need {
			continue
		}

		remove := make(map[int]struct{}, len(victims))
		for _, i := range victims {
			remove[i] = struct{}{}
		}
		next := make([]candidate, 0, len(kept)-len(victims)+1)
		for i, k := range kept {
			if _, ok := remove[i]; !ok {
				next = append(next, k)
			}
		}
		kept = append(next, c)
		total = total - freed + c.tokens
		slices.SortStableFunc(kept, byAttention)
	}
	return kept, total
}

func bestSingle(ranked []candidate, target int) candidate {
	for _, c := range ranked {
		if c.tokens <= target {
			return c
		}
	}
	smallest := ranked[0]
	for _, c := range ranked[1:] {
		if c.tokens < smallest.tokens {
			smallest = c
		}
	}
	return smallest
}

func diversityFilter(kept []candidate, threshold float64) []candidate {
	if len(kept) < 2 {
		return kept
	}

	seenTypes := make(map[domain.ContentType]struct{})
	seenTech := make(map[string]struct{})
	out := make([]candidate, 0, len(kept))
	for _, c := range kept {
		score := diversityOf(c, out, seenTypes, seenTech)
		if len(out) > 0 && score < threshold && c.chunk.Score <= protectedScore {
			continue
		}
		out = append(out, c)
		seenTypes[normalizedType(c.chunk.Metadata.ContentType)] = struct{}{}
		for _, tech := range c.chunk.Metadata.Technologies {
			seenTech[strings.ToLower(tech)] = struct{}{}
		}
	}
	return out
}

func diversityOf(c candidate, selected []candidate, seenTypes map[domain.ContentType]struct{}, seenTech map[string]struct{}) float64 {
	typeNovelty := 1.0
	if _, ok := seenTypes[normalizedType(c.chunk.Metadata.ContentType)]; ok {
		typeNovelty = 0
	}

	techs := c.chunk.Metadata.Technologies
	var second float64
	if len(techs) > 0 {
		fresh := 0
		for _, tech := range techs {
			if _, ok := seenTech[strings.ToLower(tech)]; !ok {
				fresh++
			}
		}
		second = float64(fresh) / float64(len(techs))
	} else {
		closest := 0.0
		for _, s := range selected {
			closest = max(closest, lexical.Jaccard(c.words, s.words))
		}
		second = 1 - closest
	}
	return 0.5*typeNovelty + 0.5*second
}

// coherentOrder puts one representative per content type first, most recent
// winning, then the rest by attention.
func coherentOrder(kept []candidate) []candidate {
	if len(kept) < 2 {
		return kept
	}

	used := make([]bool, len(kept))
	out := make([]candidate, 0, len(kept))
	for _, t := range typeOrder {
		best := -1
		for i, c := range kept {
			if used[i] || normalizedType(c.chunk.Metadata.ContentType) != t {
				continue
			}
			if best < 0 || newer(c, kept[best]) {
				best = i
			}
		}
		if best >= 0 {
			used[best] = true
			out = append(out, kept[best])
		}
	}
	for i, c := range kept {
		if !used[i] {
			out = append(out, c)
		}
	}
	return out
}

func newer(a, b candidate) bool {
	da, db := a.chunk.Metadata.Date, b.chunk.Metadata.Date
	switch {
	case da != nil && db == nil:
		return true
	case da == nil || db == nil:
		return false
	default:
		return da.After(*db)
	}
}

// Truncate keeps the leading floor(n x target/original) whole chunks, at least
// one. Chunk text is never cut.
func Truncate(chunks []domain.ContextChunk, target int) domain.PruningResult {
	original := domain.TotalTokens(chunks)
	keep := len(chunks)
	if target > 0 && original > target {
		ratio := float64(target) / float64(original)
		keep = max(1, int(float64(len(chunks))*ratio))
	}

	out := domain.CloneChunks(chunks[:min(keep, len(chunks))])
	if out == nil {
		out = []domain.ContextChunk{}
	}
	final := domain.TotalTokens(out)
	return domain.PruningResult{
		PrunedChunks:    out,
		OriginalTokens:  original,
		FinalTokens:     final,
		CompressionRate: compressionRate(original, final),
		CoherenceScore:  0.5,
		QualityScore:    0.5,
		Fallback:        true,
	}
}

func sumTokens(cs []candidate) int {
	total := 0
	for _, c := range cs {
		total += c.tokens
	}
	return total
}

func compressionRate(original, final int) float64 {
	if original <= 0 {
		return 0
	}
	return clamp01(1 - float64(final)/float64(original))
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
