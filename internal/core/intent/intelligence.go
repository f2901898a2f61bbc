// Package intent classifies user queries and derives the context budget for them.
package intent

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

const longQueryRunes = 100

type sizeProfile struct {
	maxTokens      int
	chunkCount     int
	diversityBoost bool
	queryExpansion bool
	topKMultiplier float64
}

var baseProfiles = map[domain.QueryIntent]sizeProfile{
	domain.IntentFactual:     {maxTokens: 600, chunkCount: 4, topKMultiplier: 1.0},
	domain.IntentCasual:      {maxTokens: 400, chunkCount: 3, topKMultiplier: 0.8},
	domain.IntentExploration: {maxTokens: 1800, chunkCount: 10, diversityBoost: true, queryExpansion: true, topKMultiplier: 1.5},
	domain.IntentComparison:  {maxTokens: 1500, chunkCount: 8, diversityBoost: true, queryExpansion: true, topKMultiplier: 1.3},
	domain.IntentSynthesis:   {maxTokens: 2200, chunkCount: 12, diversityBoost: true, queryExpansion: true, topKMultiplier: 1.6},
}

type complexityScale struct {
	tokens, chunks, topK float64
}

var complexityScales = map[domain.Complexity]complexityScale{
	domain.ComplexityLow:    {tokens: 0.7, chunks: 0.8, topK: 0.9},
	domain.ComplexityMedium: {tokens: 1.0, chunks: 1.0, topK: 1.0},
	domain.ComplexityHigh:   {tokens: 1.5, chunks: 1.3, topK: 1.2},
}

// Analyzer is stateless; the zero value is ready to use.
type Analyzer struct{}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) Classify(query string) domain.QueryIntent {
	return Classify(query)
}

func (a *Analyzer) Size(query string) domain.ContextSizeConfig {
	return Size(query)
}

// Classify returns the first intent whose trigger phrases match, CASUAL otherwise.
func Classify(query string) domain.QueryIntent {
	q := normalize(query)
	if q == "" {
		return domain.IntentCasual
	}
	for _, rule := range intentRules {
		for _, p := range rule.patterns {
			if p.MatchString(q) {
				return rule.intent
			}
		}
	}
	return domain.IntentCasual
}

// Complexity scores the query structure into three levels.
func Complexity(query string) domain.Complexity {
	q := normalize(query)
	length := utf8.RuneCountInString(q)

	score := 0
	if strings.Count(q, "?") > 1 {
		score++
	}
	if conjunctionPattern.MatchString(q) {
		score++
	}
	if specificityPattern.MatchString(q) {
		score++
	}
	for _, p := range comparisonPattern {
		if p.MatchString(q) {
			score++
			break
		}
	}
	if length > longQueryRunes {
		score++
	}
	if topicSwitches(q) >= 2 {
		score++
	}

	switch {
	case score >= 3:
		return domain.ComplexityHigh
	case score == 0 && length < 40:
		return domain.ComplexityLow
	default:
		return domain.ComplexityMedium
	}
}

// Size derives the clamped context budget for a query.
func Size(query string) domain.ContextSizeConfig {
	intent := Classify(query)
	complexity := Complexity(query)

	base, ok := baseProfiles[intent]
	if !ok {
		base = baseProfiles[domain.IntentCasual]
	}
	scale := complexityScales[complexity]

	cfg := domain.ContextSizeConfig{
		MaxTokens:      int(math.Round(float64(base.maxTokens) * scale.tokens)),
		ChunkCount:     int(math.Round(float64(base.chunkCount) * scale.chunks)),
		DiversityBoost: base.diversityBoost,
		QueryExpansion: base.queryExpansion,
		TopKMultiplier: base.topKMultiplier * scale.topK,
		Intent:         intent,
		Complexity:     complexity,
	}
	return cfg.Clamp()
}

// DefaultSize is the reduced budget used when sizing cannot run.
func DefaultSize() domain.ContextSizeConfig {
	return domain.ContextSizeConfig{
		MaxTokens:      1000,
		ChunkCount:     5,
		TopKMultiplier: 1.0,
		Intent:         domain.IntentCasual,
		Complexity:     domain.ComplexityMedium,
	}
}

func topicSwitches(q string) int {
	matched := 0
	for _, group := range topicGroups {
		if group.MatchString(q) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return matched - 1
}

func normalize(query string) string {
	if !utf8.ValidString(query) {
		query = strings.ToValidUTF8(query, " ")
	}
	return strings.ToLower(strings.TrimSpace(query))
}
