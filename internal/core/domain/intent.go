package domain

type QueryIntent string

const (
	IntentSynthesis   QueryIntent = "SYNTHESIS"
	IntentExploration QueryIntent = "EXPLORATION"
	IntentComparison  QueryIntent = "COMPARISON"
	IntentFactual     QueryIntent = "FACTUAL"
	IntentCasual      QueryIntent = "CASUAL"
)

// AllIntents lists intents in classification priority order.
var AllIntents = []QueryIntent{
	IntentSynthesis,
	IntentExploration,
	IntentComparison,
	IntentFactual,
	IntentCasual,
}

func ParseIntent(raw string) (QueryIntent, bool) {
	for _, intent := range AllIntents {
		if string(intent) == raw {
			return intent, true
		}
	}
	return "", false
}

type Complexity string

const (
	ComplexityLow    Complexity = "LOW"
	ComplexityMedium Complexity = "MEDIUM"
	ComplexityHigh   Complexity = "HIGH"
)

const (
	MinContextTokens = 300
	MaxContextTokens = 4000
	MinChunkCount    = 1
	MaxChunkCount    = 20
	MinTopKMult      = 0.5
	MaxTopKMult      = 3.0
)

type ContextSizeConfig struct {
	MaxTokens      int         `json:"maxTokens"`
	ChunkCount     int         `json:"chunkCount"`
	DiversityBoost bool        `json:"diversityBoost"`
	QueryExpansion bool        `json:"queryExpansion"`
	TopKMultiplier float64     `json:"topKMultiplier"`
	Intent         QueryIntent `json:"intent"`
	Complexity     Complexity  `json:"complexity"`
}

// Clamp forces the budget fields into their documented ranges.
func (c ContextSizeConfig) Clamp() ContextSizeConfig {
	out := c
	out.MaxTokens = clampInt(out.MaxTokens, MinContextTokens, MaxContextTokens)
	out.ChunkCount = clampInt(out.ChunkCount, MinChunkCount, MaxChunkCount)
	if out.TopKMultiplier < MinTopKMult {
		out.TopKMultiplier = MinTopKMult
	}
	if out.TopKMultiplier > MaxTopKMult {
		out.TopKMultiplier = MaxTopKMult
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
