package retrieval

import (
	"math"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// StageConfig describes one pass of the multi-stage retriever.
type StageConfig struct {
	Stage          domain.RetrievalStage
	TopK           int
	MinSimilarity  float64
	ExpansionTerms []string
	DiversityBoost bool
}

var stageTables = map[domain.QueryIntent][]StageConfig{
	domain.IntentCasual: {
		{Stage: domain.StageFine, TopK: 3, MinSimilarity: 0.75},
	},
	domain.IntentFactual: {
		{Stage: domain.StageFine, TopK: 5, MinSimilarity: 0.8},
		{Stage: domain.StageMedium, TopK: 8, MinSimilarity: 0.7},
	},
	domain.IntentExploration: {
		{Stage: domain.StageFine, TopK: 6, MinSimilarity: 0.78, ExpansionTerms: []string{"projekt", "experience"}},
		{Stage: domain.StageMedium, TopK: 10, MinSimilarity: 0.68, DiversityBoost: true},
		{Stage: domain.StageCoarse, TopK: 15, MinSimilarity: 0.55, DiversityBoost: true},
	},
	domain.IntentComparison: {
		{Stage: domain.StageFine, TopK: 6, MinSimilarity: 0.78, ExpansionTerms: []string{"technologie", "skills"}},
		{Stage: domain.StageMedium, TopK: 10, MinSimilarity: 0.68, DiversityBoost: true},
		{Stage: domain.StageCoarse, TopK: 15, MinSimilarity: 0.55, DiversityBoost: true},
	},
	domain.IntentSynthesis: {
		{Stage: domain.StageFine, TopK: 8, MinSimilarity: 0.75, ExpansionTerms: []string{"umiejętności", "experience"}},
		{Stage: domain.StageMedium, TopK: 12, MinSimilarity: 0.65, ExpansionTerms: []string{"projekt"}, DiversityBoost: true},
		{Stage: domain.StageCoarse, TopK: 20, MinSimilarity: 0.5, DiversityBoost: true},
	},
}

// StagesFor returns the stage plan for an intent with TopK scaled by multiplier.
func StagesFor(intent domain.QueryIntent, topKMultiplier float64) []StageConfig {
	table, ok := stageTables[intent]
	if !ok {
		table = stageTables[domain.IntentCasual]
	}
	if topKMultiplier <= 0 {
		topKMultiplier = 1
	}

	out := make([]StageConfig, len(table))
	for i, stage := range table {
		stage.TopK = max(1, int(math.Round(float64(stage.TopK)*topKMultiplier)))
		stage.ExpansionTerms = append([]string(nil), stage.ExpansionTerms...)
		out[i] = stage
	}
	return out
}

func stageWeight(stage domain.RetrievalStage) float64 {
	switch stage {
	case domain.StageFine:
		return 3
	case domain.StageMedium:
		return 2
	case domain.StageCoarse:
		return 1
	default:
		return 0
	}
}

func shouldTerminate(stage domain.RetrievalStage, relevance float64, found int) bool {
	switch stage {
	case domain.StageFine:
		return relevance > 0.85 && found >= 3
	case domain.StageMedium:
		return relevance > 0.75 && found >= 5
	default:
		return false
	}
}
