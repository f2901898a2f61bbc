package pruning

import "github.com/kirillkom/rag-context-pipeline/internal/core/domain"

// Profile holds the per-intent pruning knobs. Weights not assigned to query,
// content or metadata are split 30/70 between position and novelty.
type Profile struct {
	CompressionRate    float64
	PreserveCoherence  bool
	QueryWeight        float64
	ContentWeight      float64
	MetadataWeight     float64
	DiversityThreshold float64
}

var profiles = map[domain.QueryIntent]Profile{
	domain.IntentFactual:     {CompressionRate: 0.4, PreserveCoherence: true, QueryWeight: 0.4, ContentWeight: 0.3, MetadataWeight: 0.2, DiversityThreshold: 0.1},
	domain.IntentCasual:      {CompressionRate: 0.6, QueryWeight: 0.5, ContentWeight: 0.2, MetadataWeight: 0.1},
	domain.IntentExploration: {CompressionRate: 0.3, PreserveCoherence: true, QueryWeight: 0.3, ContentWeight: 0.4, MetadataWeight: 0.1, DiversityThreshold: 0.3},
	domain.IntentComparison:  {CompressionRate: 0.35, PreserveCoherence: true, QueryWeight: 0.35, ContentWeight: 0.3, MetadataWeight: 0.15, DiversityThreshold: 0.25},
	domain.IntentSynthesis:   {CompressionRate: 0.25, PreserveCoherence: true, QueryWeight: 0.25, ContentWeight: 0.4, MetadataWeight: 0.15, DiversityThreshold: 0.35},
}

func ProfileFor(intent domain.QueryIntent) Profile {
	if p, ok := profiles[intent]; ok {
		return p
	}
	return profiles[domain.IntentCasual]
}

func (p Profile) positionWeight() float64 {
	return max(0, 1-p.QueryWeight-p.ContentWeight-p.MetadataWeight) * 0.3
}

func (p Profile) noveltyWeight() float64 {
	return max(0, 1-p.QueryWeight-p.ContentWeight-p.MetadataWeight) * 0.7
}

// typeOrder is the presentation order used when coherence is preserved.
var typeOrder = []domain.ContentType{
	domain.ContentWork,
	domain.ContentLeadership,
	domain.ContentExperiment,
	domain.ContentTimeline,
	domain.ContentContact,
	domain.ContentOther,
}

var typePriority = map[domain.ContentType]float64{
	domain.ContentWork:       1.0,
	domain.ContentLeadership: 0.9,
	domain.ContentExperiment: 0.8,
	domain.ContentTimeline:   0.6,
	domain.ContentContact:    0.4,
	domain.ContentOther:      0.5,
}

func priorityOf(t domain.ContentType) float64 {
	if p, ok := typePriority[t]; ok {
		return p
	}
	return typePriority[domain.ContentOther]
}

func normalizedType(t domain.ContentType) domain.ContentType {
	if _, ok := typePriority[t]; ok {
		return t
	}
	return domain.ContentOther
}
