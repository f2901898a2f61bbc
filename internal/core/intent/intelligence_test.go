package intent

import (
	"strings"
	"testing"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

func TestClassifyScenarios(t *testing.T) {
	cases := []struct {
		query string
		want  domain.QueryIntent
	}{
		{"ile lat doświadczenia masz?", domain.IntentFactual},
		{"co potrafisz jako projektant?", domain.IntentSynthesis},
		{"Opowiedz mi o projektach z AI", domain.IntentExploration},
		{"Porównaj React i Vue w twoich projektach", domain.IntentComparison},
		{"How many years of experience do you have?", domain.IntentFactual},
		{"Tell me about yourself", domain.IntentSynthesis},
		{"Show me your side projects", domain.IntentExploration},
		{"What is the difference between UX and UI?", domain.IntentComparison},
		{"Cześć!", domain.IntentCasual},
		{"", domain.IntentCasual},
		{"   ", domain.IntentCasual},
		{"zzzz qqqq", domain.IntentCasual},
	}

	for _, tc := range cases {
		if got := Classify(tc.query); got != tc.want {
			t.Fatalf("Classify(%q) = %s, want %s", tc.query, got, tc.want)
		}
	}
}

func TestClassifyPriorityFirstMatchWins(t *testing.T) {
	// Synthesis and comparison triggers together: synthesis outranks comparison.
	if got := Classify("podsumuj i porównaj swoje projekty"); got != domain.IntentSynthesis {
		t.Fatalf("expected SYNTHESIS, got %s", got)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	queries := []string{"ile lat doświadczenia masz?", "compare go vs rust", "hej", "\xff\xfe broken utf8"}
	for _, q := range queries {
		first := Classify(q)
		for i := 0; i < 50; i++ {
			if got := Classify(q); got != first {
				t.Fatalf("Classify(%q) changed between calls: %s vs %s", q, first, got)
			}
		}
	}
}

func TestSizeScenarios(t *testing.T) {
	factual := Size("ile lat doświadczenia masz?")
	if factual.Intent != domain.IntentFactual {
		t.Fatalf("expected FACTUAL, got %s", factual.Intent)
	}
	if factual.MaxTokens < 400 || factual.MaxTokens > 800 {
		t.Fatalf("expected factual maxTokens in [400,800], got %d", factual.MaxTokens)
	}

	synthesis := Size("co potrafisz jako projektant?")
	if synthesis.Intent != domain.IntentSynthesis {
		t.Fatalf("expected SYNTHESIS, got %s", synthesis.Intent)
	}
	if synthesis.MaxTokens < 1400 || synthesis.MaxTokens > 2500 {
		t.Fatalf("expected synthesis maxTokens in [1400,2500], got %d", synthesis.MaxTokens)
	}
	if !synthesis.DiversityBoost || !synthesis.QueryExpansion {
		t.Fatalf("expected synthesis to enable diversity and expansion, got %+v", synthesis)
	}
}

func TestSizeAlwaysClamped(t *testing.T) {
	long := strings.Repeat("podsumuj i porównaj konkretnie design, kod, zespół oraz AI? ", 10)
	queries := []string{"", "?", long, "hej", "compare and contrast exactly the team and code and design?? and ai?"}
	for _, q := range queries {
		cfg := Size(q)
		if cfg.MaxTokens < domain.MinContextTokens || cfg.MaxTokens > domain.MaxContextTokens {
			t.Fatalf("Size(%q).MaxTokens=%d out of range", q, cfg.MaxTokens)
		}
		if cfg.ChunkCount < domain.MinChunkCount || cfg.ChunkCount > domain.MaxChunkCount {
			t.Fatalf("Size(%q).ChunkCount=%d out of range", q, cfg.ChunkCount)
		}
	}
}

func TestComplexityLevels(t *testing.T) {
	if got := Complexity("hej"); got != domain.ComplexityLow {
		t.Fatalf("expected LOW for greeting, got %s", got)
	}
	high := "Can you compare exactly how you led the team and wrote the backend code? And what about design?"
	if got := Complexity(high); got != domain.ComplexityHigh {
		t.Fatalf("expected HIGH, got %s", got)
	}
	if got := Complexity("what kind of work did you do for the last company"); got != domain.ComplexityMedium {
		t.Fatalf("expected MEDIUM, got %s", got)
	}
}

func TestHighComplexityScalesBudgetUp(t *testing.T) {
	low := Size("porównaj go")
	high := Size("porównaj konkretnie go i rust w backendzie oraz w zespole? jakie różnice w designie?")
	if low.Intent != domain.IntentComparison || high.Intent != domain.IntentComparison {
		t.Fatalf("expected COMPARISON for both, got %s and %s", low.Intent, high.Intent)
	}
	if high.MaxTokens <= low.MaxTokens {
		t.Fatalf("expected HIGH complexity to raise tokens, low=%d high=%d", low.MaxTokens, high.MaxTokens)
	}
	if high.TopKMultiplier <= low.TopKMultiplier {
		t.Fatalf("expected HIGH complexity to raise topK multiplier")
	}
}
