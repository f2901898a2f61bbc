package ollama

import (
	"fmt"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

var intentInstructions = map[domain.QueryIntent]string{
	domain.IntentSynthesis:   "Combine facts from several context entries into one coherent overview.",
	domain.IntentExploration: "Walk through the relevant projects and experience in some detail.",
	domain.IntentComparison:  "Compare the items the user asks about point by point.",
	domain.IntentFactual:     "Answer briefly and precisely.",
	domain.IntentCasual:      "Reply in one or two friendly sentences.",
}

func buildAnswerPrompt(intent domain.QueryIntent, contextText, query string) string {
	instruction, ok := intentInstructions[intent]
	if !ok {
		instruction = intentInstructions[domain.IntentCasual]
	}
	if contextText == "" {
		contextText = "(no context available)"
	}

	return fmt.Sprintf(`Answer the user question only from the context below.
If the context is insufficient, say it directly.
Reply in the language of the question.
%s

Question:
%s

Context:
%s
`, instruction, query, contextText)
}
