package retrieval

import (
	"math/rand/v2"
	"strings"
	"sync"
)

// ExpansionPicker chooses one synonym out of the candidates for a term.
type ExpansionPicker func(options []string) string

// FirstChoice always takes the first synonym so expansion is reproducible.
func FirstChoice(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[0]
}

// RandomPicker rotates synonyms pseudo-randomly from a fixed seed.
func RandomPicker(seed uint64) ExpansionPicker {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(options []string) string {
		if len(options) == 0 {
			return ""
		}
		mu.Lock()
		defer mu.Unlock()
		return options[rng.IntN(len(options))]
	}
}

var synonyms = map[string][]string{
	"doświadczenie": {"experience", "praktyka"},
	"experience":    {"doświadczenie", "background"},
	"projekt":       {"project", "realizacja"},
	"project":       {"projekt", "case study"},
	"umiejętności":  {"skills", "kompetencje"},
	"skills":        {"umiejętności", "capabilities"},
	"technologie":   {"technologies", "stack"},
	"technologies":  {"technologie", "tools"},
	"zespół":        {"team", "leadership"},
	"team":          {"zespół", "collaboration"},
	"design":        {"projektowanie", "ux"},
}

// expandQuery appends one synonym per term unless the query already contains it.
func expandQuery(query string, terms []string, pick ExpansionPicker) string {
	if len(terms) == 0 {
		return query
	}
	if pick == nil {
		pick = FirstChoice
	}

	lowered := strings.ToLower(query)
	var b strings.Builder
	b.WriteString(query)
	for _, term := range terms {
		choice := pick(synonyms[strings.ToLower(term)])
		if choice == "" || strings.Contains(lowered, strings.ToLower(choice)) {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(choice)
		lowered += " " + strings.ToLower(choice)
	}
	return b.String()
}
