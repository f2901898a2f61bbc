package intent

import (
	"regexp"
	"strings"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// wordPattern matches any of the phrases as whole words. RE2 \b is ASCII-only,
// so boundaries are spelled out with Unicode classes.
func wordPattern(phrases ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(phrases, "|") + `)(?:[^\p{L}\p{N}]|$)`)
}

// stemPattern matches words starting with any of the stems.
func stemPattern(stems ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(stems, "|") + `)`)
}

type intentRule struct {
	intent   domain.QueryIntent
	patterns []*regexp.Regexp
}

var intentRules = []intentRule{
	{
		intent: domain.IntentSynthesis,
		patterns: []*regexp.Regexp{
			wordPattern(
				`co potrafisz`, `co umiesz`, `kim jesteś`, `kim jestes`, `opowiedz o sobie`,
				`jakie masz umiejętności`, `jakie są twoje umiejętności`, `twoje mocne strony`,
				`what can you do`, `who are you`, `tell me about yourself`, `what are your skills`,
				`your strengths`, `your expertise`, `big picture`,
			),
			stemPattern(`podsumu`, `summar`, `overview`, `całościow`, `capabilit`, `kompetencj`),
		},
	},
	{
		intent: domain.IntentExploration,
		patterns: []*regexp.Regexp{
			wordPattern(
				`opowiedz`, `pokaż`, `pokaz`, `jakie projekty`, `nad czym pracowałeś`,
				`tell me more`, `show me`, `walk me through`, `what projects`, `examples of`,
				`more about`, `więcej o`,
			),
			stemPattern(`przykład`, `przyklad`, `explor`, `eksplor`),
		},
	},
	{
		intent: domain.IntentComparison,
		patterns: []*regexp.Regexp{
			wordPattern(`vs`, `vs\.`, `versus`, `better than`, `compared to`, `w porównaniu`, `czym się różni`),
			stemPattern(`porówn`, `porown`, `różnic`, `roznic`, `compar`, `differen`, `lepsz`),
		},
	},
	{
		intent: domain.IntentFactual,
		patterns: []*regexp.Regexp{
			wordPattern(
				`ile`, `kiedy`, `gdzie`, `jak długo`, `jak dlugo`, `który`, `która`, `które`, `czy`,
				`how many`, `how much`, `how long`, `when`, `where`, `which`, `what is`, `did you`,
				`do you have`, `kontakt`, `email`, `e-mail`,
			),
			stemPattern(`doświadcz`, `doswiadcz`, `experience`, `certyfik`, `certif`),
		},
	},
	{
		intent: domain.IntentCasual,
		patterns: []*regexp.Regexp{
			wordPattern(`cześć`, `czesc`, `hej`, `siema`, `dzień dobry`, `dzien dobry`, `hi`, `hello`, `hey`, `thanks`, `dzięki`, `dzieki`),
		},
	},
}

var (
	conjunctionPattern = wordPattern(`i`, `oraz`, `a także`, `także`, `ale`, `lub`, `albo`, `and`, `also`, `but`, `or`, `as well as`)
	specificityPattern = stemPattern(`konkretn`, `dokładn`, `dokladn`, `szczegół`, `szczegol`, `specific`, `exact`, `detail`, `precise`, `in particular`)
	comparisonPattern  = intentRules[2].patterns
)

// topicGroups drive the topic-switch count used by the complexity heuristic.
var topicGroups = []*regexp.Regexp{
	stemPattern(`design`, `projekt`, `ux`, `ui`, `interfejs`, `interface`, `figma`),
	stemPattern(`kod`, `code`, `program`, `develop`, `frontend`, `backend`, `react`, `typescript`, `golang`),
	stemPattern(`zesp`, `team`, `lead`, `mentor`, `zarządz`, `manag`),
	stemPattern(`ai`, `ml`, `llm`, `model`, `machine learning`, `sztuczn`),
	stemPattern(`kariera`, `career`, `firma`, `company`, `praca`, `job`, `role`),
	stemPattern(`eksperyment`, `experiment`, `prototyp`, `prototype`, `side project`),
}
