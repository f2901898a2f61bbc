package lexical

import "testing"

func TestTokenizeKeepsPolishLetters(t *testing.T) {
	got := Tokenize("Doświadczenie: 7 lat, Go/TypeScript!")
	want := []string{"doświadczenie", "7", "lat", "go", "typescript"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestOverlapAndJaccard(t *testing.T) {
	q := NewTokenSet("risk report")
	c := NewTokenSet("the risk level is high")
	if got := Overlap(q, c); got != 0.5 {
		t.Fatalf("expected overlap 0.5, got %v", got)
	}
	if got := Jaccard(NewTokenSet("a b c"), NewTokenSet("a b c")); got != 1 {
		t.Fatalf("expected jaccard 1 for identical sets, got %v", got)
	}
	if got := Jaccard(NewTokenSet("a b"), NewTokenSet("c d")); got != 0 {
		t.Fatalf("expected jaccard 0 for disjoint sets, got %v", got)
	}
	if got := Overlap(TokenSet{}, c); got != 0 {
		t.Fatalf("expected overlap 0 for empty query, got %v", got)
	}
}

func TestContentHashIgnoresCaseAndSpacing(t *testing.T) {
	a := ContentHash("Built a  design system\nfor 40 teams")
	b := ContentHash("built a design system for 40 TEAMS")
	if a != b {
		t.Fatalf("expected equal hashes, got %s and %s", a, b)
	}
	if a == ContentHash("built a design system for 41 teams") {
		t.Fatalf("expected different hash for different content")
	}
}

func TestQueryTermsDropsShortWords(t *testing.T) {
	terms := QueryTerms("co to jest Go i AI w praktyce")
	if _, ok := terms["go"]; ok {
		t.Fatalf("expected short word to be dropped")
	}
	if _, ok := terms["praktyce"]; !ok {
		t.Fatalf("expected long word to be kept")
	}
}
