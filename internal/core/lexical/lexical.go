// Package lexical holds the word-level helpers shared by retrieval and pruning.
package lexical

import (
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	if s == "" {
		return nil
	}

	tokens := make([]string, 0, 16)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

type TokenSet map[string]struct{}

func NewTokenSet(s string) TokenSet {
	tokens := Tokenize(s)
	out := make(TokenSet, len(tokens))
	for _, token := range tokens {
		out[token] = struct{}{}
	}
	return out
}

// QueryTerms drops one- and two-letter words that carry no signal.
func QueryTerms(query string) TokenSet {
	out := make(TokenSet)
	for _, token := range Tokenize(query) {
		if len([]rune(token)) > 2 {
			out[token] = struct{}{}
		}
	}
	return out
}

// Overlap is the fraction of query tokens present in the chunk.
func Overlap(query, chunk TokenSet) float64 {
	if len(query) == 0 || len(chunk) == 0 {
		return 0
	}
	matches := 0
	for token := range query {
		if _, ok := chunk[token]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func Jaccard(a, b TokenSet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for token := range small {
		if _, ok := large[token]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// ContentHash identifies near-identical chunks by a normalised prefix and word count.
func ContentHash(content string) string {
	words := strings.Fields(strings.ToLower(content))
	normalized := strings.Join(words, " ")
	prefix := []rune(normalized)
	if len(prefix) > 100 {
		prefix = prefix[:100]
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(string(prefix)))
	_, _ = h.Write([]byte(":" + strconv.Itoa(len(words))))
	return strconv.FormatUint(h.Sum64(), 16)
}
