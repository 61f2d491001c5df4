package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NameTokens splits a display label into lower-cased, de-duplicated words for
// prefix search.
func NameTokens(label string) []string {
	lowered := cases.Lower(language.Und).String(label)
	words := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if _, ok := seen[word]; ok {
			continue
		}
		seen[word] = struct{}{}
		tokens = append(tokens, word)
	}
	return tokens
}

// NormalizeSearch lower-cases a search prefix the same way labels are tokenized.
func NormalizeSearch(prefix string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(prefix))
}
