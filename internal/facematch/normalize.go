package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldName reduces a display name to a comparable form: lower case, no
// diacritics, and single spaces in place of dashes, underscores, dots and
// runs of whitespace ("Jiří  Novák-Dvořák" -> "jiri novak dvorak").
func FoldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	words := strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_' || r == '.'
	})
	return strings.Join(words, " ")
}

// NameMatches reports whether every word of query occurs in name, in any
// order, after folding both. An empty query matches nothing.
func NameMatches(name, query string) bool {
	words := strings.Fields(FoldName(query))
	if len(words) == 0 {
		return false
	}
	folded := FoldName(name)
	for _, w := range words {
		if !strings.Contains(folded, w) {
			return false
		}
	}
	return true
}
