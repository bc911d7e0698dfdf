package adapter

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fold lowercases s, strips diacritics ("Pokémon" -> "pokemon") and collapses
// punctuation into single spaces so terms can be matched on word boundaries.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)

	var b strings.Builder
	b.Grow(len(out) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range out {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// containsTerm matches a folded term on word boundaries inside folded text.
func containsTerm(folded, term string) bool {
	ft := strings.TrimSpace(fold(term))
	if ft == "" {
		return false
	}
	return strings.Contains(folded, " "+ft+" ")
}

func tokens(s string) []string {
	return strings.Fields(fold(s))
}

// overlap scores how many query tokens appear in title.
func overlap(query, title string) int {
	if query == "" {
		return 0
	}
	have := make(map[string]struct{})
	for _, tok := range tokens(title) {
		have[tok] = struct{}{}
	}
	score := 0
	for _, tok := range tokens(query) {
		if _, ok := have[tok]; ok {
			score++
		}
	}
	return score
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
