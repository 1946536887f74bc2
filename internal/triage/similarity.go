package triage

import (
	"strings"
	"unicode"
)

// Similarity scores two item names in [0,1]. Names are compared lowercased
// with non-alphanumerics stripped: equal names score 1.0, containment in
// either direction 0.9, otherwise the larger of word overlap and character
// bigram overlap.
func Similarity(a, b string) float64 {
	s1, s2 := normalizeName(a), normalizeName(b)
	if s1 == "" || s2 == "" {
		return 0
	}
	if s1 == s2 {
		return 1.0
	}
	if strings.Contains(s1, s2) || strings.Contains(s2, s1) {
		return 0.9
	}
	w1, w2 := nameWords(a), nameWords(b)
	// both argument orders, so equal-length names score the same either way
	return max(
		wordOverlap(w1, w2), wordOverlap(w2, w1),
		bigramOverlap(s1, s2), bigramOverlap(s2, s1),
	)
}

func normalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func nameWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// wordOverlap is the fraction of the wordier name's words (longer than two
// characters) contained in, or containing, a word of the other name.
func wordOverlap(w1, w2 []string) float64 {
	if len(w1) == 0 || len(w2) == 0 {
		return 0
	}
	longer, other := w1, w2
	if len(w2) > len(w1) {
		longer, other = w2, w1
	}

	common := 0
	for _, x := range longer {
		if len([]rune(x)) <= 2 {
			continue
		}
		for _, y := range other {
			if len([]rune(y)) > 2 && (strings.Contains(x, y) || strings.Contains(y, x)) {
				common++
				break
			}
		}
	}
	return float64(common) / float64(len(longer))
}

// bigramOverlap is the fraction of the shorter string's adjacent character
// pairs that occur somewhere in the longer string. It replaces the older
// per-character test, which scored unrelated titles such as "Tetris" and
// "Chess" around 0.5 to 0.6, above the 0.4 they must stay under.
func bigramOverlap(s1, s2 string) float64 {
	r1, r2 := []rune(s1), []rune(s2)
	longer, shorter := r1, r2
	if len(r2) > len(r1) {
		longer, shorter = r2, r1
	}
	if len(shorter) < 2 {
		return 0
	}

	l := string(longer)
	matches := 0
	for i := 0; i+1 < len(shorter); i++ {
		if strings.Contains(l, string(shorter[i:i+2])) {
			matches++
		}
	}
	return float64(matches) / float64(len(shorter)-1)
}
