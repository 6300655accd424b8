package campaign

import "strings"

// homoglyphs maps characters commonly substituted in look-alike domains
// to their latin base form before edit-distance comparison.
var homoglyphs = map[rune]rune{
	'0': 'o',
	'1': 'l',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'@': 'a',
	'$': 's',
}

// foldHomoglyphs normalizes look-alike characters so that e.g.
// "secure-a1ert.xyz" and "secure-alert.xyz" compare as near-identical.
func foldHomoglyphs(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := homoglyphs[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SimilarDomains reports whether two distinct domains are within maxDist
// edits of each other after homoglyph folding.
func SimilarDomains(a, b string, maxDist int) bool {
	if a == b || maxDist <= 0 {
		return false
	}
	fa, fb := foldHomoglyphs(a), foldHomoglyphs(b)
	if fa == fb {
		return true
	}
	return levenshtein(fa, fb, maxDist) <= maxDist
}

// levenshtein computes the edit distance between a and b, bounded by
// max: once every value in a row exceeds max, max+1 is returned early.
func levenshtein(a, b string, max int) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	if diff > max {
		return max + 1
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > max {
			return max + 1
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
