package matching

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

func normalize(s string) []rune {
	// A Caser carries state, so one is made per call
	return []rune(cases.Fold().String(norm.NFKC.String(s)))
}

// Similarity is 1 minus the Levenshtein distance over the longer length,
// computed on NFKC-normalized, case-folded text
func Similarity(a, b string) float64 {
	ra, rb := normalize(a), normalize(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
