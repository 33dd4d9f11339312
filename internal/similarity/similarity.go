// Package similarity provides the lexical answer scorer used when the
// semantic oracle is unavailable.
package similarity

import "strings"

// Score returns the normalized edit-distance similarity between a and b
// in [0,1]. Comparison is case-insensitive. Two empty strings score 1.
func Score(a, b string) float64 {
	al := []rune(strings.ToLower(a))
	bl := []rune(strings.ToLower(b))
	maxLen := len(al)
	if len(bl) > maxLen {
		maxLen = len(bl)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(al, bl))/float64(maxLen)
}

// levenshtein computes edit distance with a rolling two-row matrix.
func levenshtein(ra, rb []rune) int {
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
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
