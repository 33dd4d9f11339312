// Package contentfilter screens free-text question/answer fields for
// spam before any claim or challenge is processed.
package contentfilter

import "unicode"

const (
	maxCharRun      = 5   // same character repeated this many times
	maxConsonantRun = 6   // consecutive consonants
	punctDensity    = 0.3 // !?. share of total length
	upperDensity    = 0.8 // uppercase share among letters
	upperMinLetters = 10  // shouting check only beyond this many letters
)

// IsSpam reports whether text trips any of the abuse heuristics:
// a long single-character run, a long consonant run, excessive
// punctuation, or all-caps shouting.
func IsSpam(text string) bool {
	runes := []rune(text)
	if len(runes) == 0 {
		return false
	}

	var (
		prev         rune
		charRun      int
		consonantRun int
		punct        int
		upper        int
		letters      int
	)
	for _, r := range runes {
		if r == prev {
			charRun++
		} else {
			charRun = 1
			prev = r
		}
		if charRun >= maxCharRun {
			return true
		}

		if isConsonant(r) {
			consonantRun++
			if consonantRun >= maxConsonantRun {
				return true
			}
		} else {
			consonantRun = 0
		}

		switch r {
		case '!', '?', '.':
			punct++
		}
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}

	if float64(punct) > float64(len(runes))*punctDensity {
		return true
	}
	if letters > upperMinLetters && float64(upper)/float64(letters) > upperDensity {
		return true
	}
	return false
}

func isConsonant(r rune) bool {
	lower := unicode.ToLower(r)
	if lower < 'a' || lower > 'z' {
		return false
	}
	switch lower {
	case 'a', 'e', 'i', 'o', 'u':
		return false
	}
	return true
}
