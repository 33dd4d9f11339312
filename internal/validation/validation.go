// Package validation adjudicates challenge answers: a semantic oracle
// when one is configured, with a deterministic lexical fallback so
// gameplay never blocks on an external outage.
package validation

import (
	"context"
	"log"
	"strings"

	"clawquest.ai/internal/oracle"
	"clawquest.ai/internal/similarity"
)

// Thresholds are deliberately asymmetric: the oracle is trusted at 0.7,
// while the lexical fallback accepts at a word overlap of 0.6 so the game
// stays playable on the weaker signal.
const (
	OracleThreshold   = 0.7
	FallbackThreshold = 0.6
)

const (
	MethodPrecheck = "precheck"
	MethodOracle   = "oracle"
	MethodFallback = "fallback"
)

// Result is the verdict returned to the transition engine and, minus the
// secret, to the player.
type Result struct {
	IsValid     bool
	Similarity  float64
	Explanation string
	Confidence  float64
	Method      string
}

// Oracle is the slice of the oracle client the engine needs.
type Oracle interface {
	Enabled() bool
	Evaluate(ctx context.Context, question, correct, submitted string) (oracle.Verdict, error)
}

type Engine struct {
	oracle Oracle
	log    *log.Logger
}

func New(o Oracle, logger *log.Logger) *Engine {
	return &Engine{oracle: o, log: logger}
}

// Validate never fails: oracle errors degrade silently to the fallback.
func (e *Engine) Validate(ctx context.Context, question, correct, submitted string) Result {
	// Cheap guards before any network call.
	if strings.TrimSpace(submitted) == "" {
		return Result{Similarity: 0, Explanation: "empty answer provided", Confidence: 1, Method: MethodPrecheck}
	}
	if len([]rune(strings.TrimSpace(submitted))) < 2 {
		return Result{Similarity: 0.1, Explanation: "answer too short", Confidence: 0.9, Method: MethodPrecheck}
	}

	if e.oracle != nil && e.oracle.Enabled() {
		v, err := e.oracle.Evaluate(ctx, question, strings.TrimSpace(correct), strings.TrimSpace(submitted))
		if err == nil {
			return Result{
				IsValid:     v.IsValid && v.Similarity >= OracleThreshold,
				Similarity:  v.Similarity,
				Explanation: v.Explanation,
				Confidence:  v.Confidence,
				Method:      MethodOracle,
			}
		}
		if e.log != nil {
			e.log.Printf("oracle unavailable, using fallback: %v", err)
		}
	}

	return Fallback(correct, submitted)
}

// Fallback is the deterministic lexical path: exact normalized match,
// containment, then word overlap against FallbackThreshold.
func Fallback(correct, submitted string) Result {
	normCorrect := normalize(correct)
	normUser := normalize(submitted)

	if normCorrect == normUser && normCorrect != "" {
		return Result{IsValid: true, Similarity: 1, Explanation: "exact match (fallback)", Confidence: 1, Method: MethodFallback}
	}

	if normCorrect != "" && normUser != "" &&
		(strings.Contains(normCorrect, normUser) || strings.Contains(normUser, normCorrect)) {
		shorter, longer := len(normUser), len(normCorrect)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if float64(shorter) >= 0.5*float64(longer) {
			return Result{IsValid: true, Similarity: 0.85, Explanation: "partial match (fallback)", Confidence: 0.7, Method: MethodFallback}
		}
	}

	correctWords := meaningfulWords(normCorrect)
	userWords := meaningfulWords(normUser)
	if len(correctWords) == 0 || len(userWords) == 0 {
		return Result{Similarity: 0, Explanation: "no meaningful words found (fallback)", Confidence: 0.8, Method: MethodFallback}
	}

	overlap := 0
	for w := range correctWords {
		if _, ok := userWords[w]; ok {
			overlap++
		}
	}
	denom := len(correctWords)
	if len(userWords) > denom {
		denom = len(userWords)
	}
	ratio := float64(overlap) / float64(denom)
	if ratio >= FallbackThreshold {
		return Result{
			IsValid:     true,
			Similarity:  ratio,
			Explanation: "word overlap (fallback)",
			Confidence:  0.5,
			Method:      MethodFallback,
		}
	}
	// Report the better of overlap and edit distance so a near-miss
	// spelling still sees an honest closeness number. Validity is
	// governed by the overlap threshold alone.
	sim := ratio
	if lex := similarity.Score(normCorrect, normUser); lex > sim {
		sim = lex
	}
	return Result{
		Similarity:  sim,
		Explanation: "insufficient word match (fallback)",
		Confidence:  0.5,
		Method:      MethodFallback,
	}
}

// normalize strips punctuation, collapses whitespace, and lowercases.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 0x80 && !isPunctLike(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func isPunctLike(r rune) bool {
	switch r {
	case '‘', '’', '“', '”', '…', '–', '—':
		return true
	}
	return false
}

// meaningfulWords returns the set of words longer than two runes.
func meaningfulWords(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(s) {
		if len([]rune(w)) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}
