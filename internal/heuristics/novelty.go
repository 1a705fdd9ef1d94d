package heuristics

import (
	"strings"
	"unicode"
)

// NoveltyClass is the acceptance classification of a candidate rule.
type NoveltyClass string

const (
	// NoveltyNovel candidates are distinct enough to stand alone.
	NoveltyNovel NoveltyClass = "novel"

	// NoveltyRefinement candidates overlap an existing rule enough to be
	// merge candidates but are not auto-rejected.
	NoveltyRefinement NoveltyClass = "refinement"

	// NoveltyDuplicate candidates are rejected with a pointer to the most
	// similar existing heuristic.
	NoveltyDuplicate NoveltyClass = "duplicate"
)

// NoveltyResult is the outcome of scoring a candidate against a domain.
type NoveltyResult struct {
	// Novelty is 1 - max_similarity, in [0,1].
	Novelty float64

	// MostSimilarIndex is the index into the existing slice of the closest
	// match. -1 only when the domain is empty; a non-empty domain always has
	// a closest match, even at zero similarity.
	MostSimilarIndex int

	// MaxSimilarity is the similarity to that closest match.
	MaxSimilarity float64
}

// NoveltyDetector scores a candidate rule against the active rules of a
// domain. The similarity function behind it is pluggable: the default is
// token overlap, and an embedding-backed detector can be substituted behind
// the same interface without touching the capacity manager.
type NoveltyDetector interface {
	Score(candidate string, existing []string) NoveltyResult
}

// Classify buckets a novelty score using the configured thresholds.
func (p NoveltyParams) Classify(novelty float64) NoveltyClass {
	switch {
	case novelty >= p.NovelThreshold:
		return NoveltyNovel
	case novelty >= p.RefinementThreshold:
		return NoveltyRefinement
	default:
		return NoveltyDuplicate
	}
}

// TokenOverlapDetector is the default NoveltyDetector. It computes Jaccard
// similarity over normalized token sets, which is cheap, deterministic, and
// requires no external model.
type TokenOverlapDetector struct{}

// NewTokenOverlapDetector creates the default detector.
func NewTokenOverlapDetector() *TokenOverlapDetector {
	return &TokenOverlapDetector{}
}

// Score implements NoveltyDetector. Any non-empty domain yields a closest
// match, even at zero similarity, so callers always have a heuristic to point
// at when classifying the candidate as a refinement or duplicate.
func (d *TokenOverlapDetector) Score(candidate string, existing []string) NoveltyResult {
	result := NoveltyResult{Novelty: 1.0, MostSimilarIndex: -1}
	if len(existing) > 0 {
		result.MostSimilarIndex = 0
	}

	candTokens := tokenize(candidate)
	if len(candTokens) == 0 {
		return result
	}

	for i, text := range existing {
		sim := jaccard(candTokens, tokenize(text))
		if sim > result.MaxSimilarity {
			result.MaxSimilarity = sim
			result.MostSimilarIndex = i
		}
	}

	result.Novelty = 1.0 - result.MaxSimilarity
	return result
}

// Similarity scores one pair of rules. Used by the merge engine.
func (d *TokenOverlapDetector) Similarity(a, b string) float64 {
	return jaccard(tokenize(a), tokenize(b))
}

// tokenize lowercases and splits on any non-alphanumeric rune, dropping
// single-character tokens.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) > 1 {
			tokens[field] = struct{}{}
		}
	}
	return tokens
}

// jaccard is intersection-over-union of the two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if _, ok := b[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
