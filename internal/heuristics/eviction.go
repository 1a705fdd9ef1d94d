package heuristics

import (
	"sort"
	"time"
)

// EvictionDecision is the contraction outcome for one heuristic.
type EvictionDecision string

const (
	DecisionKeep    EvictionDecision = "keep"
	DecisionDormant EvictionDecision = "dormant"
	DecisionArchive EvictionDecision = "archive"
	DecisionEvict   EvictionDecision = "evict"
)

// ScoredHeuristic pairs a heuristic with its eviction score and decision.
type ScoredHeuristic struct {
	Heuristic *Heuristic
	Score     float64
	Decision  EvictionDecision
}

// EvictionScorer ranks heuristics for contraction.
//
// score = confidence * recency_factor * usage_factor. Low scores are the
// first contraction candidates; the decision tree is biased toward
// preservation (dormancy) over deletion, and golden entries are never
// candidates at all.
type EvictionScorer struct {
	params EvictionParams
}

// NewEvictionScorer creates a scorer with the given parameters.
func NewEvictionScorer(params EvictionParams) *EvictionScorer {
	return &EvictionScorer{params: params}
}

// Score computes the composite eviction score for one heuristic.
func (s *EvictionScorer) Score(h *Heuristic, now time.Time) float64 {
	return h.Confidence * recencyFactor(now.Sub(h.LastUsedAt)) * usageFactor(h.TimesValidated)
}

// recencyFactor is a step function of days since last use: near 1.0 within a
// week, decaying toward a low floor beyond 90 days.
func recencyFactor(sinceUse time.Duration) float64 {
	days := sinceUse.Hours() / 24
	switch {
	case days <= 7:
		return 1.0
	case days <= 30:
		return 0.8
	case days <= 90:
		return 0.5
	default:
		return 0.2
	}
}

// usageFactor is a step function of validation count.
func usageFactor(validations int) float64 {
	switch {
	case validations >= 10:
		return 1.2
	case validations >= 5:
		return 1.0
	case validations >= 2:
		return 0.8
	default:
		return 0.6
	}
}

// Decide applies the decision tree to one heuristic.
//
// Golden is always kept. The fallthrough is dormancy, not eviction: when no
// rule fires decisively the entry is preserved in a revivable state.
func (s *EvictionScorer) Decide(h *Heuristic, now time.Time) EvictionDecision {
	if h.Status == StatusGolden {
		return DecisionKeep
	}

	p := s.params
	if h.Confidence > p.KeepThreshold {
		return DecisionKeep
	}
	if h.TimesValidated >= p.DormancyValidations && h.Confidence >= p.DormancyFloor {
		return DecisionDormant
	}
	if now.Sub(h.LastUsedAt).Hours()/24 > p.ArchiveDays {
		return DecisionArchive
	}
	if s.Score(h, now) < p.EvictFloor {
		return DecisionEvict
	}
	return DecisionDormant
}

// Rank returns the non-golden heuristics ordered by ascending eviction score
// with their decisions attached. Golden entries are excluded entirely: they
// must never appear as eviction or archive candidates.
func (s *EvictionScorer) Rank(hs []*Heuristic, now time.Time) []ScoredHeuristic {
	scored := make([]ScoredHeuristic, 0, len(hs))
	for _, h := range hs {
		if h.Status == StatusGolden {
			continue
		}
		scored = append(scored, ScoredHeuristic{
			Heuristic: h,
			Score:     s.Score(h, now),
			Decision:  s.Decide(h, now),
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			return scored[i].Heuristic.ID < scored[j].Heuristic.ID
		}
		return scored[i].Score < scored[j].Score
	})
	return scored
}

// statusFor maps a decision to the resulting lifecycle status. Keep maps to
// active (no transition).
func (d EvictionDecision) statusFor() Status {
	switch d {
	case DecisionDormant:
		return StatusDormant
	case DecisionArchive:
		return StatusArchived
	case DecisionEvict:
		return StatusDeprecated
	default:
		return StatusActive
	}
}
