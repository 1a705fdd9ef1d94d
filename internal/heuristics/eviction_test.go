package heuristics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvictionScoreFactors(t *testing.T) {
	scorer := NewEvictionScorer(DefaultParams().Eviction)
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		confidence  float64
		daysIdle    int
		validations int
		want        float64
	}{
		{"fresh and proven", 0.8, 3, 12, 0.8 * 1.0 * 1.2},
		{"month idle, moderate usage", 0.6, 20, 5, 0.6 * 0.8 * 1.0},
		{"quarter idle, light usage", 0.5, 60, 2, 0.5 * 0.5 * 0.8},
		{"stale and unused", 0.4, 120, 0, 0.4 * 0.2 * 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Heuristic{
				Confidence:     tt.confidence,
				LastUsedAt:     now.AddDate(0, 0, -tt.daysIdle),
				TimesValidated: tt.validations,
			}
			assert.InDelta(t, tt.want, scorer.Score(h, now), 1e-9)
		})
	}
}

func TestEvictionDecisionTree(t *testing.T) {
	scorer := NewEvictionScorer(DefaultParams().Eviction)
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		h    *Heuristic
		want EvictionDecision
	}{
		{
			"golden always kept",
			&Heuristic{Status: StatusGolden, Confidence: 0.1, LastUsedAt: now.AddDate(-1, 0, 0)},
			DecisionKeep,
		},
		{
			"high confidence kept",
			&Heuristic{Status: StatusActive, Confidence: 0.80, LastUsedAt: now},
			DecisionKeep,
		},
		{
			"validated mid-confidence goes dormant",
			&Heuristic{Status: StatusActive, Confidence: 0.50, TimesValidated: 4, LastUsedAt: now},
			DecisionDormant,
		},
		{
			"long unused archived",
			&Heuristic{Status: StatusActive, Confidence: 0.50, TimesValidated: 1, LastUsedAt: now.AddDate(0, 0, -120)},
			DecisionArchive,
		},
		{
			"worthless evicted",
			&Heuristic{Status: StatusActive, Confidence: 0.10, TimesValidated: 0, LastUsedAt: now.AddDate(0, 0, -40)},
			DecisionEvict,
		},
		{
			"fallthrough preserves as dormant",
			&Heuristic{Status: StatusActive, Confidence: 0.50, TimesValidated: 1, LastUsedAt: now},
			DecisionDormant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scorer.Decide(tt.h, now))
		})
	}
}

func TestRankExcludesGoldenAndSortsAscending(t *testing.T) {
	scorer := NewEvictionScorer(DefaultParams().Eviction)
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	hs := []*Heuristic{
		{ID: "strong", Status: StatusActive, Confidence: 0.9, TimesValidated: 15, LastUsedAt: now},
		{ID: "golden", Status: StatusGolden, Confidence: 0.99, TimesValidated: 20, LastUsedAt: now},
		{ID: "weak", Status: StatusActive, Confidence: 0.2, TimesValidated: 0, LastUsedAt: now.AddDate(0, 0, -100)},
		{ID: "mid", Status: StatusActive, Confidence: 0.5, TimesValidated: 5, LastUsedAt: now.AddDate(0, 0, -10)},
	}

	ranked := scorer.Rank(hs, now)
	assert.Len(t, ranked, 3, "golden entries must never be ranked")
	assert.Equal(t, "weak", ranked[0].Heuristic.ID)
	assert.Equal(t, "mid", ranked[1].Heuristic.ID)
	assert.Equal(t, "strong", ranked[2].Heuristic.ID)
	for _, sc := range ranked {
		assert.NotEqual(t, StatusGolden, sc.Heuristic.Status)
	}
}
