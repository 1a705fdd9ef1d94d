package heuristics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindPairRespectsThresholdAndGolden(t *testing.T) {
	merger := NewMergeEngine(NewTokenOverlapDetector(), DefaultParams().Novelty, nil)

	hs := []*Heuristic{
		{ID: "a", Status: StatusActive, RuleText: "use prepared statements for repeated queries"},
		{ID: "b", Status: StatusActive, RuleText: "always use prepared statements for repeated queries"},
		{ID: "c", Status: StatusActive, RuleText: "tune kernel socket buffer sizes"},
	}

	a, b, sim, ok := merger.FindPair(hs)
	require.True(t, ok)
	assert.GreaterOrEqual(t, sim, 0.6)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{a.ID, b.ID})

	// The same pair is skipped once one side is golden.
	hs[0].Status = StatusGolden
	_, _, _, ok = merger.FindPair(hs)
	assert.False(t, ok)
}

func TestMergeConsolidatesIntoSurvivor(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMergeEngine(NewTokenOverlapDetector(), DefaultParams().Novelty, nil)

	early := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	a := &Heuristic{
		ID: "a", Domain: "d", RuleText: "rule one",
		Confidence: 0.60, ConfidenceEMA: 0.60,
		TimesValidated: 2, TimesViolated: 1,
		Status: StatusActive, CreatedAt: early,
	}
	b := &Heuristic{
		ID: "b", Domain: "d", RuleText: "rule two",
		Confidence: 0.80, ConfidenceEMA: 0.80,
		TimesValidated: 8, TimesViolated: 0, TimesContradicted: 1,
		Status: StatusActive, CreatedAt: late,
		MergeParentIDs: []string{"older"},
	}

	var record *MergeRecord
	err := store.WithinTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.PutHeuristic(a))
		require.NoError(t, tx.PutHeuristic(b))
		var mergeErr error
		record, mergeErr = merger.Merge(tx, a, b, 0.7)
		return mergeErr
	})
	require.NoError(t, err)

	// b has more validations, so it survives.
	survivor, err := store.GetHeuristic(context.Background(), "b")
	require.NoError(t, err)
	absorbed, err := store.GetHeuristic(context.Background(), "a")
	require.NoError(t, err)

	// Validation-weighted confidence: (0.8*8 + 0.6*2) / 10.
	assert.InDelta(t, 0.76, survivor.Confidence, 1e-9)
	assert.Equal(t, survivor.Confidence, survivor.ConfidenceEMA)
	assert.Equal(t, 10, survivor.TimesValidated)
	assert.Equal(t, 1, survivor.TimesViolated)
	assert.Equal(t, 1, survivor.TimesContradicted)
	assert.Equal(t, early, survivor.CreatedAt, "survivor takes the earlier created_at")
	assert.Contains(t, survivor.MergeParentIDs, "a")
	assert.Contains(t, survivor.MergeParentIDs, "older")
	assert.Contains(t, survivor.RuleText, "Consolidated:")

	assert.Equal(t, StatusMerged, absorbed.Status)
	assert.Equal(t, "b", absorbed.MergedInto)

	require.NotNil(t, record)
	assert.Equal(t, "validation_weighted", record.Strategy)
	assert.ElementsMatch(t, []string{"a", "b"}, record.ParentIDs)
	require.Len(t, store.Merges(), 1)
}

func TestMergeRejectsCrossDomain(t *testing.T) {
	store := NewMemoryStore()
	merger := NewMergeEngine(NewTokenOverlapDetector(), DefaultParams().Novelty, nil)

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		a := &Heuristic{ID: "a", Domain: "x", Status: StatusActive}
		b := &Heuristic{ID: "b", Domain: "y", Status: StatusActive}
		_, err := merger.Merge(tx, a, b, 0.9)
		return err
	})
	assert.Error(t, err)
}
