package heuristics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallCapacityParams() Params {
	p := DefaultParams()
	p.Capacity.DefaultSoftLimit = 3
	p.Capacity.DefaultHardLimit = 5
	return p
}

func newTestManager(t *testing.T) (*DomainCapacityManager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	m, err := NewDomainCapacityManager(store, nil, smallCapacityParams(), nil)
	require.NoError(t, err)
	return m, store
}

func noveltyHint(v float64) *float64 { return &v }

func TestSubmitCandidateCreatesDomainAndAccepts(t *testing.T) {
	m, store := newTestManager(t)

	result, err := m.SubmitCandidate(context.Background(), "sql", "prefer covering indexes for range scans", 0.5, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, CandidateAccepted, result.Outcome)
	assert.NotEmpty(t, result.HeuristicID)
	assert.Equal(t, 1, result.ActiveCount)

	d, err := store.GetDomain(context.Background(), "sql")
	require.NoError(t, err)
	assert.Equal(t, 3, d.SoftLimit)
	assert.Equal(t, 5, d.HardLimit)
	assert.Equal(t, CapacityNormal, d.State)

	// Submission-time validations gate acceptance but never seed the counter:
	// only evidence applied through the update engine is counted.
	h, err := store.GetHeuristic(context.Background(), result.HeuristicID)
	require.NoError(t, err)
	assert.Zero(t, h.TimesValidated)
	assert.Equal(t, DefaultParams().Confidence.WarmupUpdates, h.WarmupRemaining)
}

func TestSubmitCandidateValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SubmitCandidate(ctx, "", "rule", 0.5, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyDomain)

	_, err = m.SubmitCandidate(ctx, "d", "", 0.5, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyRuleText)

	_, err = m.SubmitCandidate(ctx, "d", "rule", 1.5, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidConfidence)

	_, err = m.SubmitCandidate(ctx, "d", "rule", 0.5, -1, nil)
	assert.Error(t, err)
}

func TestSubmitCandidateRejectsBelowThresholds(t *testing.T) {
	m, _ := newTestManager(t)

	result, err := m.SubmitCandidate(context.Background(), "sql", "some rule text here", 0.2, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, result.Outcome)
	assert.Contains(t, result.Reason, "below acceptance thresholds")
}

func TestSubmitCandidateRejectsDuplicate(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.SubmitCandidate(ctx, "sql", "always use prepared statements for repeated queries", 0.6, 2, nil)
	require.NoError(t, err)
	require.Equal(t, CandidateAccepted, first.Outcome)

	dup, err := m.SubmitCandidate(ctx, "sql", "use prepared statements for repeated queries", 0.6, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, dup.Outcome)
	assert.Equal(t, first.HeuristicID, dup.ExistingID)
	assert.Contains(t, dup.Reason, "duplicate")
}

func TestSubmitCandidateSuggestsMergeForRefinement(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.SubmitCandidate(ctx, "sql", "index foreign keys used in joins", 0.6, 2, nil)
	require.NoError(t, err)

	result, err := m.SubmitCandidate(ctx, "sql", "another rule entirely", 0.6, 2, noveltyHint(0.5))
	require.NoError(t, err)
	assert.Equal(t, CandidateMergeSuggested, result.Outcome)
	assert.Equal(t, first.HeuristicID, result.ExistingID)
}

func TestSubmitCandidateHintedDuplicatePointsAtExisting(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.SubmitCandidate(ctx, "sql", "index foreign keys used in joins", 0.6, 2, nil)
	require.NoError(t, err)
	require.Equal(t, CandidateAccepted, first.Outcome)

	// The hint forces a duplicate even though the token overlap is zero; the
	// rejection must still point at the closest existing heuristic.
	dup, err := m.SubmitCandidate(ctx, "sql", "completely unrelated wording here", 0.6, 2, noveltyHint(0.2))
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, dup.Outcome)
	assert.Equal(t, first.HeuristicID, dup.ExistingID)
}

func fillDomain(t *testing.T, m *DomainCapacityManager, domain string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		result, err := m.SubmitCandidate(context.Background(), domain,
			fmt.Sprintf("distinct rule number %d about topic %d", i, i*7), 0.85, 5, noveltyHint(0.9))
		require.NoError(t, err)
		require.Equal(t, CandidateAccepted, result.Outcome, "seed candidate %d", i)
	}
}

func TestOverflowRequiresExpansionBars(t *testing.T) {
	m, store := newTestManager(t)
	fillDomain(t, m, "sql", 3)

	// Above the soft limit a mediocre candidate cannot expand the domain.
	rejected, err := m.SubmitCandidate(context.Background(), "sql", "mediocre new rule", 0.45, 1, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, rejected.Outcome)

	// A proven novel one can.
	accepted, err := m.SubmitCandidate(context.Background(), "sql", "strong novel rule", 0.80, 5, noveltyHint(0.85))
	require.NoError(t, err)
	assert.Equal(t, CandidateAccepted, accepted.Outcome)
	assert.Equal(t, 4, accepted.ActiveCount)

	d, err := store.GetDomain(context.Background(), "sql")
	require.NoError(t, err)
	assert.Equal(t, CapacityOverflow, d.State)
	assert.False(t, d.EnteredOverflowAt.IsZero(), "overflow entry must be timestamped")
}

func TestUnhealthyOverflowOnlyAdmitsExceptionalViaSwap(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	fillDomain(t, m, "sql", 3)

	// One weak entry that the scorer will displace.
	require.NoError(t, store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain("sql")
		if err != nil {
			return err
		}
		weak := &Heuristic{
			ID: "weak", Domain: "sql", RuleText: "weak stale rule",
			Confidence: 0.35, ConfidenceEMA: 0.35, TimesValidated: 4,
			Status:     StatusActive,
			CreatedAt:  time.Now().AddDate(0, 0, -60),
			LastUsedAt: time.Now().AddDate(0, 0, -60),
		}
		if err := tx.PutHeuristic(weak); err != nil {
			return err
		}
		d.ActiveCount++
		d.State = CapacityOverflow
		d.HealthScore = 0.30
		return tx.PutDomain(d)
	}))

	// Good but not exceptional: rejected outright.
	rejected, err := m.SubmitCandidate(ctx, "sql", "merely good novel rule", 0.80, 5, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, rejected.Outcome)
	assert.Contains(t, rejected.Reason, "health")

	// Exceptional: admitted by swapping out the weakest entry, count flat.
	swapped, err := m.SubmitCandidate(ctx, "sql", "exceptional replacement rule", 0.95, 8, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateAccepted, swapped.Outcome)
	assert.Equal(t, 4, swapped.ActiveCount)

	displaced, err := store.GetHeuristic(ctx, "weak")
	require.NoError(t, err)
	assert.NotEqual(t, StatusActive, displaced.Status)
}

func TestHardLimitEscalatesWhenNothingSwappable(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	fillDomain(t, m, "sql", 5)

	// Non-exceptional: flat rejection.
	rejected, err := m.SubmitCandidate(ctx, "sql", "ordinary new rule", 0.80, 5, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateRejected, rejected.Outcome)
	assert.Contains(t, rejected.Reason, "hard limit")

	// Exceptional with all existing entries strong: queued for an operator,
	// never auto-evicted.
	escalated, err := m.SubmitCandidate(ctx, "sql", "exceptional but no room", 0.95, 10, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateEscalated, escalated.Outcome)

	decisions, err := store.ListDecisions(ctx, "sql")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Resolved)

	d, err := store.GetDomain(ctx, "sql")
	require.NoError(t, err)
	assert.Equal(t, 5, d.ActiveCount, "hard limit must hold")
}

func TestHardLimitSwapsOutDormancyCandidate(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	fillDomain(t, m, "sql", 4)

	// Fifth slot: a weak entry eligible for dormancy.
	require.NoError(t, store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain("sql")
		if err != nil {
			return err
		}
		weak := &Heuristic{
			ID: "weak", Domain: "sql", RuleText: "weak old rule",
			Confidence: 0.45, ConfidenceEMA: 0.45, TimesValidated: 4,
			Status:     StatusActive,
			CreatedAt:  time.Now().AddDate(0, 0, -30),
			LastUsedAt: time.Now().AddDate(0, 0, -30),
		}
		if err := tx.PutHeuristic(weak); err != nil {
			return err
		}
		d.ActiveCount++
		d.State = CapacityOverflow
		return tx.PutDomain(d)
	}))

	result, err := m.SubmitCandidate(ctx, "sql", "exceptional incoming rule", 0.95, 10, noveltyHint(0.9))
	require.NoError(t, err)
	assert.Equal(t, CandidateAccepted, result.Outcome)
	assert.Equal(t, 5, result.ActiveCount, "swap keeps the count at the hard limit")

	displaced, err := store.GetHeuristic(ctx, "weak")
	require.NoError(t, err)
	assert.Equal(t, StatusDormant, displaced.Status)
}

func TestActiveCountNeverExceedsHardLimit(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.SubmitCandidate(ctx, "sql",
			fmt.Sprintf("unique strong rule %d about subject %d", i, i*13), 0.95, 10, noveltyHint(0.9))
		require.NoError(t, err)

		d, err := store.GetDomain(ctx, "sql")
		require.NoError(t, err)
		assert.LessOrEqual(t, d.ActiveCount, d.HardLimit)

		actives, err := store.ListByDomain(ctx, "sql", StatusActive)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(actives), d.HardLimit)
	}
}
