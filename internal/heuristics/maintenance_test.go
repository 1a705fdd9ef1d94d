package heuristics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweepFixture(t *testing.T) (*Service, *MemoryStore, *time.Time) {
	t.Helper()

	store := NewMemoryStore()
	clock := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(store, DefaultParams(),
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	return svc, store, &clock
}

func seedDomain(t *testing.T, store *MemoryStore, d *DomainMetadata, hs ...*Heuristic) {
	t.Helper()
	require.NoError(t, store.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.PutDomain(d); err != nil {
			return err
		}
		for _, h := range hs {
			if err := tx.PutHeuristic(h); err != nil {
				return err
			}
		}
		return nil
	}))
}

func activeHeuristic(id string, confidence float64, lastUsed time.Time) *Heuristic {
	return &Heuristic{
		ID: id, Domain: "d", RuleText: "rule " + id,
		Confidence: confidence, ConfidenceEMA: confidence,
		TimesValidated: 5, Status: StatusActive,
		CreatedAt: lastUsed, LastUsedAt: lastUsed, LastConfidenceUpdate: lastUsed,
		ResetDate: "2026-08-24",
	}
}

func TestSweepDecaysInactiveHeuristics(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock

	stale := activeHeuristic("stale", 0.60, now.AddDate(0, 0, -20))
	fresh := activeHeuristic("fresh", 0.60, now.AddDate(0, 0, -2))
	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 20, HardLimit: 30, ActiveCount: 2,
		State: CapacityNormal, HealthScore: 1.0, LastActivityAt: now, CreatedAt: now,
	}, stale, fresh)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Decayed)

	got, err := store.GetHeuristic(context.Background(), "stale")
	require.NoError(t, err)
	assert.InDelta(t, 0.60*0.97, got.ConfidenceEMA, 1e-9)
	assert.Equal(t, now.AddDate(0, 0, -20), got.LastUsedAt, "decay is not a use")

	untouched, err := store.GetHeuristic(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, 0.60, untouched.ConfidenceEMA)

	// Immediately sweeping again changes nothing: the minimum decay interval
	// has not elapsed.
	report, err = svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Decayed)
	assert.Zero(t, report.Repairs)
	assert.Zero(t, report.Contractions)
}

func TestSweepContractsOverflowWithMergeFirst(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock
	recent := now.AddDate(0, 0, -2)

	similar1 := activeHeuristic("s1", 0.80, recent)
	similar1.RuleText = "batch small writes into one transaction"
	similar2 := activeHeuristic("s2", 0.80, recent)
	similar2.RuleText = "always batch small writes into one transaction"

	others := []*Heuristic{
		activeHeuristic("o1", 0.85, recent),
		activeHeuristic("o2", 0.85, recent),
		activeHeuristic("o3", 0.85, recent),
	}
	others[0].RuleText = "prefer covering indexes for range scans"
	others[1].RuleText = "retry transient network errors with backoff"
	others[2].RuleText = "cache invalidation must follow every write"

	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 3, HardLimit: 6, ActiveCount: 5,
		State: CapacityOverflow, EnteredOverflowAt: now.AddDate(0, 0, -10),
		HealthScore: 0.8, LastActivityAt: recent, CreatedAt: now.AddDate(0, 0, -30),
	}, append(others, similar1, similar2)...)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merges, "merge must be preferred over eviction")
	assert.Equal(t, 1, report.Contractions)

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 4, d.ActiveCount)
	assert.Equal(t, now, d.LastContractionAt)

	// Back-to-back sweep is a no-op: contraction is throttled.
	report, err = svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Merges)
	assert.Zero(t, report.Contractions)
}

func TestSweepEscalatesWhenStrongEntriesBlockUrgentContraction(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock
	recent := now.AddDate(0, 0, -2)

	texts := []string{
		"batch small writes into one transaction",
		"prefer covering indexes for range scans",
		"retry transient network errors with backoff",
		"cache invalidation must follow every write",
		"rotate credentials on a fixed schedule",
	}
	var hs []*Heuristic
	for i, id := range []string{"a", "b", "c", "e", "f"} {
		h := activeHeuristic(id, 0.90, recent)
		h.RuleText = texts[i]
		hs = append(hs, h)
	}
	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 3, HardLimit: 6, ActiveCount: 5,
		State: CapacityOverflow, EnteredOverflowAt: now.AddDate(0, 0, -40),
		HealthScore: 0.8, LastActivityAt: recent, CreatedAt: now.AddDate(0, 0, -60),
	}, hs...)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Merges)
	assert.Zero(t, report.Contractions, "strong entries must not be auto-evicted")

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 5, d.ActiveCount)

	decisions, err := store.ListDecisions(context.Background(), "d")
	require.NoError(t, err)
	require.Len(t, decisions, 1, "the deadlock must reach the operator queue")
	assert.False(t, decisions[0].Resolved)
	assert.Contains(t, decisions[0].Reason, "soft limit")

	// The contraction interval throttles re-enqueueing.
	_, err = svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	decisions, err = store.ListDecisions(context.Background(), "d")
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock
	recent := now.AddDate(0, 0, -1)

	hs := []*Heuristic{
		activeHeuristic("a", 0.6, recent),
		activeHeuristic("b", 0.6, recent),
		activeHeuristic("c", 0.6, recent),
		activeHeuristic("e", 0.6, recent),
	}
	for i, h := range hs {
		h.RuleText = []string{"first distinct rule", "second unrelated thing", "third other topic", "fourth separate idea"}[i]
	}
	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 3, HardLimit: 6, ActiveCount: 4,
		State: CapacityOverflow, EnteredOverflowAt: now.AddDate(0, 0, -5),
		HealthScore: 0.8, LastActivityAt: recent, CreatedAt: now.AddDate(0, 0, -30),
	}, hs...)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Contractions, "inside the grace period nothing contracts")

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 4, d.ActiveCount)
}

func TestSweepPromotesQualifyingHeuristics(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock
	recent := now.AddDate(0, 0, -1)

	proven := activeHeuristic("proven", 0.93, recent)
	proven.TimesValidated = 15
	ordinary := activeHeuristic("ordinary", 0.70, recent)

	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 20, HardLimit: 30, ActiveCount: 2,
		State: CapacityNormal, HealthScore: 1.0, LastActivityAt: recent, CreatedAt: now,
	}, proven, ordinary)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promotions)

	got, err := store.GetHeuristic(context.Background(), "proven")
	require.NoError(t, err)
	assert.Equal(t, StatusGolden, got.Status)

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 1, d.ActiveCount)

	// Already-golden entries are skipped on the next sweep.
	report, err = svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Promotions)
}

func TestSweepRepairsCountDrift(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock

	h := activeHeuristic("h1", 0.6, now.AddDate(0, 0, -1))
	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 20, HardLimit: 30,
		ActiveCount: 9, // drifted
		State:       CapacityNormal, HealthScore: 1.0, LastActivityAt: now, CreatedAt: now,
	}, h)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Repairs, 1)

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, 1, d.ActiveCount, "cache reconciled against the table")
}

func TestSweepForcesCriticalDomainBackToHardLimit(t *testing.T) {
	svc, store, clock := newSweepFixture(t)
	now := *clock
	recent := now.AddDate(0, 0, -1)

	var hs []*Heuristic
	texts := []string{"one rule here", "another idea there", "third unrelated topic", "fourth distinct subject"}
	for i, id := range []string{"a", "b", "c", "e"} {
		h := activeHeuristic(id, 0.45, recent)
		h.TimesValidated = 4
		h.RuleText = texts[i]
		hs = append(hs, h)
	}
	seedDomain(t, store, &DomainMetadata{
		Name: "d", SoftLimit: 1, HardLimit: 2, ActiveCount: 4,
		State: CapacityCritical, EnteredOverflowAt: now.AddDate(0, 0, -1),
		HealthScore: 0.5, LastActivityAt: recent, CreatedAt: now,
	}, hs...)

	_, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)

	d, err := store.GetDomain(context.Background(), "d")
	require.NoError(t, err)
	assert.LessOrEqual(t, d.ActiveCount, d.HardLimit)

	actives, err := store.ListByDomain(context.Background(), "d", StatusActive)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(actives), d.HardLimit)
}

func TestSchedulerStartStop(t *testing.T) {
	svc, _, _ := newSweepFixture(t)

	require.NoError(t, svc.Start())
	assert.Error(t, svc.Start(), "double start must fail")

	svc.Stop()
	svc.Stop() // idempotent

	require.NoError(t, svc.Start())
	svc.Stop()
}
