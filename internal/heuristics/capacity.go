package heuristics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CandidateOutcome classifies the result of a candidate submission.
type CandidateOutcome string

const (
	// CandidateAccepted: the heuristic was inserted.
	CandidateAccepted CandidateOutcome = "accepted"

	// CandidateRejected: the candidate did not qualify; nothing changed.
	CandidateRejected CandidateOutcome = "rejected"

	// CandidateMergeSuggested: the candidate overlaps an existing heuristic;
	// the caller should refine or merge rather than insert.
	CandidateMergeSuggested CandidateOutcome = "merge_suggested"

	// CandidateEscalated: the domain is at its hard limit with no merge or
	// dormancy candidate; the conflict was queued for an operator instead of
	// auto-evicting a comparably strong entry.
	CandidateEscalated CandidateOutcome = "escalated"
)

// CandidateResult reports the outcome of submit_candidate.
type CandidateResult struct {
	Outcome     CandidateOutcome `json:"outcome"`
	HeuristicID string           `json:"heuristic_id,omitempty"`
	ExistingID  string           `json:"existing_id,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Novelty     float64          `json:"novelty"`
	DomainState CapacityState    `json:"domain_state"`
	ActiveCount int              `json:"active_count"`
}

// DomainCapacityManager owns the per-domain capacity state machine.
//
// Normal (active <= soft) -> Overflow (soft < active <= hard) -> Critical
// (active > hard). The accept path can never reach Critical: it refuses to
// insert past the hard limit, so Critical only arises from external
// corruption and is forced back down by the maintenance sweep.
type DomainCapacityManager struct {
	store    Store
	detector NoveltyDetector
	scorer   *EvictionScorer
	params   Params
	logger   *zap.Logger
	now      func() time.Time
}

// NewDomainCapacityManager creates a capacity manager.
func NewDomainCapacityManager(store Store, detector NoveltyDetector, params Params, logger *zap.Logger) (*DomainCapacityManager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if detector == nil {
		detector = NewTokenOverlapDetector()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DomainCapacityManager{
		store:    store,
		detector: detector,
		scorer:   NewEvictionScorer(params.Eviction),
		params:   params,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SubmitCandidate runs the full acceptance contract for one candidate rule.
//
// noveltyHint, when non-nil, overrides the detector score; evidence
// producers that already computed a semantic similarity can pass it through.
func (m *DomainCapacityManager) SubmitCandidate(ctx context.Context, domain, ruleText string, confidence float64, validations int, noveltyHint *float64) (*CandidateResult, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if ruleText == "" {
		return nil, ErrEmptyRuleText
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, ErrInvalidConfidence
	}
	if validations < 0 {
		return nil, fmt.Errorf("validations cannot be negative")
	}

	var result *CandidateResult
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		var txErr error
		result, txErr = m.submitInTx(tx, domain, ruleText, confidence, validations, noveltyHint)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("candidate processed",
		zap.String("domain", domain),
		zap.String("outcome", string(result.Outcome)),
		zap.Float64("confidence", confidence),
		zap.Float64("novelty", result.Novelty),
		zap.Int("active_count", result.ActiveCount),
	)
	return result, nil
}

func (m *DomainCapacityManager) submitInTx(tx Tx, domain, ruleText string, confidence float64, validations int, noveltyHint *float64) (*CandidateResult, error) {
	now := m.now()

	d, err := m.ensureDomain(tx, domain, now)
	if err != nil {
		return nil, err
	}

	actives, err := tx.ListByDomain(domain, StatusActive)
	if err != nil {
		return nil, err
	}
	// Accept decisions derive the count from ground truth, not the cache.
	activeCount := len(actives)

	texts := make([]string, len(actives))
	for i, h := range actives {
		texts[i] = h.RuleText
	}
	novelty := m.detector.Score(ruleText, texts)
	if noveltyHint != nil {
		novelty.Novelty = clamp(*noveltyHint, 0, 1)
	}
	class := m.params.Novelty.Classify(novelty.Novelty)

	result := &CandidateResult{
		Novelty:     novelty.Novelty,
		DomainState: d.State,
		ActiveCount: activeCount,
	}
	mostSimilarID := ""
	if novelty.MostSimilarIndex >= 0 {
		mostSimilarID = actives[novelty.MostSimilarIndex].ID
	}

	// Duplicates are rejected regardless of capacity, pointing at the most
	// similar existing heuristic.
	if class == NoveltyDuplicate {
		result.Outcome = CandidateRejected
		result.ExistingID = mostSimilarID
		result.Reason = fmt.Sprintf("duplicate of existing heuristic (novelty %.2f)", novelty.Novelty)
		return result, nil
	}

	cp := m.params.Capacity
	switch {
	case activeCount < d.SoftLimit:
		if confidence < cp.AcceptMinConfidence || validations < cp.AcceptMinValidations {
			result.Outcome = CandidateRejected
			result.Reason = fmt.Sprintf("below acceptance thresholds (confidence %.2f < %.2f or validations %d < %d)",
				confidence, cp.AcceptMinConfidence, validations, cp.AcceptMinValidations)
			return result, nil
		}
		if class == NoveltyRefinement {
			result.Outcome = CandidateMergeSuggested
			result.ExistingID = mostSimilarID
			result.Reason = "overlaps an existing heuristic; merge suggested"
			return result, nil
		}
		return m.accept(tx, d, ruleText, confidence, novelty.Novelty, activeCount, "normal_accept", result)

	case activeCount < d.HardLimit:
		return m.submitOverflow(tx, d, ruleText, confidence, validations, novelty, class, mostSimilarID, actives, activeCount, result)

	default:
		return m.submitAtHardLimit(tx, d, ruleText, confidence, validations, novelty, mostSimilarID, actives, activeCount, result)
	}
}

// submitOverflow handles soft_limit <= active < hard_limit: expansion needs
// the higher bars, a Novel classification, and a healthy domain; unhealthy
// domains only admit exceptional candidates via an emergency swap.
func (m *DomainCapacityManager) submitOverflow(tx Tx, d *DomainMetadata, ruleText string, confidence float64, validations int, novelty NoveltyResult, class NoveltyClass, mostSimilarID string, actives []*Heuristic, activeCount int, result *CandidateResult) (*CandidateResult, error) {
	cp := m.params.Capacity
	now := m.now()

	if class == NoveltyRefinement {
		result.Outcome = CandidateMergeSuggested
		result.ExistingID = mostSimilarID
		result.Reason = "domain above soft limit; refinement should merge, not expand"
		return result, nil
	}

	healthy := d.HealthScore >= cp.HealthFloor

	if healthy {
		if confidence >= cp.ExpansionMinConfidence && validations >= cp.ExpansionMinValidations {
			return m.accept(tx, d, ruleText, confidence, novelty.Novelty, activeCount, "expansion", result)
		}
		result.Outcome = CandidateRejected
		result.Reason = fmt.Sprintf("expansion requires confidence >= %.2f and validations >= %d",
			cp.ExpansionMinConfidence, cp.ExpansionMinValidations)
		return result, nil
	}

	// Unhealthy domain: only exceptional candidates get in, and only by
	// swapping out the weakest existing entry first so the count stays flat.
	if confidence >= cp.ExceptionalConfidence {
		ranked := m.scorer.Rank(actives, now)
		if len(ranked) == 0 {
			result.Outcome = CandidateRejected
			result.Reason = "unhealthy domain has no swappable entry"
			return result, nil
		}
		target := ranked[0]
		victim := target.Heuristic
		victim.Status = target.Decision.statusFor()
		if victim.Status == StatusActive {
			// The scorer refused to displace anything; do not force it.
			result.Outcome = CandidateRejected
			result.Reason = "unhealthy domain and no eviction candidate below keep threshold"
			return result, nil
		}
		if err := tx.PutHeuristic(victim); err != nil {
			return nil, err
		}
		if err := tx.AppendExpansionEvent(&ExpansionEvent{
			ID:           uuid.New().String(),
			Domain:       d.Name,
			HeuristicID:  victim.ID,
			EventType:    EventContraction,
			CountBefore:  activeCount,
			CountAfter:   activeCount - 1,
			QualityScore: target.Score,
			HealthScore:  d.HealthScore,
			Reason:       "emergency_swap_displacement",
			Timestamp:    now,
		}); err != nil {
			return nil, err
		}
		m.logger.Warn("emergency swap into unhealthy domain",
			zap.String("domain", d.Name),
			zap.String("displaced", victim.ID),
			zap.Float64("candidate_confidence", confidence),
		)
		return m.accept(tx, d, ruleText, confidence, novelty.Novelty, activeCount-1, "emergency_swap", result)
	}

	result.Outcome = CandidateRejected
	result.Reason = fmt.Sprintf("domain health %.2f below floor %.2f; only exceptional candidates (>= %.2f) accepted",
		d.HealthScore, cp.HealthFloor, cp.ExceptionalConfidence)
	return result, nil
}

// submitAtHardLimit handles active == hard_limit. Nothing is inserted unless
// the candidate is exceptional and an existing entry can be merged away or
// made dormant; otherwise the conflict goes to the operator decision queue.
// Silently evicting a comparably strong entry is deliberately not automatic.
func (m *DomainCapacityManager) submitAtHardLimit(tx Tx, d *DomainMetadata, ruleText string, confidence float64, validations int, novelty NoveltyResult, mostSimilarID string, actives []*Heuristic, activeCount int, result *CandidateResult) (*CandidateResult, error) {
	cp := m.params.Capacity
	now := m.now()

	if confidence < cp.ExceptionalConfidence {
		result.Outcome = CandidateRejected
		result.Reason = fmt.Sprintf("domain at hard limit (%d); only exceptional candidates considered", d.HardLimit)
		return result, nil
	}

	// Prefer pointing the caller at a merge over touching existing entries.
	if novelty.MaxSimilarity >= m.params.Novelty.MergeSimilarity && mostSimilarID != "" {
		result.Outcome = CandidateMergeSuggested
		result.ExistingID = mostSimilarID
		result.Reason = "domain at hard limit; merge with the most similar heuristic"
		return result, nil
	}

	// A dormancy candidate frees a slot without losing anything.
	ranked := m.scorer.Rank(actives, now)
	for _, sc := range ranked {
		if sc.Decision != DecisionDormant && sc.Decision != DecisionArchive {
			continue
		}
		victim := sc.Heuristic
		victim.Status = sc.Decision.statusFor()
		if err := tx.PutHeuristic(victim); err != nil {
			return nil, err
		}
		if err := tx.AppendExpansionEvent(&ExpansionEvent{
			ID:           uuid.New().String(),
			Domain:       d.Name,
			HeuristicID:  victim.ID,
			EventType:    EventContraction,
			CountBefore:  activeCount,
			CountAfter:   activeCount - 1,
			QualityScore: sc.Score,
			HealthScore:  d.HealthScore,
			Reason:       "hard_limit_dormancy_swap",
			Timestamp:    now,
		}); err != nil {
			return nil, err
		}
		return m.accept(tx, d, ruleText, confidence, novelty.Novelty, activeCount-1, "hard_limit_swap", result)
	}

	// Capacity deadlock: escalate, never auto-resolve.
	req := &DecisionRequest{
		ID:          uuid.New().String(),
		Domain:      d.Name,
		RuleText:    ruleText,
		Confidence:  confidence,
		Validations: validations,
		Reason:      "hard limit reached with no merge or dormancy candidate",
		CreatedAt:   now,
	}
	if err := tx.EnqueueDecision(req); err != nil {
		return nil, err
	}
	m.logger.Warn("capacity deadlock escalated to decision queue",
		zap.String("domain", d.Name),
		zap.Float64("candidate_confidence", confidence),
	)
	result.Outcome = CandidateEscalated
	result.Reason = "escalated to operator decision queue"
	return result, nil
}

// accept inserts the candidate and updates domain accounting.
func (m *DomainCapacityManager) accept(tx Tx, d *DomainMetadata, ruleText string, confidence float64, noveltyScore float64, activeCount int, reason string, result *CandidateResult) (*CandidateResult, error) {
	now := m.now()

	h, err := NewHeuristic(d.Name, ruleText, confidence, m.params.Confidence.WarmupUpdates, now)
	if err != nil {
		return nil, err
	}
	h.Confidence = clamp(h.Confidence, m.params.Confidence.MinConfidence, m.params.Confidence.MaxConfidence)
	h.ConfidenceEMA = h.Confidence

	if err := tx.PutHeuristic(h); err != nil {
		return nil, err
	}

	d.ActiveCount = activeCount + 1
	d.LastActivityAt = now
	m.applyCapacityState(d, now)
	if err := tx.PutDomain(d); err != nil {
		return nil, err
	}

	if err := tx.AppendExpansionEvent(&ExpansionEvent{
		ID:           uuid.New().String(),
		Domain:       d.Name,
		HeuristicID:  h.ID,
		EventType:    EventExpansion,
		CountBefore:  activeCount,
		CountAfter:   d.ActiveCount,
		QualityScore: confidence,
		NoveltyScore: noveltyScore,
		HealthScore:  d.HealthScore,
		Reason:       reason,
		Timestamp:    now,
	}); err != nil {
		return nil, err
	}

	result.Outcome = CandidateAccepted
	result.HeuristicID = h.ID
	result.DomainState = d.State
	result.ActiveCount = d.ActiveCount
	return result, nil
}

// ensureDomain loads domain metadata, creating it with default limits on
// first use.
func (m *DomainCapacityManager) ensureDomain(tx Tx, name string, now time.Time) (*DomainMetadata, error) {
	d, err := tx.GetDomain(name)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrDomainNotFound) {
		return nil, err
	}

	d = &DomainMetadata{
		Name:        name,
		SoftLimit:   m.params.Capacity.DefaultSoftLimit,
		HardLimit:   m.params.Capacity.DefaultHardLimit,
		State:       CapacityNormal,
		HealthScore: 1.0,
		CreatedAt:   now,
	}
	if err := tx.PutDomain(d); err != nil {
		return nil, err
	}
	m.logger.Info("created domain",
		zap.String("domain", name),
		zap.Int("soft_limit", d.SoftLimit),
		zap.Int("hard_limit", d.HardLimit),
	)
	return d, nil
}

// applyCapacityState derives the capacity state purely from the active count
// and records the overflow entry timestamp on the Normal -> Overflow edge.
func (m *DomainCapacityManager) applyCapacityState(d *DomainMetadata, now time.Time) {
	switch {
	case d.ActiveCount > d.HardLimit:
		d.State = CapacityCritical
		if d.EnteredOverflowAt.IsZero() {
			d.EnteredOverflowAt = now
		}
	case d.ActiveCount > d.SoftLimit:
		if d.State != CapacityOverflow && d.State != CapacityCritical {
			d.EnteredOverflowAt = now
		}
		d.State = CapacityOverflow
	default:
		d.State = CapacityNormal
		d.EnteredOverflowAt = time.Time{}
	}
}

// Pressure is the 0-1 urgency of shrinking an overflowing domain.
func (m *DomainCapacityManager) Pressure(d *DomainMetadata, now time.Time) float64 {
	cp := m.params.Capacity
	if d.EnteredOverflowAt.IsZero() || cp.MaxOverflowDays <= cp.GracePeriodDays {
		return 0
	}
	days := d.DaysInOverflow(now)
	return clamp((days-cp.GracePeriodDays)/(cp.MaxOverflowDays-cp.GracePeriodDays), 0, 1)
}

// HealthScore computes the weighted domain quality score:
// average confidence, inverse utilization (penalized above 1.0), the
// non-deprecated ratio, and recency of domain activity.
func (m *DomainCapacityManager) HealthScore(d *DomainMetadata, actives []*Heuristic, now time.Time) float64 {
	avgConf := 0.0
	if len(actives) > 0 {
		for _, h := range actives {
			avgConf += h.Confidence
		}
		avgConf /= float64(len(actives))
	}

	utilization := 0.0
	if d.SoftLimit > 0 {
		utilization = float64(len(actives)) / float64(d.SoftLimit)
	}
	utilFactor := 1.0
	if utilization > 1.0 {
		utilFactor = clamp(2.0-utilization, 0, 1)
	}

	total := d.ActiveCount + d.DormantCount + d.ArchivedCount + d.DeprecatedCount
	nonDeprecated := 1.0
	if total > 0 {
		nonDeprecated = 1.0 - float64(d.DeprecatedCount)/float64(total)
	}

	recency := 0.0
	if !d.LastActivityAt.IsZero() {
		idle := now.Sub(d.LastActivityAt)
		window := m.params.Capacity.RecentActivityWindow
		if idle <= window {
			recency = 1.0
		} else if idle <= 4*window {
			recency = 1.0 - float64(idle-window)/float64(3*window)
		}
	}

	return clamp(0.4*avgConf+0.2*utilFactor+0.2*nonDeprecated+0.2*recency, 0, 1)
}
