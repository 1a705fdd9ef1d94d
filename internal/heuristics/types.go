package heuristics

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors for heuristic operations.
var (
	ErrHeuristicNotFound = errors.New("heuristic not found")
	ErrDomainNotFound    = errors.New("domain not found")
	ErrEmptyDomain       = errors.New("domain name cannot be empty")
	ErrEmptyRuleText     = errors.New("rule text cannot be empty")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrInvalidUpdateType = errors.New("unknown update type")
	ErrNotGolden         = errors.New("heuristic is not golden")
)

// UpdateType identifies the kind of evidence driving a confidence update.
type UpdateType string

const (
	// UpdateSuccess is recorded when the heuristic led to a correct outcome.
	UpdateSuccess UpdateType = "success"

	// UpdateFailure is recorded when the heuristic led to an incorrect outcome.
	UpdateFailure UpdateType = "failure"

	// UpdateContradiction is recorded when new evidence directly contradicts
	// the rule. Penalized harder than an ordinary failure.
	UpdateContradiction UpdateType = "contradiction"

	// UpdateDecay is the time-based confidence reduction applied by the
	// maintenance sweep to inactive heuristics. Bypasses EMA smoothing.
	UpdateDecay UpdateType = "decay"

	// UpdateRevival lifts a struggling heuristic back to a usable floor,
	// typically when a dormant entry proves useful again.
	UpdateRevival UpdateType = "revival"
)

// Valid reports whether t is a recognized update type.
func (t UpdateType) Valid() bool {
	switch t {
	case UpdateSuccess, UpdateFailure, UpdateContradiction, UpdateDecay, UpdateRevival:
		return true
	}
	return false
}

// Status represents the lifecycle state of a heuristic.
//
// Heuristics are never physically deleted. Eviction and soft-deletion are
// expressed as status transitions so the audit trail stays intact.
type Status string

const (
	// StatusActive heuristics count toward domain capacity and receive
	// ordinary confidence updates.
	StatusActive Status = "active"

	// StatusDormant heuristics are preserved and revivable but excluded from
	// the domain's active count.
	StatusDormant Status = "dormant"

	// StatusArchived heuristics have aged out through disuse.
	StatusArchived Status = "archived"

	// StatusDeprecated is the soft-delete state used for evicted entries.
	StatusDeprecated Status = "deprecated"

	// StatusGolden is the protected tier: capacity-exempt, frozen confidence,
	// never considered for eviction. Terminal except via operator demotion.
	StatusGolden Status = "golden"

	// StatusMerged marks a heuristic absorbed into a survivor by the merge
	// engine. Terminal except via operator action.
	StatusMerged Status = "merged"
)

// Heuristic is a learned rule with an evidence-driven confidence score.
//
// Confidence and ConfidenceEMA are kept equal: the smoothed EMA value is the
// authoritative confidence. EMAAlpha records the smoothing factor used by the
// most recent update and is informational only.
type Heuristic struct {
	// ID is the unique heuristic identifier (UUID).
	ID string `json:"id"`

	// Domain names the capacity-managed grouping that owns this heuristic.
	Domain string `json:"domain"`

	// RuleText is the learned rule itself.
	RuleText string `json:"rule_text"`

	// Confidence is the bounded, smoothed trust score.
	Confidence float64 `json:"confidence"`

	// ConfidenceEMA equals Confidence; see type comment.
	ConfidenceEMA float64 `json:"confidence_ema"`

	// EMAAlpha is the smoothing factor used by the last applied update.
	EMAAlpha float64 `json:"ema_alpha"`

	// WarmupRemaining counts down from the configured warmup length, one per
	// applied (not rejected) update. Never re-armed except by explicit reset.
	WarmupRemaining int `json:"warmup_remaining"`

	// Evidence counters.
	TimesValidated    int `json:"times_validated"`
	TimesViolated     int `json:"times_violated"`
	TimesContradicted int `json:"times_contradicted"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// MergeParentIDs records which prior heuristics this entry absorbed.
	MergeParentIDs []string `json:"merge_parent_ids,omitempty"`

	// MergedInto points at the survivor when Status is merged.
	MergedInto string `json:"merged_into,omitempty"`

	// CreatedAt is when the heuristic was accepted into the store.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is the most recent evidence touch.
	LastUsedAt time.Time `json:"last_used_at"`

	// LastConfidenceUpdate is when confidence last changed.
	LastConfidenceUpdate time.Time `json:"last_confidence_update"`

	// UpdateCountToday and ResetDate implement the daily rate limit.
	// ResetDate is the day (YYYY-MM-DD, UTC) the counter belongs to.
	UpdateCountToday int    `json:"update_count_today"`
	ResetDate        string `json:"reset_date"`
}

// TotalApplications returns the number of evidence events applied so far.
func (h *Heuristic) TotalApplications() int {
	return h.TimesValidated + h.TimesViolated + h.TimesContradicted
}

// CapacityState classifies a domain's position relative to its limits.
type CapacityState string

const (
	// CapacityNormal means active_count <= soft_limit.
	CapacityNormal CapacityState = "normal"

	// CapacityOverflow means soft_limit < active_count <= hard_limit.
	CapacityOverflow CapacityState = "overflow"

	// CapacityCritical means active_count > hard_limit. Unreachable via the
	// accept path; only external corruption can produce it, and maintenance
	// forces eviction back down to the hard limit.
	CapacityCritical CapacityState = "critical"
)

// DomainMetadata holds per-domain capacity state and cached counts.
//
// The counts are a cache of a count query over the heuristics table and must
// never diverge from it; the maintenance sweep recomputes and overwrites them
// on mismatch.
type DomainMetadata struct {
	// Name is the domain identifier, 1:1 owner of a set of heuristics.
	Name string `json:"name"`

	// SoftLimit is the elastic capacity target.
	SoftLimit int `json:"soft_limit"`

	// HardLimit is the absolute ceiling (>= SoftLimit).
	HardLimit int `json:"hard_limit"`

	// Cached status counts, self-healed against the heuristics table.
	ActiveCount     int `json:"active_count"`
	DormantCount    int `json:"dormant_count"`
	ArchivedCount   int `json:"archived_count"`
	DeprecatedCount int `json:"deprecated_count"`

	// State is derived purely from ActiveCount versus the limits.
	State CapacityState `json:"capacity_state"`

	// EnteredOverflowAt records the Normal -> Overflow transition. Zero when
	// the domain is not overflowing.
	EnteredOverflowAt time.Time `json:"entered_overflow_at,omitempty"`

	// HealthScore is a cached quality score in [0,1], recomputed periodically.
	HealthScore float64 `json:"health_score"`

	// LastActivityAt is the most recent accept or evidence touch in the domain.
	LastActivityAt time.Time `json:"last_activity_at"`

	// LastContractionAt throttles contraction to at most once per configured
	// interval so back-to-back sweeps are idempotent.
	LastContractionAt time.Time `json:"last_contraction_at,omitempty"`

	// CreatedAt is when the domain metadata row was created.
	CreatedAt time.Time `json:"created_at"`
}

// DaysInOverflow returns whole days since the domain entered overflow.
func (d *DomainMetadata) DaysInOverflow(now time.Time) float64 {
	if d.EnteredOverflowAt.IsZero() {
		return 0
	}
	return now.Sub(d.EnteredOverflowAt).Hours() / 24
}

// ConfidenceUpdateRecord is the append-only audit row written for every
// accepted or rejected confidence update attempt.
type ConfidenceUpdateRecord struct {
	ID            string     `json:"id"`
	HeuristicID   string     `json:"heuristic_id"`
	OldConfidence float64    `json:"old_confidence"`
	NewConfidence float64    `json:"new_confidence"`
	RawTarget     float64    `json:"raw_target"`
	DeltaRaw      float64    `json:"delta_raw"`
	DeltaSmoothed float64    `json:"delta_smoothed"`
	AlphaUsed     float64    `json:"alpha_used"`
	UpdateType    UpdateType `json:"update_type"`
	Reason        string     `json:"reason"`
	SessionID     string     `json:"session_id,omitempty"`
	RateLimited   bool       `json:"rate_limited"`
	Forced        bool       `json:"forced"`
	Timestamp     time.Time  `json:"timestamp"`
}

// MergeRecord is the append-only audit row created by the merge engine.
// Never mutated after creation.
type MergeRecord struct {
	ID              string    `json:"id"`
	MergedID        string    `json:"merged_heuristic_id"`
	ParentIDs       []string  `json:"parent_heuristic_ids"`
	SimilarityScore float64   `json:"similarity_score"`
	Strategy        string    `json:"strategy"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExpansionEventType classifies a capacity-state-changing decision.
type ExpansionEventType string

const (
	EventExpansion   ExpansionEventType = "expansion"
	EventContraction ExpansionEventType = "contraction"
	EventMerge       ExpansionEventType = "merge"
)

// ExpansionEvent is the append-only audit row for capacity decisions.
type ExpansionEvent struct {
	ID           string             `json:"id"`
	Domain       string             `json:"domain"`
	HeuristicID  string             `json:"heuristic_id,omitempty"`
	EventType    ExpansionEventType `json:"event_type"`
	CountBefore  int                `json:"count_before"`
	CountAfter   int                `json:"count_after"`
	QualityScore float64            `json:"quality_score"`
	NoveltyScore float64            `json:"novelty_score"`
	HealthScore  float64            `json:"health_score"`
	Reason       string             `json:"reason"`
	Timestamp    time.Time          `json:"timestamp"`
}

// DecisionRequest is a hard-limit escalation parked for a human operator.
//
// When a domain is at its hard limit and no merge or dormancy candidate
// exists, an exceptional candidate is never auto-admitted by evicting a
// comparably strong entry; the conflict is queued here instead.
type DecisionRequest struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	RuleText    string    `json:"rule_text"`
	Confidence  float64   `json:"confidence"`
	Validations int       `json:"validations"`
	Reason      string    `json:"reason"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewHeuristic creates an active heuristic with a generated UUID.
// ConfidenceEMA is initialized equal to Confidence. Counters start at zero:
// validations claimed at submission time gate acceptance but only evidence
// applied through the update engine is ever counted.
func NewHeuristic(domain, ruleText string, confidence float64, warmup int, now time.Time) (*Heuristic, error) {
	if domain == "" {
		return nil, ErrEmptyDomain
	}
	if ruleText == "" {
		return nil, ErrEmptyRuleText
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, ErrInvalidConfidence
	}

	return &Heuristic{
		ID:                   uuid.New().String(),
		Domain:               domain,
		RuleText:             ruleText,
		Confidence:           confidence,
		ConfidenceEMA:        confidence,
		WarmupRemaining:      warmup,
		Status:               StatusActive,
		CreatedAt:            now,
		LastUsedAt:           now,
		LastConfidenceUpdate: now,
		ResetDate:            now.UTC().Format("2006-01-02"),
	}, nil
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
