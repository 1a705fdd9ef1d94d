package heuristics

import "time"

// Params collects every tunable used by the maintenance engine.
//
// Nothing in this file is a hard constant: the defaults below are starting
// points and the config package overrides them from YAML and environment.
type Params struct {
	Confidence  ConfidenceParams  `koanf:"confidence"`
	Alpha       AlphaParams       `koanf:"alpha"`
	RateLimit   RateLimitParams   `koanf:"rate_limit"`
	Novelty     NoveltyParams     `koanf:"novelty"`
	Capacity    CapacityParams    `koanf:"capacity"`
	Eviction    EvictionParams    `koanf:"eviction"`
	Golden      GoldenParams      `koanf:"golden"`
	Maintenance MaintenanceParams `koanf:"maintenance"`
}

// ConfidenceParams controls raw-target computation and bounds.
type ConfidenceParams struct {
	// MinConfidence and MaxConfidence bound every confidence value.
	MinConfidence float64 `koanf:"min_confidence"`
	MaxConfidence float64 `koanf:"max_confidence"`

	// SuccessGain (k_s): SUCCESS target is conf + k_s*(1-conf).
	SuccessGain float64 `koanf:"success_gain"`

	// FailurePenalty (k_f): FAILURE target is conf - k_f*conf.
	FailurePenalty float64 `koanf:"failure_penalty"`

	// ContradictionPenalty (k_c): like FailurePenalty but harsher (k_c > k_f).
	ContradictionPenalty float64 `koanf:"contradiction_penalty"`

	// DecayRate: DECAY target is max(conf*DecayRate, MinConfidence).
	DecayRate float64 `koanf:"decay_rate"`

	// RevivalFloor: REVIVAL target is max(conf, RevivalFloor).
	RevivalFloor float64 `koanf:"revival_floor"`

	// WarmupUpdates is the initial warmup_remaining for new heuristics.
	WarmupUpdates int `koanf:"warmup_updates"`
}

// AlphaParams defines the smoothing-factor bands used by the alpha selector.
type AlphaParams struct {
	// Warmup is the flat high alpha while warmup_remaining > 0.
	Warmup float64 `koanf:"warmup"`

	// High band: confidence above HighThreshold is hard to push further up
	// but stays responsive to failure.
	HighThreshold float64 `koanf:"high_threshold"`
	HighIncrease  float64 `koanf:"high_increase"`
	HighDecrease  float64 `koanf:"high_decrease"`

	// Low band: struggling entries get a recovery path (increase alpha above
	// decrease alpha).
	LowThreshold float64 `koanf:"low_threshold"`
	LowIncrease  float64 `koanf:"low_increase"`
	LowDecrease  float64 `koanf:"low_decrease"`

	// Mature band: stable mid alphas once enough evidence has accumulated,
	// asymmetric so trust is lost faster than it is gained.
	MaturityThreshold int     `koanf:"maturity_threshold"`
	MatureIncrease    float64 `koanf:"mature_increase"`
	MatureDecrease    float64 `koanf:"mature_decrease"`

	// Default is the moderate alpha when no band applies.
	Default float64 `koanf:"default"`
}

// RateLimitParams controls per-heuristic update throttling.
type RateLimitParams struct {
	// MaxUpdatesPerDay caps daily confidence updates per heuristic.
	MaxUpdatesPerDay int `koanf:"max_updates_per_day"`

	// Cooldown is the minimum gap between consecutive updates.
	Cooldown time.Duration `koanf:"cooldown"`
}

// NoveltyParams controls candidate classification and merge pairing.
type NoveltyParams struct {
	// NovelThreshold: novelty >= this is Novel.
	NovelThreshold float64 `koanf:"novel_threshold"`

	// RefinementThreshold: novelty in [this, NovelThreshold) is a merge
	// candidate; below it is a duplicate.
	RefinementThreshold float64 `koanf:"refinement_threshold"`

	// MergeSimilarity is the minimum pairwise similarity for the merge
	// engine to consolidate two existing heuristics.
	MergeSimilarity float64 `koanf:"merge_similarity"`
}

// CapacityParams controls domain acceptance and elasticity.
type CapacityParams struct {
	// DefaultSoftLimit and DefaultHardLimit seed newly created domains.
	DefaultSoftLimit int `koanf:"default_soft_limit"`
	DefaultHardLimit int `koanf:"default_hard_limit"`

	// Below the soft limit, candidates need only these minimums.
	AcceptMinConfidence  float64 `koanf:"accept_min_confidence"`
	AcceptMinValidations int     `koanf:"accept_min_validations"`

	// Between soft and hard limit, expansion needs the higher bars plus a
	// Novel classification and a healthy domain.
	ExpansionMinConfidence  float64 `koanf:"expansion_min_confidence"`
	ExpansionMinValidations int     `koanf:"expansion_min_validations"`
	HealthFloor             float64 `koanf:"health_floor"`

	// ExceptionalConfidence unlocks the emergency-swap path into an unhealthy
	// domain and the merge/dormancy path at the hard limit.
	ExceptionalConfidence float64 `koanf:"exceptional_confidence"`

	// Contraction window: only domains overflowing longer than the grace
	// period contract; past MaxOverflowDays pressure saturates at 1.
	GracePeriodDays float64 `koanf:"grace_period_days"`
	MaxOverflowDays float64 `koanf:"max_overflow_days"`

	// RecentActivityWindow feeds the recency component of the health score.
	RecentActivityWindow time.Duration `koanf:"recent_activity_window"`
}

// EvictionParams controls the keep/dormant/archive/evict decision tree.
type EvictionParams struct {
	// KeepThreshold: confidence above this is always kept.
	KeepThreshold float64 `koanf:"keep_threshold"`

	// Dormancy gate: enough validations and a confidence floor.
	DormancyValidations int     `koanf:"dormancy_validations"`
	DormancyFloor       float64 `koanf:"dormancy_floor"`

	// ArchiveDays: unused longer than this is archived.
	ArchiveDays float64 `koanf:"archive_days"`

	// EvictFloor: composite score below this is evicted (deprecated).
	EvictFloor float64 `koanf:"evict_floor"`
}

// GoldenParams controls promotion to the protected tier.
type GoldenParams struct {
	PromoteConfidence  float64 `koanf:"promote_confidence"`
	PromoteValidations int     `koanf:"promote_validations"`

	// PromoteRatio: with any violations, validated/violated must exceed this.
	PromoteRatio float64 `koanf:"promote_ratio"`
}

// MaintenanceParams controls the periodic sweep.
type MaintenanceParams struct {
	// Interval between sweeps.
	Interval time.Duration `koanf:"interval"`

	// DecayAfterDays: heuristics unused this long receive a decay update.
	DecayAfterDays float64 `koanf:"decay_after_days"`

	// MinDecayInterval throttles decay so back-to-back sweeps are idempotent.
	MinDecayInterval time.Duration `koanf:"min_decay_interval"`

	// MinContractionInterval throttles per-domain contraction the same way.
	MinContractionInterval time.Duration `koanf:"min_contraction_interval"`
}

// DefaultParams returns the documented starting defaults.
func DefaultParams() Params {
	return Params{
		Confidence: ConfidenceParams{
			MinConfidence:        0.05,
			MaxConfidence:        0.98,
			SuccessGain:          0.15,
			FailurePenalty:       0.20,
			ContradictionPenalty: 0.35,
			DecayRate:            0.97,
			RevivalFloor:         0.40,
			WarmupUpdates:        5,
		},
		Alpha: AlphaParams{
			Warmup:            0.30,
			HighThreshold:     0.80,
			HighIncrease:      0.05,
			HighDecrease:      0.15,
			LowThreshold:      0.30,
			LowIncrease:       0.25,
			LowDecrease:       0.10,
			MaturityThreshold: 20,
			MatureIncrease:    0.10,
			MatureDecrease:    0.20,
			Default:           0.20,
		},
		RateLimit: RateLimitParams{
			MaxUpdatesPerDay: 10,
			Cooldown:         5 * time.Minute,
		},
		Novelty: NoveltyParams{
			NovelThreshold:      0.6,
			RefinementThreshold: 0.4,
			MergeSimilarity:     0.6,
		},
		Capacity: CapacityParams{
			DefaultSoftLimit:        20,
			DefaultHardLimit:        30,
			AcceptMinConfidence:     0.30,
			AcceptMinValidations:    1,
			ExpansionMinConfidence:  0.70,
			ExpansionMinValidations: 3,
			HealthFloor:             0.50,
			ExceptionalConfidence:   0.90,
			GracePeriodDays:         7,
			MaxOverflowDays:         30,
			RecentActivityWindow:    7 * 24 * time.Hour,
		},
		Eviction: EvictionParams{
			KeepThreshold:       0.75,
			DormancyValidations: 3,
			DormancyFloor:       0.40,
			ArchiveDays:         90,
			EvictFloor:          0.15,
		},
		Golden: GoldenParams{
			PromoteConfidence:  0.90,
			PromoteValidations: 10,
			PromoteRatio:       5.0,
		},
		Maintenance: MaintenanceParams{
			Interval:               time.Hour,
			DecayAfterDays:         14,
			MinDecayInterval:       24 * time.Hour,
			MinContractionInterval: 24 * time.Hour,
		},
	}
}
