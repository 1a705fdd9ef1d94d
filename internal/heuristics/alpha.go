package heuristics

// AlphaSelector maps the state of a heuristic and the direction of an update
// to an EMA smoothing factor.
//
// The bands are checked in priority order: warmup, high confidence, low
// confidence, maturity, default. The deliberate asymmetry (increase alphas
// below decrease alphas outside the low band) is the core anti-gaming
// property: repeated success events at a fixed cadence converge sub-linearly
// toward the cap instead of compounding into rapid inflation, while genuine
// failures still move confidence quickly.
type AlphaSelector struct {
	params AlphaParams
}

// NewAlphaSelector creates a selector with the given band parameters.
func NewAlphaSelector(params AlphaParams) *AlphaSelector {
	return &AlphaSelector{params: params}
}

// Alpha returns the smoothing factor in (0, 1] for one update.
//
// isIncrease must be computed as raw_target > confidence_ema by the caller;
// the selector itself is a pure function of its arguments.
func (s *AlphaSelector) Alpha(confidence float64, isIncrease bool, totalApplications, warmupRemaining int) float64 {
	p := s.params

	// Warmup: fast initial convergence for brand-new heuristics.
	if warmupRemaining > 0 {
		return p.Warmup
	}

	// High confidence: hard to move further up, still responsive to failure.
	if confidence > p.HighThreshold {
		if isIncrease {
			return p.HighIncrease
		}
		return p.HighDecrease
	}

	// Low confidence: recovery path for struggling entries.
	if confidence < p.LowThreshold {
		if isIncrease {
			return p.LowIncrease
		}
		return p.LowDecrease
	}

	// Mature: stable mid alphas, trust lost faster than gained.
	if totalApplications >= p.MaturityThreshold {
		if isIncrease {
			return p.MatureIncrease
		}
		return p.MatureDecrease
	}

	return p.Default
}
