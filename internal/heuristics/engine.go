package heuristics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpdateResult reports the outcome of one evidence submission.
type UpdateResult struct {
	// Accepted is true when the update was applied.
	Accepted bool `json:"accepted"`

	// RateLimited is true when the attempt was denied by the rate limiter.
	// Rate limiting is a typed outcome, not an error: the attempt is still
	// audited and the caller may retry later.
	RateLimited bool `json:"rate_limited"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`

	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	RawTarget     float64 `json:"raw_target"`
	Alpha         float64 `json:"alpha"`

	// SmoothingEffect is how much of the raw move the EMA suppressed:
	// (raw_target - old_ema) - (new_ema - old_ema).
	SmoothingEffect float64 `json:"smoothing_effect"`
}

// ConfidenceUpdateEngine applies evidence events to heuristics.
//
// Each apply runs as one transaction: load, rate-limit, compute the raw
// target, smooth through the alpha-selected EMA, bump counters, and write the
// audit row. A rejected attempt still produces an audit row (with
// rate_limited=true) and changes nothing else.
type ConfidenceUpdateEngine struct {
	store   Store
	limiter *RateLimiter
	alphas  *AlphaSelector
	params  ConfidenceParams
	logger  *zap.Logger
	now     func() time.Time
}

// NewConfidenceUpdateEngine creates an engine over the given store.
func NewConfidenceUpdateEngine(store Store, params Params, logger *zap.Logger) (*ConfidenceUpdateEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConfidenceUpdateEngine{
		store:   store,
		limiter: NewRateLimiter(params.RateLimit),
		alphas:  NewAlphaSelector(params.Alpha),
		params:  params.Confidence,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Apply processes one evidence event for a heuristic.
//
// force bypasses the rate limiter. It is the emergency-override path:
// operator-authorized only, still transactional, and audited with a distinct
// forced flag. Ordinary evidence submission must never set it.
func (e *ConfidenceUpdateEngine) Apply(ctx context.Context, heuristicID string, updateType UpdateType, reason, sessionID string, force bool) (*UpdateResult, error) {
	if !updateType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUpdateType, updateType)
	}

	var result *UpdateResult
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		var txErr error
		result, txErr = e.applyInTx(tx, heuristicID, updateType, reason, sessionID, force)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("confidence update",
		zap.String("heuristic_id", heuristicID),
		zap.String("type", string(updateType)),
		zap.Bool("accepted", result.Accepted),
		zap.Bool("rate_limited", result.RateLimited),
		zap.Float64("old", result.OldConfidence),
		zap.Float64("new", result.NewConfidence),
		zap.Float64("alpha", result.Alpha),
	)
	return result, nil
}

func (e *ConfidenceUpdateEngine) applyInTx(tx Tx, heuristicID string, updateType UpdateType, reason, sessionID string, force bool) (*UpdateResult, error) {
	now := e.now()

	h, err := tx.GetHeuristic(heuristicID)
	if err != nil {
		return nil, err
	}

	audit := &ConfidenceUpdateRecord{
		ID:            uuid.New().String(),
		HeuristicID:   h.ID,
		OldConfidence: h.ConfidenceEMA,
		NewConfidence: h.ConfidenceEMA,
		UpdateType:    updateType,
		Reason:        reason,
		SessionID:     sessionID,
		Forced:        force,
		Timestamp:     now,
	}

	// Golden and merged heuristics are frozen for ordinary evidence.
	if h.Status == StatusGolden || h.Status == StatusMerged {
		audit.Reason = fmt.Sprintf("rejected: heuristic is %s; %s", h.Status, reason)
		if err := tx.AppendUpdate(audit); err != nil {
			return nil, err
		}
		return &UpdateResult{
			Accepted:      false,
			Reason:        fmt.Sprintf("heuristic is %s and frozen", h.Status),
			OldConfidence: h.ConfidenceEMA,
			NewConfidence: h.ConfidenceEMA,
		}, nil
	}

	e.limiter.RollWindow(h, now)

	if !force {
		if decision := e.limiter.Check(h, now); !decision.Allowed {
			audit.RateLimited = true
			audit.Reason = fmt.Sprintf("rate limited: %s; %s", decision.Reason, reason)
			if err := tx.AppendUpdate(audit); err != nil {
				return nil, err
			}
			// No heuristic state is written on a denial; the window roll is
			// recomputed by the next accepted update.
			return &UpdateResult{
				Accepted:      false,
				RateLimited:   true,
				Reason:        decision.Reason,
				OldConfidence: h.ConfidenceEMA,
				NewConfidence: h.ConfidenceEMA,
			}, nil
		}
	}

	oldEMA := h.ConfidenceEMA
	rawTarget := e.rawTarget(h.ConfidenceEMA, updateType)

	var newEMA, alpha float64
	if updateType == UpdateDecay {
		// Time-decay is already deterministic and gradual; smoothing it
		// through the EMA would double-smooth. Direct assignment.
		alpha = 1.0
		newEMA = rawTarget
	} else {
		isIncrease := rawTarget > oldEMA
		alpha = e.alphas.Alpha(oldEMA, isIncrease, h.TotalApplications(), h.WarmupRemaining)
		newEMA = alpha*rawTarget + (1-alpha)*oldEMA
		// Defense in depth: the EMA of two in-bounds values is in bounds,
		// but clamp anyway.
		newEMA = clamp(newEMA, e.params.MinConfidence, e.params.MaxConfidence)

		if h.WarmupRemaining > 0 {
			h.WarmupRemaining--
		}
	}

	h.Confidence = newEMA
	h.ConfidenceEMA = newEMA
	h.EMAAlpha = alpha

	switch updateType {
	case UpdateSuccess:
		h.TimesValidated++
	case UpdateFailure:
		h.TimesViolated++
	case UpdateContradiction:
		h.TimesContradicted++
	case UpdateRevival:
		if h.Status == StatusDormant || h.Status == StatusArchived {
			h.Status = StatusActive
		}
	}

	// Decay is not a use: leaving LastUsedAt alone keeps the inactivity
	// clock running so the next sweep can decay again after the minimum
	// interval.
	if updateType != UpdateDecay {
		h.LastUsedAt = now
	}
	h.LastConfidenceUpdate = now
	if !force {
		h.UpdateCountToday++
	}

	if err := tx.PutHeuristic(h); err != nil {
		return nil, err
	}

	audit.NewConfidence = newEMA
	audit.RawTarget = rawTarget
	audit.DeltaRaw = rawTarget - oldEMA
	audit.DeltaSmoothed = newEMA - oldEMA
	audit.AlphaUsed = alpha
	if err := tx.AppendUpdate(audit); err != nil {
		return nil, err
	}

	return &UpdateResult{
		Accepted:        true,
		OldConfidence:   oldEMA,
		NewConfidence:   newEMA,
		RawTarget:       rawTarget,
		Alpha:           alpha,
		SmoothingEffect: (rawTarget - oldEMA) - (newEMA - oldEMA),
	}, nil
}

// rawTarget computes the unsmoothed target confidence for an update type.
// All targets are clamped to the configured bounds.
func (e *ConfidenceUpdateEngine) rawTarget(conf float64, updateType UpdateType) float64 {
	p := e.params
	var target float64
	switch updateType {
	case UpdateSuccess:
		target = conf + p.SuccessGain*(1-conf)
	case UpdateFailure:
		target = conf - p.FailurePenalty*conf
	case UpdateContradiction:
		target = conf - p.ContradictionPenalty*conf
	case UpdateDecay:
		target = conf * p.DecayRate
		if target < p.MinConfidence {
			target = p.MinConfidence
		}
	case UpdateRevival:
		target = conf
		if target < p.RevivalFloor {
			target = p.RevivalFloor
		}
	}
	return clamp(target, p.MinConfidence, p.MaxConfidence)
}
