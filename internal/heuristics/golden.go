package heuristics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GoldenPromoter promotes proven heuristics into the protected tier.
//
// Promotion is a one-way gate guarded by high thresholds so the elastic
// expansion/contraction machinery cannot be gamed into promoting entries.
// Golden heuristics leave domain active-count accounting, are never eviction
// candidates, and their confidence is frozen until an operator demotes them.
type GoldenPromoter struct {
	params GoldenParams
	logger *zap.Logger
	now    func() time.Time
}

// NewGoldenPromoter creates a promoter with the given thresholds.
func NewGoldenPromoter(params GoldenParams, logger *zap.Logger) *GoldenPromoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoldenPromoter{params: params, logger: logger, now: time.Now}
}

// Qualifies reports whether an active heuristic meets the promotion bar.
func (p *GoldenPromoter) Qualifies(h *Heuristic) bool {
	if h.Status != StatusActive {
		return false
	}
	if h.Confidence < p.params.PromoteConfidence {
		return false
	}
	if h.TimesValidated < p.params.PromoteValidations {
		return false
	}
	if h.TimesViolated == 0 {
		return true
	}
	return float64(h.TimesValidated)/float64(h.TimesViolated) > p.params.PromoteRatio
}

// Promote transitions a qualifying heuristic to golden inside tx and
// adjusts the domain's active count. The caller persists the domain.
func (p *GoldenPromoter) Promote(tx Tx, h *Heuristic, d *DomainMetadata) error {
	now := p.now()
	h.Status = StatusGolden
	if err := tx.PutHeuristic(h); err != nil {
		return err
	}

	before := d.ActiveCount
	if d.ActiveCount > 0 {
		d.ActiveCount--
	}

	if err := tx.AppendExpansionEvent(&ExpansionEvent{
		ID:           uuid.New().String(),
		Domain:       d.Name,
		HeuristicID:  h.ID,
		EventType:    EventContraction,
		CountBefore:  before,
		CountAfter:   d.ActiveCount,
		QualityScore: h.Confidence,
		HealthScore:  d.HealthScore,
		Reason:       "golden_promotion",
		Timestamp:    now,
	}); err != nil {
		return err
	}

	p.logger.Info("promoted heuristic to golden",
		zap.String("heuristic_id", h.ID),
		zap.String("domain", h.Domain),
		zap.Float64("confidence", h.Confidence),
		zap.Int("validations", h.TimesValidated),
	)
	return nil
}

// Demote is the explicit operator action that returns a golden heuristic to
// the active pool. It re-enters capacity accounting and ordinary smoothing.
func (p *GoldenPromoter) Demote(ctx context.Context, store Store, heuristicID, reason string) error {
	return store.WithinTx(ctx, func(tx Tx) error {
		h, err := tx.GetHeuristic(heuristicID)
		if err != nil {
			return err
		}
		if h.Status != StatusGolden {
			return ErrNotGolden
		}

		d, err := tx.GetDomain(h.Domain)
		if err != nil {
			return err
		}

		now := p.now()
		h.Status = StatusActive
		h.LastConfidenceUpdate = now
		if err := tx.PutHeuristic(h); err != nil {
			return err
		}

		before := d.ActiveCount
		d.ActiveCount++
		d.LastActivityAt = now
		if err := tx.PutDomain(d); err != nil {
			return err
		}

		if err := tx.AppendExpansionEvent(&ExpansionEvent{
			ID:           uuid.New().String(),
			Domain:       d.Name,
			HeuristicID:  h.ID,
			EventType:    EventExpansion,
			CountBefore:  before,
			CountAfter:   d.ActiveCount,
			QualityScore: h.Confidence,
			HealthScore:  d.HealthScore,
			Reason:       "operator_demotion: " + reason,
			Timestamp:    now,
		}); err != nil {
			return err
		}

		p.logger.Warn("golden heuristic demoted by operator",
			zap.String("heuristic_id", h.ID),
			zap.String("domain", h.Domain),
			zap.String("reason", reason),
		)
		return nil
	})
}
