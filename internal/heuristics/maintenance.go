package heuristics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrMaintenanceRunning is returned when a sweep is requested while the
// previous one is still in flight. Sweeps never overlap.
var ErrMaintenanceRunning = errors.New("maintenance sweep already running")

// MaintenanceReport summarizes one sweep.
type MaintenanceReport struct {
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	DomainsProcessed int           `json:"domains_processed"`
	Decayed          int           `json:"decayed"`
	Contractions     int           `json:"contractions"`
	Merges           int           `json:"merges"`
	Promotions       int           `json:"promotions"`
	Repairs          int           `json:"repairs"`
}

// MaintenanceScheduler drives the periodic self-correction sweep: decay of
// inactive heuristics, health recomputation, contraction of overflowing
// domains (merge before evict), golden promotion, and self-repair of cached
// domain counts against the heuristics table's ground truth.
//
// The sweep is single-flight: RunOnce refuses to overlap itself, and the
// background loop started by Start only ever has one sweep in progress.
// Each domain is processed as an independent, idempotent unit deriving state
// from stored counts, so a crash mid-sweep cannot corrupt capacity
// accounting; the next sweep simply recomputes and reconciles.
type MaintenanceScheduler struct {
	store    Store
	engine   *ConfidenceUpdateEngine
	capacity *DomainCapacityManager
	merger   *MergeEngine
	scorer   *EvictionScorer
	promoter *GoldenPromoter
	params   Params
	logger   *zap.Logger
	now      func() time.Time

	// mu protects running and stopCh.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	// sweepMu is the single-flight guard for RunOnce.
	sweepMu  sync.Mutex
	sweeping bool
}

// NewMaintenanceScheduler wires a scheduler over the shared components.
func NewMaintenanceScheduler(store Store, engine *ConfidenceUpdateEngine, capacity *DomainCapacityManager, merger *MergeEngine, params Params, logger *zap.Logger) (*MaintenanceScheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if capacity == nil {
		return nil, fmt.Errorf("capacity manager cannot be nil")
	}
	if merger == nil {
		return nil, fmt.Errorf("merge engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MaintenanceScheduler{
		store:    store,
		engine:   engine,
		capacity: capacity,
		merger:   merger,
		scorer:   NewEvictionScorer(params.Eviction),
		promoter: NewGoldenPromoter(params.Golden, logger),
		params:   params,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the background sweep loop. Idempotent in the sense that a
// second Start while running returns an error without spawning a goroutine.
func (s *MaintenanceScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("maintenance scheduler started",
		zap.Duration("interval", s.params.Maintenance.Interval),
	)
	go s.loop()
	return nil
}

// Stop signals the background loop to exit. Safe to call when not running.
func (s *MaintenanceScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	s.logger.Info("maintenance scheduler stopped")
}

func (s *MaintenanceScheduler) loop() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("maintenance loop panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.params.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrMaintenanceRunning) {
				s.logger.Error("maintenance sweep failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce executes a single sweep across all domains. The context is
// honored between domains: cancellation stops the sweep without leaving any
// domain half-processed.
func (s *MaintenanceScheduler) RunOnce(ctx context.Context) (*MaintenanceReport, error) {
	s.sweepMu.Lock()
	if s.sweeping {
		s.sweepMu.Unlock()
		return nil, ErrMaintenanceRunning
	}
	s.sweeping = true
	s.sweepMu.Unlock()
	defer func() {
		s.sweepMu.Lock()
		s.sweeping = false
		s.sweepMu.Unlock()
	}()

	start := s.now()
	report := &MaintenanceReport{StartedAt: start}

	domains, err := s.store.ListDomains(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}

	for _, domain := range domains {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("maintenance sweep interrupted",
				zap.String("next_domain", domain),
				zap.Error(err),
			)
			break
		}
		if err := s.processDomain(ctx, domain, report); err != nil {
			s.logger.Error("domain maintenance failed",
				zap.String("domain", domain),
				zap.Error(err),
			)
			continue
		}
		report.DomainsProcessed++
	}

	report.Duration = s.now().Sub(start)
	s.logger.Info("maintenance sweep completed",
		zap.Int("domains", report.DomainsProcessed),
		zap.Int("decayed", report.Decayed),
		zap.Int("contractions", report.Contractions),
		zap.Int("merges", report.Merges),
		zap.Int("promotions", report.Promotions),
		zap.Int("repairs", report.Repairs),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// processDomain runs the per-domain pipeline. Each step is its own
// transaction so an interrupted sweep resumes cleanly.
func (s *MaintenanceScheduler) processDomain(ctx context.Context, domain string, report *MaintenanceReport) error {
	if err := s.repairDomain(ctx, domain, report); err != nil {
		return fmt.Errorf("self-repair: %w", err)
	}
	if err := s.decayInactive(ctx, domain, report); err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	if err := s.refreshHealth(ctx, domain); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if err := s.contractDomain(ctx, domain, report); err != nil {
		return fmt.Errorf("contraction: %w", err)
	}
	if err := s.promoteQualifying(ctx, domain, report); err != nil {
		return fmt.Errorf("promotion: %w", err)
	}
	return nil
}

// repairDomain reconciles cached counts with the heuristics table and clamps
// any out-of-bounds confidence values. Corruption is healed and logged as a
// warning, never escalated into destructive action; the one exception is a
// Critical domain (active above the hard limit), which is forced back down.
func (s *MaintenanceScheduler) repairDomain(ctx context.Context, domain string, report *MaintenanceReport) error {
	return s.store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain(domain)
		if err != nil {
			return err
		}

		counts, err := tx.CountByStatus(domain)
		if err != nil {
			return err
		}

		if d.ActiveCount != counts[StatusActive] ||
			d.DormantCount != counts[StatusDormant] ||
			d.ArchivedCount != counts[StatusArchived] ||
			d.DeprecatedCount != counts[StatusDeprecated] {
			s.logger.Warn("domain count drift repaired",
				zap.String("domain", domain),
				zap.Int("cached_active", d.ActiveCount),
				zap.Int("actual_active", counts[StatusActive]),
			)
			d.ActiveCount = counts[StatusActive]
			d.DormantCount = counts[StatusDormant]
			d.ArchivedCount = counts[StatusArchived]
			d.DeprecatedCount = counts[StatusDeprecated]
			report.Repairs++
		}

		// Clamp corrupted confidence values back into bounds.
		for _, status := range []Status{StatusActive, StatusDormant} {
			hs, err := tx.ListByDomain(domain, status)
			if err != nil {
				return err
			}
			for _, h := range hs {
				lo, hi := s.params.Confidence.MinConfidence, s.params.Confidence.MaxConfidence
				if h.ConfidenceEMA < lo || h.ConfidenceEMA > hi || h.Confidence != h.ConfidenceEMA {
					s.logger.Warn("confidence out of bounds repaired",
						zap.String("heuristic_id", h.ID),
						zap.Float64("confidence_ema", h.ConfidenceEMA),
					)
					h.ConfidenceEMA = clamp(h.ConfidenceEMA, lo, hi)
					h.Confidence = h.ConfidenceEMA
					if err := tx.PutHeuristic(h); err != nil {
						return err
					}
					report.Repairs++
				}
			}
		}

		// Critical state can only come from external corruption: force
		// eviction back down to the hard limit.
		if d.ActiveCount > d.HardLimit {
			s.logger.Warn("domain above hard limit, forcing eviction",
				zap.String("domain", domain),
				zap.Int("active", d.ActiveCount),
				zap.Int("hard_limit", d.HardLimit),
			)
			actives, err := tx.ListByDomain(domain, StatusActive)
			if err != nil {
				return err
			}
			ranked := s.scorer.Rank(actives, s.now())
			for _, sc := range ranked {
				if d.ActiveCount <= d.HardLimit {
					break
				}
				if err := s.displace(tx, d, sc, "critical_forced_eviction", report); err != nil {
					return err
				}
				report.Repairs++
			}
		}

		s.capacity.applyCapacityState(d, s.now())
		return tx.PutDomain(d)
	})
}

// decayInactive applies time-decay to heuristics unused beyond the decay
// window. Decay is a direct multiplicative update (no EMA) through the
// engine's forced path so the cooldown does not block it; the minimum decay
// interval keeps back-to-back sweeps idempotent.
func (s *MaintenanceScheduler) decayInactive(ctx context.Context, domain string, report *MaintenanceReport) error {
	now := s.now()
	cutoff := now.Add(-time.Duration(s.params.Maintenance.DecayAfterDays * 24 * float64(time.Hour)))
	minInterval := now.Add(-s.params.Maintenance.MinDecayInterval)

	var stale []string
	for _, status := range []Status{StatusActive, StatusDormant} {
		hs, err := s.store.ListByDomain(ctx, domain, status)
		if err != nil {
			return err
		}
		for _, h := range hs {
			if h.LastUsedAt.Before(cutoff) && h.LastConfidenceUpdate.Before(minInterval) {
				stale = append(stale, h.ID)
			}
		}
	}

	for _, id := range stale {
		if _, err := s.engine.Apply(ctx, id, UpdateDecay, "maintenance time-decay", "maintenance", true); err != nil {
			return err
		}
		report.Decayed++
	}
	return nil
}

// refreshHealth recomputes the cached health score and capacity state.
func (s *MaintenanceScheduler) refreshHealth(ctx context.Context, domain string) error {
	return s.store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain(domain)
		if err != nil {
			return err
		}
		actives, err := tx.ListByDomain(domain, StatusActive)
		if err != nil {
			return err
		}
		d.HealthScore = s.capacity.HealthScore(d, actives, s.now())
		s.capacity.applyCapacityState(d, s.now())
		return tx.PutDomain(d)
	})
}

// contractDomain shrinks an overflowing domain past its grace period.
// Merging runs before eviction; reduction is gradual (roughly the
// pressure-scaled overflow per week) unless pressure has saturated, in which
// case the domain is snapped back to its soft limit.
func (s *MaintenanceScheduler) contractDomain(ctx context.Context, domain string, report *MaintenanceReport) error {
	return s.store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain(domain)
		if err != nil {
			return err
		}

		now := s.now()
		if d.State != CapacityOverflow {
			return nil
		}
		if d.DaysInOverflow(now) <= s.params.Capacity.GracePeriodDays {
			return nil
		}
		if !d.LastContractionAt.IsZero() && now.Sub(d.LastContractionAt) < s.params.Maintenance.MinContractionInterval {
			return nil
		}

		pressure := s.capacity.Pressure(d, now)
		overflow := d.ActiveCount - d.SoftLimit
		if overflow <= 0 || pressure <= 0 {
			return nil
		}

		var removals int
		if pressure >= 1 {
			// Urgent: past max overflow days, force back to the soft limit.
			removals = overflow
		} else {
			perWeek := pressure * float64(overflow)
			cycleWeeks := s.params.Maintenance.MinContractionInterval.Hours() / (7 * 24)
			removals = int(math.Ceil(perWeek * cycleWeeks))
			if removals < 1 {
				removals = 1
			}
			if removals > overflow {
				removals = overflow
			}
		}

		s.logger.Info("contracting domain",
			zap.String("domain", domain),
			zap.Float64("pressure", pressure),
			zap.Int("overflow", overflow),
			zap.Int("removals", removals),
		)

		removed := 0

		// Merge before evict: consolidation preserves validation history.
		for removed < removals {
			actives, err := tx.ListByDomain(domain, StatusActive)
			if err != nil {
				return err
			}
			a, b, sim, ok := s.merger.FindPair(actives)
			if !ok {
				break
			}
			if _, err := s.merger.Merge(tx, a, b, sim); err != nil {
				return err
			}
			before := d.ActiveCount
			d.ActiveCount--
			if err := tx.AppendExpansionEvent(&ExpansionEvent{
				ID:          uuid.New().String(),
				Domain:      domain,
				HeuristicID: a.ID,
				EventType:   EventMerge,
				CountBefore: before,
				CountAfter:  d.ActiveCount,
				HealthScore: d.HealthScore,
				Reason:      "contraction_merge",
				Timestamp:   now,
			}); err != nil {
				return err
			}
			report.Merges++
			removed++
		}

		// Evict the remainder, lowest scores first, preservation-biased.
		if removed < removals {
			actives, err := tx.ListByDomain(domain, StatusActive)
			if err != nil {
				return err
			}
			for _, sc := range s.scorer.Rank(actives, now) {
				if removed >= removals {
					break
				}
				if sc.Decision == DecisionKeep {
					// Scores only rise from here; nothing else is removable.
					break
				}
				if err := s.displace(tx, d, sc, "contraction_"+string(sc.Decision), report); err != nil {
					return err
				}
				removed++
			}
		}

		// At saturated pressure the keep-stop can leave the domain above its
		// soft limit with every remaining entry over the keep threshold.
		// Strong entries are never auto-evicted; the deadlock goes to the
		// operator queue instead. The contraction interval throttles
		// re-enqueueing while the domain stays blocked.
		if removed < removals && pressure >= 1 {
			if err := tx.EnqueueDecision(&DecisionRequest{
				ID:     uuid.New().String(),
				Domain: domain,
				Reason: fmt.Sprintf("contraction blocked: %d entries above keep threshold hold the domain over soft limit %d",
					d.ActiveCount-d.SoftLimit, d.SoftLimit),
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AppendExpansionEvent(&ExpansionEvent{
				ID:          uuid.New().String(),
				Domain:      domain,
				EventType:   EventContraction,
				CountBefore: d.ActiveCount,
				CountAfter:  d.ActiveCount,
				HealthScore: d.HealthScore,
				Reason:      "contraction_escalated",
				Timestamp:   now,
			}); err != nil {
				return err
			}
			s.logger.Warn("contraction blocked by strong entries, escalated to operator",
				zap.String("domain", domain),
				zap.Int("active", d.ActiveCount),
				zap.Int("soft_limit", d.SoftLimit),
			)
		}

		if removed > 0 {
			report.Contractions++
		}
		d.LastContractionAt = now
		s.capacity.applyCapacityState(d, now)
		return tx.PutDomain(d)
	})
}

// displace moves one heuristic out of the active pool per its eviction
// decision and records the contraction event.
func (s *MaintenanceScheduler) displace(tx Tx, d *DomainMetadata, sc ScoredHeuristic, reason string, report *MaintenanceReport) error {
	h := sc.Heuristic
	newStatus := sc.Decision.statusFor()
	if newStatus == StatusActive {
		newStatus = StatusDormant // preservation bias
	}
	h.Status = newStatus
	if err := tx.PutHeuristic(h); err != nil {
		return err
	}

	before := d.ActiveCount
	d.ActiveCount--
	switch newStatus {
	case StatusDormant:
		d.DormantCount++
	case StatusArchived:
		d.ArchivedCount++
	case StatusDeprecated:
		d.DeprecatedCount++
	}

	return tx.AppendExpansionEvent(&ExpansionEvent{
		ID:           uuid.New().String(),
		Domain:       d.Name,
		HeuristicID:  h.ID,
		EventType:    EventContraction,
		CountBefore:  before,
		CountAfter:   d.ActiveCount,
		QualityScore: sc.Score,
		HealthScore:  d.HealthScore,
		Reason:       reason,
		Timestamp:    s.now(),
	})
}

// promoteQualifying promotes every active heuristic that meets the golden
// bar. Already-golden entries are skipped, so repeated sweeps are no-ops.
func (s *MaintenanceScheduler) promoteQualifying(ctx context.Context, domain string, report *MaintenanceReport) error {
	return s.store.WithinTx(ctx, func(tx Tx) error {
		d, err := tx.GetDomain(domain)
		if err != nil {
			return err
		}
		actives, err := tx.ListByDomain(domain, StatusActive)
		if err != nil {
			return err
		}

		promoted := false
		for _, h := range actives {
			if !s.promoter.Qualifies(h) {
				continue
			}
			if err := s.promoter.Promote(tx, h, d); err != nil {
				return err
			}
			report.Promotions++
			promoted = true
		}
		if promoted {
			s.capacity.applyCapacityState(d, s.now())
			return tx.PutDomain(d)
		}
		return nil
	})
}
