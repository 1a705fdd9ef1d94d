package heuristics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DomainState is the read-model snapshot returned for one domain.
type DomainState struct {
	Domain          *DomainMetadata `json:"domain"`
	Pressure        float64         `json:"pressure"`
	GoldenCount     int             `json:"golden_count"`
	PendingDecision int             `json:"pending_decisions"`
}

// Service is the high-level facade over the maintenance engine. It owns the
// confidence update engine, the capacity manager, the merge engine, the
// golden promoter, and the background maintenance scheduler, all sharing one
// store.
type Service struct {
	store     Store
	engine    *ConfidenceUpdateEngine
	capacity  *DomainCapacityManager
	merger    *MergeEngine
	promoter  *GoldenPromoter
	scheduler *MaintenanceScheduler
	params    Params
	logger    *zap.Logger
}

// ServiceOption configures optional service dependencies.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	detector NoveltyDetector
	logger   *zap.Logger
	now      func() time.Time
}

// WithNoveltyDetector replaces the default token-overlap detector, e.g. with
// an embedding-backed implementation.
func WithNoveltyDetector(d NoveltyDetector) ServiceOption {
	return func(o *serviceOptions) { o.detector = d }
}

// WithLogger sets the service logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) ServiceOption {
	return func(o *serviceOptions) { o.now = now }
}

// NewService wires the full engine over the given store.
func NewService(store Store, params Params, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	o := &serviceOptions{
		detector: NewTokenOverlapDetector(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	engine, err := NewConfidenceUpdateEngine(store, params, o.logger)
	if err != nil {
		return nil, fmt.Errorf("creating update engine: %w", err)
	}
	engine.now = o.now

	capacity, err := NewDomainCapacityManager(store, o.detector, params, o.logger)
	if err != nil {
		return nil, fmt.Errorf("creating capacity manager: %w", err)
	}
	capacity.now = o.now

	// The merge engine needs pairwise similarity. A detector that only scores
	// candidates falls back to token overlap for merging.
	similarity, ok := o.detector.(PairSimilarity)
	if !ok {
		similarity = NewTokenOverlapDetector()
	}
	merger := NewMergeEngine(similarity, params.Novelty, o.logger)
	merger.now = o.now

	promoter := NewGoldenPromoter(params.Golden, o.logger)
	promoter.now = o.now

	scheduler, err := NewMaintenanceScheduler(store, engine, capacity, merger, params, o.logger)
	if err != nil {
		return nil, fmt.Errorf("creating maintenance scheduler: %w", err)
	}
	scheduler.now = o.now

	return &Service{
		store:     store,
		engine:    engine,
		capacity:  capacity,
		merger:    merger,
		promoter:  promoter,
		scheduler: scheduler,
		params:    params,
		logger:    o.logger,
	}, nil
}

// Start launches the background maintenance scheduler.
func (s *Service) Start() error {
	return s.scheduler.Start()
}

// Stop halts the background scheduler. Safe to call multiple times.
func (s *Service) Stop() {
	s.scheduler.Stop()
}

// SubmitEvidence applies one confidence update to a heuristic. force bypasses
// the rate limiter for emergency corrections and is audited as such.
func (s *Service) SubmitEvidence(ctx context.Context, heuristicID string, updateType UpdateType, reason, sessionID string, force bool) (*UpdateResult, error) {
	return s.engine.Apply(ctx, heuristicID, updateType, reason, sessionID, force)
}

// SubmitCandidate offers a new rule to a domain and returns the capacity
// decision: accepted, rejected, merge suggested, or escalated.
func (s *Service) SubmitCandidate(ctx context.Context, domain, ruleText string, confidence float64, validations int, noveltyHint *float64) (*CandidateResult, error) {
	return s.capacity.SubmitCandidate(ctx, domain, ruleText, confidence, validations, noveltyHint)
}

// GetHeuristic returns one heuristic by id.
func (s *Service) GetHeuristic(ctx context.Context, id string) (*Heuristic, error) {
	return s.store.GetHeuristic(ctx, id)
}

// ListHeuristics returns heuristics in a domain filtered by status. An empty
// status lists the active set.
func (s *Service) ListHeuristics(ctx context.Context, domain string, status Status) ([]*Heuristic, error) {
	if status == "" {
		status = StatusActive
	}
	return s.store.ListByDomain(ctx, domain, status)
}

// GetDomainState returns the capacity snapshot for one domain.
func (s *Service) GetDomainState(ctx context.Context, domain string) (*DomainState, error) {
	d, err := s.store.GetDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	golden, err := s.store.ListByDomain(ctx, domain, StatusGolden)
	if err != nil {
		return nil, err
	}
	decisions, err := s.store.ListDecisions(ctx, domain)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, req := range decisions {
		if !req.Resolved {
			pending++
		}
	}

	return &DomainState{
		Domain:          d,
		Pressure:        s.capacity.Pressure(d, time.Now()),
		GoldenCount:     len(golden),
		PendingDecision: pending,
	}, nil
}

// ListDomains returns all known domain names.
func (s *Service) ListDomains(ctx context.Context) ([]string, error) {
	return s.store.ListDomains(ctx)
}

// ListDecisions returns the operator decision queue for a domain; an empty
// domain returns the whole queue.
func (s *Service) ListDecisions(ctx context.Context, domain string) ([]*DecisionRequest, error) {
	return s.store.ListDecisions(ctx, domain)
}

// DemoteGolden is the operator action that returns a golden heuristic to the
// active pool.
func (s *Service) DemoteGolden(ctx context.Context, heuristicID, reason string) error {
	return s.promoter.Demote(ctx, s.store, heuristicID, reason)
}

// RunMaintenance triggers one on-demand sweep. Returns
// ErrMaintenanceRunning when a sweep is already in flight.
func (s *Service) RunMaintenance(ctx context.Context) (*MaintenanceReport, error) {
	return s.scheduler.RunOnce(ctx)
}
