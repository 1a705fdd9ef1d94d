package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heuristd/internal/heuristics"
)

// HeuristicsService is the engine surface the HTTP layer needs.
type HeuristicsService interface {
	SubmitEvidence(ctx context.Context, heuristicID string, updateType heuristics.UpdateType, reason, sessionID string, force bool) (*heuristics.UpdateResult, error)
	SubmitCandidate(ctx context.Context, domain, ruleText string, confidence float64, validations int, noveltyHint *float64) (*heuristics.CandidateResult, error)
	GetHeuristic(ctx context.Context, id string) (*heuristics.Heuristic, error)
	ListHeuristics(ctx context.Context, domain string, status heuristics.Status) ([]*heuristics.Heuristic, error)
	GetDomainState(ctx context.Context, domain string) (*heuristics.DomainState, error)
	ListDomains(ctx context.Context) ([]string, error)
	ListDecisions(ctx context.Context, domain string) ([]*heuristics.DecisionRequest, error)
	DemoteGolden(ctx context.Context, heuristicID, reason string) error
	RunMaintenance(ctx context.Context) (*heuristics.MaintenanceReport, error)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// EvidenceRequest is the request body for POST /api/v1/evidence.
type EvidenceRequest struct {
	HeuristicID string `json:"heuristic_id"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	SessionID   string `json:"session_id"`
	Force       bool   `json:"force"`
}

// CandidateRequest is the request body for POST /api/v1/candidates.
type CandidateRequest struct {
	Domain      string   `json:"domain"`
	RuleText    string   `json:"rule_text"`
	Confidence  float64  `json:"confidence"`
	Validations int      `json:"validations"`
	Novelty     *float64 `json:"novelty,omitempty"`
}

// DemoteRequest is the request body for POST /api/v1/heuristics/:id/demote.
type DemoteRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleEvidence(c echo.Context) error {
	var req EvidenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.HeuristicID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "heuristic_id is required")
	}
	updateType := heuristics.UpdateType(req.Type)
	if !updateType.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown update type "+req.Type)
	}

	result, err := s.service.SubmitEvidence(c.Request().Context(), req.HeuristicID, updateType, req.Reason, req.SessionID, req.Force)
	if err != nil {
		return s.mapError(err)
	}

	s.metrics.UpdatesTotal.WithLabelValues(req.Type, strconv.FormatBool(result.Accepted)).Inc()
	if result.RateLimited {
		s.metrics.RateLimitedTotal.Inc()
		return c.JSON(http.StatusTooManyRequests, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCandidate(c echo.Context) error {
	var req CandidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.service.SubmitCandidate(c.Request().Context(), req.Domain, req.RuleText, req.Confidence, req.Validations, req.Novelty)
	if err != nil {
		return s.mapError(err)
	}

	s.metrics.CandidatesTotal.WithLabelValues(string(result.Outcome)).Inc()
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListDomains(c echo.Context) error {
	domains, err := s.service.ListDomains(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if domains == nil {
		domains = []string{}
	}
	return c.JSON(http.StatusOK, domains)
}

func (s *Server) handleGetDomain(c echo.Context) error {
	state, err := s.service.GetDomainState(c.Request().Context(), c.Param("domain"))
	if err != nil {
		return s.mapError(err)
	}

	s.metrics.DomainActive.WithLabelValues(state.Domain.Name).Set(float64(state.Domain.ActiveCount))
	s.metrics.DomainHealth.WithLabelValues(state.Domain.Name).Set(state.Domain.HealthScore)
	return c.JSON(http.StatusOK, state)
}

func (s *Server) handleListHeuristics(c echo.Context) error {
	status := heuristics.Status(c.QueryParam("status"))
	hs, err := s.service.ListHeuristics(c.Request().Context(), c.Param("domain"), status)
	if err != nil {
		return s.mapError(err)
	}
	if hs == nil {
		hs = []*heuristics.Heuristic{}
	}
	return c.JSON(http.StatusOK, hs)
}

func (s *Server) handleGetHeuristic(c echo.Context) error {
	h, err := s.service.GetHeuristic(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleDemote(c echo.Context) error {
	var req DemoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reason is required for demotion")
	}

	if err := s.service.DemoteGolden(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListDecisions(c echo.Context) error {
	decisions, err := s.service.ListDecisions(c.Request().Context(), c.QueryParam("domain"))
	if err != nil {
		return s.mapError(err)
	}
	if decisions == nil {
		decisions = []*heuristics.DecisionRequest{}
	}
	return c.JSON(http.StatusOK, decisions)
}

func (s *Server) handleRunMaintenance(c echo.Context) error {
	report, err := s.service.RunMaintenance(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}

	s.metrics.SweepDuration.Observe(report.Duration.Seconds())
	s.metrics.MergesTotal.Add(float64(report.Merges))
	s.metrics.EvictionsTotal.Add(float64(report.Contractions))
	s.metrics.PromotionsTotal.Add(float64(report.Promotions))
	s.metrics.RepairsTotal.Add(float64(report.Repairs))
	return c.JSON(http.StatusOK, report)
}

// mapError converts engine errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, heuristics.ErrHeuristicNotFound),
		errors.Is(err, heuristics.ErrDomainNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, heuristics.ErrEmptyDomain),
		errors.Is(err, heuristics.ErrEmptyRuleText),
		errors.Is(err, heuristics.ErrInvalidConfidence),
		errors.Is(err, heuristics.ErrInvalidUpdateType),
		errors.Is(err, heuristics.ErrNotGolden):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, heuristics.ErrMaintenanceRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
