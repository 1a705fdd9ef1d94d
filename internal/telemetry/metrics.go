// Package telemetry exposes Prometheus metrics for the heuristics engine.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metric instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	UpdatesTotal     *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	CandidatesTotal  *prometheus.CounterVec
	MergesTotal      prometheus.Counter
	EvictionsTotal   prometheus.Counter
	PromotionsTotal  prometheus.Counter
	RepairsTotal     prometheus.Counter
	SweepDuration    prometheus.Histogram
	DomainActive     *prometheus.GaugeVec
	DomainHealth     *prometheus.GaugeVec
}

// New creates the metric set on a fresh registry including the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "heuristd_confidence_updates_total",
			Help: "Confidence updates by type and acceptance.",
		}, []string{"type", "accepted"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heuristd_rate_limited_total",
			Help: "Evidence submissions denied by the rate limiter.",
		}),
		CandidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "heuristd_candidates_total",
			Help: "Candidate submissions by capacity outcome.",
		}, []string{"outcome"}),
		MergesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heuristd_merges_total",
			Help: "Heuristic consolidations performed.",
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heuristd_evictions_total",
			Help: "Heuristics displaced from the active pool by contraction.",
		}),
		PromotionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heuristd_golden_promotions_total",
			Help: "Promotions into the golden tier.",
		}),
		RepairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "heuristd_self_repairs_total",
			Help: "Cached-state corrections made by the maintenance sweep.",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "heuristd_maintenance_sweep_seconds",
			Help:    "Duration of maintenance sweeps.",
			Buckets: prometheus.DefBuckets,
		}),
		DomainActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "heuristd_domain_active_heuristics",
			Help: "Active heuristics per domain.",
		}, []string{"domain"}),
		DomainHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "heuristd_domain_health_score",
			Help: "Cached health score per domain.",
		}, []string{"domain"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
