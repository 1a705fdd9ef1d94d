package heuristics

import (
	"fmt"
	"time"
)

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed bool
	Reason  string
}

// RateLimiter gates how often one heuristic may receive a confidence update.
//
// It is deliberately stateless: the counters live on the heuristic row and
// are read and written inside the same transaction as the confidence change,
// so there is no separate pre-check to race against.
type RateLimiter struct {
	params RateLimitParams
}

// NewRateLimiter creates a limiter with the given parameters.
func NewRateLimiter(params RateLimitParams) *RateLimiter {
	return &RateLimiter{params: params}
}

// Check evaluates the daily cap and cooldown for h at the given instant.
//
// RollWindow must have been applied to h first so a stale counter from a
// previous day does not deny today's first update.
func (r *RateLimiter) Check(h *Heuristic, now time.Time) RateDecision {
	if h.UpdateCountToday >= r.params.MaxUpdatesPerDay {
		return RateDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("daily update cap reached (%d/%d)", h.UpdateCountToday, r.params.MaxUpdatesPerDay),
		}
	}

	if !h.LastConfidenceUpdate.IsZero() {
		next := h.LastConfidenceUpdate.Add(r.params.Cooldown)
		if now.Before(next) {
			return RateDecision{
				Allowed: false,
				Reason:  fmt.Sprintf("cooldown active until %s", next.UTC().Format(time.RFC3339)),
			}
		}
	}

	return RateDecision{Allowed: true}
}

// RollWindow resets the daily counter when reset_date has rolled past.
func (r *RateLimiter) RollWindow(h *Heuristic, now time.Time) {
	today := now.UTC().Format("2006-01-02")
	if h.ResetDate != today {
		h.ResetDate = today
		h.UpdateCountToday = 0
	}
}
