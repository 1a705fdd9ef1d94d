package heuristics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterDailyCap(t *testing.T) {
	limiter := NewRateLimiter(RateLimitParams{MaxUpdatesPerDay: 3, Cooldown: 0})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	h := &Heuristic{ResetDate: "2026-08-24", UpdateCountToday: 2}
	assert.True(t, limiter.Check(h, now).Allowed)

	h.UpdateCountToday = 3
	decision := limiter.Check(h, now)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "daily update cap")
}

func TestRateLimiterCooldown(t *testing.T) {
	limiter := NewRateLimiter(RateLimitParams{MaxUpdatesPerDay: 10, Cooldown: 5 * time.Minute})
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	h := &Heuristic{
		ResetDate:            "2026-08-24",
		LastConfidenceUpdate: now.Add(-2 * time.Minute),
	}
	decision := limiter.Check(h, now)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "cooldown")

	h.LastConfidenceUpdate = now.Add(-6 * time.Minute)
	assert.True(t, limiter.Check(h, now).Allowed)
}

func TestRateLimiterWindowRoll(t *testing.T) {
	limiter := NewRateLimiter(DefaultParams().RateLimit)

	h := &Heuristic{ResetDate: "2026-08-23", UpdateCountToday: 10}
	now := time.Date(2026, 8, 24, 0, 0, 1, 0, time.UTC)

	limiter.RollWindow(h, now)
	assert.Equal(t, "2026-08-24", h.ResetDate)
	assert.Zero(t, h.UpdateCountToday)

	// Same day: no reset.
	h.UpdateCountToday = 4
	limiter.RollWindow(h, now.Add(time.Hour))
	assert.Equal(t, 4, h.UpdateCountToday)
}
