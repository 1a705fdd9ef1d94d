package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlphaSelectorBands(t *testing.T) {
	sel := NewAlphaSelector(DefaultParams().Alpha)

	tests := []struct {
		name         string
		confidence   float64
		isIncrease   bool
		applications int
		warmup       int
		want         float64
	}{
		{"warmup overrides everything", 0.95, true, 50, 3, 0.30},
		{"warmup applies on decrease too", 0.10, false, 0, 1, 0.30},
		{"high confidence increase is sticky", 0.85, true, 5, 0, 0.05},
		{"high confidence decrease stays responsive", 0.85, false, 5, 0, 0.15},
		{"low confidence recovery path", 0.20, true, 5, 0, 0.25},
		{"low confidence decrease is damped", 0.20, false, 5, 0, 0.10},
		{"mature increase", 0.50, true, 25, 0, 0.10},
		{"mature decrease loses trust faster", 0.50, false, 25, 0, 0.20},
		{"default band", 0.50, true, 5, 0, 0.20},
		{"boundary: exactly high threshold uses default", 0.80, true, 5, 0, 0.20},
		{"boundary: exactly low threshold uses default", 0.30, false, 5, 0, 0.20},
		{"boundary: exactly maturity threshold is mature", 0.50, false, 20, 0, 0.20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sel.Alpha(tt.confidence, tt.isIncrease, tt.applications, tt.warmup)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAlphaAsymmetryAtHighConfidence(t *testing.T) {
	sel := NewAlphaSelector(DefaultParams().Alpha)

	up := sel.Alpha(0.90, true, 30, 0)
	down := sel.Alpha(0.90, false, 30, 0)
	assert.Less(t, up, down, "gaining trust at high confidence must be slower than losing it")
}
