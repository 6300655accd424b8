// Package fusion combines normalized per-module scores into one unified
// risk score and band via renormalized weighted averaging.
package fusion

import (
	"errors"
	"fmt"
	"math"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// ErrNoDetectors is returned when no module produced a usable score.
// It is a typed failure: a zero score would be indistinguishable from
// "known safe", so an empty available set is never masked as LOW risk.
var ErrNoDetectors = errors.New("no detectors available for fusion")

// Engine produces a unified score from N module scores. Stateless and
// pure: safe for concurrent use without locking.
type Engine struct {
	weights map[string]float64
	bands   []domain.BandThreshold
	order   []string // canonical module order for deterministic iteration
}

// NewEngine creates a fusion engine from a validated configuration.
func NewEngine(cfg domain.FusionConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fusion config: %w", err)
	}

	// Freeze the module iteration order so fusion output is
	// bit-reproducible regardless of input ordering.
	order := make([]string, 0, len(cfg.Weights))
	for _, m := range domain.ModuleNames() {
		if _, ok := cfg.Weights[m]; ok {
			order = append(order, m)
		}
	}
	if len(order) != len(cfg.Weights) {
		return nil, fmt.Errorf("weight table contains unknown modules")
	}

	weights := make(map[string]float64, len(cfg.Weights))
	for m, w := range cfg.Weights {
		weights[m] = w
	}
	bands := make([]domain.BandThreshold, len(cfg.Bands))
	copy(bands, cfg.Bands)

	return &Engine{weights: weights, bands: bands, order: order}, nil
}

// Fuse combines the available module results into a FusionResult.
// Unavailable modules are excluded and the remaining weights renormalized
// to sum to 1.0. Returns ErrNoDetectors when nothing is available.
func (e *Engine) Fuse(signalID string, results []domain.DetectorResult) (*domain.FusionResult, error) {
	byModule := make(map[string]domain.DetectorResult, len(results))
	unavailable := make(map[string]string)

	for _, r := range results {
		if _, known := e.weights[r.Module]; !known {
			unavailable[r.Module] = "module not in weight table"
			continue
		}
		if !r.Available {
			unavailable[r.Module] = r.Reason
			continue
		}
		byModule[r.Module] = r
	}

	if len(byModule) == 0 {
		return nil, ErrNoDetectors
	}

	// Renormalize weights over the available subset.
	var weightSum float64
	for _, m := range e.order {
		if _, ok := byModule[m]; ok {
			weightSum += e.weights[m]
		}
	}
	if weightSum <= 0 {
		return nil, ErrNoDetectors
	}

	available := make([]string, 0, len(byModule))
	contributions := make(map[string]float64, len(byModule))
	applied := make(map[string]float64, len(byModule))

	var unified float64
	for _, m := range e.order {
		r, ok := byModule[m]
		if !ok {
			continue
		}
		w := e.weights[m] / weightSum
		c := w * r.Score
		unified += c
		available = append(available, m)
		applied[m] = w
		contributions[m] = c
	}

	unified = clamp(unified, 0, 100)

	return &domain.FusionResult{
		SignalID:      signalID,
		UnifiedScore:  unified,
		Band:          e.Band(unified),
		Contributions: contributions,
		Weights:       applied,
		Available:     available,
		Unavailable:   unavailable,
		Confidence:    confidence(unified),
	}, nil
}

// Band maps a unified score to its risk band via the monotonic
// threshold table.
func (e *Engine) Band(score float64) domain.RiskBand {
	band := e.bands[0].Band
	for _, bt := range e.bands {
		if score >= bt.Min {
			band = bt.Band
		}
	}
	return band
}

// Weights returns a copy of the configured (full-set) weight table.
func (e *Engine) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.weights))
	for m, w := range e.weights {
		out[m] = w
	}
	return out
}

// confidence expresses how far the score sits from the ambiguous
// mid-range: 0 at score 50, 1 at either extreme.
func confidence(score float64) float64 {
	c := math.Abs(score-50) / 50
	if c > 1 {
		c = 1
	}
	return math.Round(c*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
