// Package allocator implements the epistemic allocator: it fuses a
// regime classification with an entropy state into a quantized
// AllocationResult. It never predicts anything; it only reacts to the
// declared regime with a fixed, auditable posture.
//
// Grounded on original_source/router/allocator.py, reimplemented in the
// v0.2 quantized form (flat is never a valid intent — see
// internal/constraint for where that's enforced).
package allocator

import (
	"fmt"
	"math"
)

// SizePctScale is the fixed-point denominator for size_pct_q. This
// never changes; it is not configuration.
const SizePctScale = 10000

// Direction is the posture's exposure direction.
type Direction string

const (
	Flat  Direction = "flat"
	Long  Direction = "long"
	Short Direction = "short"
)

// RiskCap is the quantized-form risk ceiling tag.
type RiskCap string

const (
	RiskZero   RiskCap = "zero"
	RiskLow    RiskCap = "low"
	RiskMedium RiskCap = "medium"
)

// EntropyState modulates allocation size by confidence, staleness, and
// proximity to a regime transition.
type EntropyState struct {
	RegimeConfidence   float64 // [0,1]
	RegimeAgeSeconds   float64 // >=0
	TransitionProximity float64 // [0,1]
}

// DefaultEntropy is used whenever no sharper estimate is available: a
// neutral confidence, a fresh regime, and a modest chance of an
// imminent transition.
func DefaultEntropy() EntropyState {
	return EntropyState{RegimeConfidence: 0.5, RegimeAgeSeconds: 0, TransitionProximity: 0.3}
}

// Combined returns the entropy state's single scalar factor:
// regime_confidence * max(0, 1 - age/3600) * (1 - transition_proximity),
// clamped to [0,1].
func (e EntropyState) Combined() float64 {
	staleness := math.Max(0, 1.0-e.RegimeAgeSeconds/3600.0)
	v := e.RegimeConfidence * staleness * (1.0 - e.TransitionProximity)
	return clamp01(v)
}

// Posture is the frozen per-regime allocation policy. Changing any of
// these values is a constitutional change, not a tuning knob.
type Posture struct {
	Direction          Direction
	BaseAllocationQ    int
	UncertaintyDiscount float64
	RiskCap            RiskCap
	Rationale          string
}

// postures is the canonical Regime -> Posture table from SPEC_FULL.md
// §3 / §4.1. It is intentionally unexported and has no setter: the
// only way to change it is to edit this file and review the diff.
var postures = map[string]Posture{
	"chop":     {Direction: Flat, BaseAllocationQ: 0, UncertaintyDiscount: 1.0, RiskCap: RiskZero, Rationale: "chop: no directional edge, flat"},
	"high_vol": {Direction: Flat, BaseAllocationQ: 0, UncertaintyDiscount: 1.0, RiskCap: RiskZero, Rationale: "high_vol: conditions too volatile, flat"},
	"unknown":  {Direction: Flat, BaseAllocationQ: 0, UncertaintyDiscount: 1.0, RiskCap: RiskZero, Rationale: "unknown regime, flat"},
	"drift":    {Direction: Long, BaseAllocationQ: 2500, UncertaintyDiscount: 0.8, RiskCap: RiskLow, Rationale: "drift: directional continuation, low risk long"},
	"breakout": {Direction: Long, BaseAllocationQ: 5000, UncertaintyDiscount: 0.6, RiskCap: RiskMedium, Rationale: "breakout: momentum entry, medium risk long"},
}

// postureFor looks up the posture for a regime token, falling back to
// "unknown" for anything not present (unknown tokens should already
// have been normalized to "unknown" by the regime package, but this
// keeps allocate() total regardless of caller).
func postureFor(regime string) Posture {
	if p, ok := postures[regime]; ok {
		return p
	}
	return postures["unknown"]
}

// AllocationResult is the allocator's output: a direction, a quantized
// size, a risk cap, and an ordered, non-empty rationale trail.
type AllocationResult struct {
	Direction           Direction
	SizePctQ            int
	SizePctScale        int
	RiskCap             RiskCap
	Rationale           []string
	BaseAllocationQ     int
	EntropyFactor       float64
	UncertaintyDiscount float64
	FinalFactor         float64
}

// Allocate is the pure allocation function. regime must already be one
// of the closed-set tokens (internal/regime.Regime); maxQ is normally
// SizePctScale.
func Allocate(regimeToken string, entropy EntropyState, maxQ int) AllocationResult {
	posture := postureFor(regimeToken)

	entropyFactor := entropy.Combined()
	finalFactor := entropyFactor * posture.UncertaintyDiscount

	raw := roundHalfUp(float64(posture.BaseAllocationQ) * finalFactor)
	sizePctQ := clampInt(raw, 0, maxQ)
	if posture.Direction == Flat {
		sizePctQ = 0
	}

	return AllocationResult{
		Direction:    posture.Direction,
		SizePctQ:     sizePctQ,
		SizePctScale: SizePctScale,
		RiskCap:      posture.RiskCap,
		Rationale: []string{
			posture.Rationale,
			fmt.Sprintf("entropy_factor=%.2f", entropyFactor),
			fmt.Sprintf("final_allocation=%d/%d", sizePctQ, SizePctScale),
		},
		BaseAllocationQ:     posture.BaseAllocationQ,
		EntropyFactor:       entropyFactor,
		UncertaintyDiscount: posture.UncertaintyDiscount,
		FinalFactor:         finalFactor,
	}
}

// roundHalfUp implements integer-cast-after-+0.5 rounding, matching the
// original project's round(x) semantics for non-negative x.
func roundHalfUp(x float64) int {
	return int(x + 0.5)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
