// Package confidence provides two independent calibration tools
// layered on top of the core deterministic pipeline: a
// logit-temperature probability shaper for envelope output, and a
// Mahalanobis-distance regime confidence estimator. The shaper is
// advisory only: its output is kept for operator visibility and never
// feeds back into the allocator. The estimator's output does: the
// runtime loop records it as the regime_confidence of the symbol's
// EntropyState, which sizes the next allocation (SPEC_FULL.md §4.1a).
//
// The shaper is grounded on original_source/router/confidence_shaper.py;
// the estimator is grounded on
// internal/anomaly/mahalanobis.go's Engine.Score, repurposed from a
// process-binary anomaly score to a regime-fit distance.
package confidence

import "math"

// ShaperVersion mirrors CONF_SHAPER_VERSION from the original.
const ShaperVersion = "v0.1.0"

// DefaultTemperature is the frozen, calibrated shaping temperature.
// T > 1 compresses toward 0.5, reducing overconfidence.
const DefaultTemperature = 1.2

// Shaped is the result of shaping a (flat, long, short) probability
// triple, mirroring ShapedConfidence from the original.
type Shaped struct {
	PFlatRaw, PLongRaw, PShortRaw           float64
	ConfidenceRaw                           float64
	PFlatShaped, PLongShaped, PShortShaped  float64
	ConfidenceShaped                        float64
	Temperature                             float64
	Version                                 string
}

func logit(p float64) float64 {
	p = math.Max(1e-6, math.Min(1-1e-6, p))
	return math.Log(p / (1 - p))
}

func sigmoid(x float64) float64 {
	switch {
	case x > 20:
		return 1.0
	case x < -20:
		return 0.0
	default:
		return 1.0 / (1.0 + math.Exp(-x))
	}
}

// ShapeProbability applies a logit-temperature shrink to a single
// probability. temperature must be positive; 1.0 is the identity.
func ShapeProbability(p, temperature float64) float64 {
	if temperature == 1.0 {
		return p
	}
	return sigmoid(logit(p) / temperature)
}

// ShapeDirectionProbs shapes p_long and p_short individually (below a
// 0.01 floor they pass through unchanged) then renormalizes p_flat so
// the triple still sums to 1.
func ShapeDirectionProbs(pFlat, pLong, pShort, temperature float64) (shapedFlat, shapedLong, shapedShort float64) {
	if temperature == 1.0 {
		return pFlat, pLong, pShort
	}

	longS := pLong
	if pLong > 0.01 {
		longS = ShapeProbability(pLong, temperature)
	}
	shortS := pShort
	if pShort > 0.01 {
		shortS = ShapeProbability(pShort, temperature)
	}

	directionalRaw := pLong + pShort
	if directionalRaw < 0.01 {
		return pFlat, pLong, pShort
	}

	flatS := 1.0 - (longS + shortS)
	flatS = math.Max(0.0, math.Min(1.0, flatS))

	total := flatS + longS + shortS
	if math.Abs(total-1.0) > 1e-6 && total > 0 {
		flatS /= total
		longS /= total
		shortS /= total
	}
	return flatS, longS, shortS
}

// ShapeConfidence is the full shaping pass with provenance, equivalent
// to shape_confidence in the original.
func ShapeConfidence(pFlat, pLong, pShort, temperature float64) Shaped {
	confRaw := math.Max(pLong, pShort)
	flatS, longS, shortS := ShapeDirectionProbs(pFlat, pLong, pShort, temperature)
	confShaped := math.Max(longS, shortS)

	return Shaped{
		PFlatRaw:         pFlat,
		PLongRaw:         pLong,
		PShortRaw:        pShort,
		ConfidenceRaw:    confRaw,
		PFlatShaped:      flatS,
		PLongShaped:      longS,
		PShortShaped:     shortS,
		ConfidenceShaped: confShaped,
		Temperature:      temperature,
		Version:          ShaperVersion,
	}
}
