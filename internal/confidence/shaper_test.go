package confidence_test

import (
	"math"
	"testing"

	"github.com/synthdesk/router/internal/confidence"
)

func TestShapeProbability_IdentityAtTemperatureOne(t *testing.T) {
	if got := confidence.ShapeProbability(0.73, 1.0); got != 0.73 {
		t.Errorf("expected identity shaping at temperature=1.0, got %f", got)
	}
}

func TestShapeProbability_CompressesTowardHalfAboveOne(t *testing.T) {
	got := confidence.ShapeProbability(0.95, confidence.DefaultTemperature)
	if got >= 0.95 {
		t.Errorf("expected a temperature > 1 to shrink an extreme probability toward 0.5, got %f", got)
	}
	if got <= 0.5 {
		t.Errorf("expected the shaped probability to stay above 0.5 for a raw value above 0.5, got %f", got)
	}
}

func TestShapeDirectionProbs_IdentityAtTemperatureOne(t *testing.T) {
	flat, long, short := confidence.ShapeDirectionProbs(0.2, 0.5, 0.3, 1.0)
	if flat != 0.2 || long != 0.5 || short != 0.3 {
		t.Errorf("expected identity pass-through at temperature=1.0, got (%f,%f,%f)", flat, long, short)
	}
}

func TestShapeDirectionProbs_StillSumsToOne(t *testing.T) {
	flat, long, short := confidence.ShapeDirectionProbs(0.1, 0.8, 0.1, confidence.DefaultTemperature)
	sum := flat + long + short
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("expected shaped probabilities to still sum to 1.0, got %f (flat=%f long=%f short=%f)", sum, flat, long, short)
	}
}

func TestShapeDirectionProbs_BelowFloorPassesThroughUnshaped(t *testing.T) {
	// Both directional probabilities are below the 0.01 floor: shaping
	// must leave the triple untouched rather than divide by a
	// near-zero directional mass.
	flat, long, short := confidence.ShapeDirectionProbs(0.999, 0.0005, 0.0005, confidence.DefaultTemperature)
	if flat != 0.999 || long != 0.0005 || short != 0.0005 {
		t.Errorf("expected a near-all-flat triple to pass through unshaped, got (%f,%f,%f)", flat, long, short)
	}
}

func TestShapeConfidence_ReportsRawAndShapedConfidenceSeparately(t *testing.T) {
	shaped := confidence.ShapeConfidence(0.05, 0.9, 0.05, confidence.DefaultTemperature)
	if shaped.ConfidenceRaw != 0.9 {
		t.Errorf("expected raw confidence = max(pLong,pShort) = 0.9, got %f", shaped.ConfidenceRaw)
	}
	if shaped.ConfidenceShaped >= shaped.ConfidenceRaw {
		t.Errorf("expected shaping to reduce confidence below the raw value, got shaped=%f raw=%f", shaped.ConfidenceShaped, shaped.ConfidenceRaw)
	}
	if shaped.Version != confidence.ShaperVersion {
		t.Errorf("expected the shaper to stamp its version, got %q", shaped.Version)
	}
}

func TestShapeConfidence_VetoedEnvelopeShapesToZero(t *testing.T) {
	// A fully collapsed veto envelope (p_flat=0, p_long=0, p_short=0) is
	// the input the runtime feeds for every emitted veto.
	shaped := confidence.ShapeConfidence(0, 0, 0, confidence.DefaultTemperature)
	if shaped.ConfidenceShaped != 0 {
		t.Errorf("expected a fully-flat-zero envelope to shape to zero confidence, got %f", shaped.ConfidenceShaped)
	}
}
