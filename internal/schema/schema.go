// Package schema validates emitted router.intent and router.veto
// payloads, per SPEC_FULL.md §4.10. It accepts both the current
// quantized form and the legacy float-size form documented in
// SPEC_FULL.md §9 — the legacy form is a read/validate-only
// compatibility shim; the emitter in this repository never produces
// it (see internal/spine/emit.go).
//
// Grounded on original_source/schemas/router_intent.py (legacy
// validator) generalized to also accept the v0.2 quantized form.
package schema

import (
	"fmt"
	"math"
)

var quantizedRiskCaps = map[string]bool{"zero": true, "low": true, "medium": true}
var legacyRiskCaps = map[string]bool{"low": true, "normal": true, "high": true}
var intentDirections = map[string]bool{"long": true, "short": true}

// ValidateIntent validates a router.intent payload expressed as a
// generic map (as decoded from JSON). It returns a non-nil error
// naming the first violation found.
func ValidateIntent(payload map[string]any) error {
	dir, _ := payload["direction"].(string)
	if !intentDirections[dir] {
		return fmt.Errorf("schema: direction must be long or short, got %q", dir)
	}

	_, hasQ := payload["size_pct_q"]
	_, hasScale := payload["size_pct_scale"]
	_, hasLegacy := payload["size_pct"]

	switch {
	case (hasQ || hasScale) && hasLegacy:
		return fmt.Errorf("schema: payload mixes quantized and legacy size fields")
	case hasQ != hasScale:
		return fmt.Errorf("schema: size_pct_q and size_pct_scale must both be present or both absent")
	case hasQ && hasScale:
		if err := validateQuantized(payload, dir); err != nil {
			return err
		}
	case hasLegacy:
		if err := validateLegacy(payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("schema: payload has neither quantized nor legacy size fields")
	}

	return validateRationale(payload)
}

func validateQuantized(payload map[string]any, dir string) error {
	qNum, ok := asNumber(payload["size_pct_q"])
	if !ok || qNum != math.Trunc(qNum) || qNum < 0 {
		return fmt.Errorf("schema: size_pct_q must be a non-negative integer")
	}
	scaleNum, ok := asNumber(payload["size_pct_scale"])
	if !ok || scaleNum != 10000 {
		return fmt.Errorf("schema: size_pct_scale must equal 10000")
	}
	riskCap, _ := payload["risk_cap"].(string)
	if !quantizedRiskCaps[riskCap] {
		return fmt.Errorf("schema: risk_cap must be one of zero, low, medium; got %q", riskCap)
	}
	if qNum == 0 && dir != "flat" {
		return fmt.Errorf("schema: non-flat direction with size_pct_q == 0")
	}
	return nil
}

func validateLegacy(payload map[string]any) error {
	sizeNum, ok := asNumber(payload["size_pct"])
	if !ok || math.IsNaN(sizeNum) || math.IsInf(sizeNum, 0) || sizeNum < 0 {
		return fmt.Errorf("schema: legacy size_pct must be a finite non-negative number")
	}
	riskCap, _ := payload["risk_cap"].(string)
	if !legacyRiskCaps[riskCap] {
		return fmt.Errorf("schema: legacy risk_cap must be one of low, normal, high; got %q", riskCap)
	}
	return nil
}

func validateRationale(payload map[string]any) error {
	raw, ok := payload["rationale"].([]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("schema: rationale must be a non-empty ordered sequence of strings")
	}
	for _, item := range raw {
		if _, ok := item.(string); !ok {
			return fmt.Errorf("schema: rationale entries must be strings")
		}
	}
	return nil
}

var vetoReasons = map[string]bool{
	"invariant_violation": true,
	"input_unavailable":   true,
	"authority_gate":      true,
	"regime_unresolved":   true,
	"no_edge":             true,
	"regime_volatile":     true,
}

// ValidateVeto validates a router.veto payload.
func ValidateVeto(payload map[string]any) error {
	symbol, _ := payload["symbol"].(string)
	if symbol == "" {
		return fmt.Errorf("schema: symbol must be a non-empty string")
	}
	reason, _ := payload["veto_reason"].(string)
	if !vetoReasons[reason] {
		return fmt.Errorf("schema: veto_reason %q is not in the closed set", reason)
	}
	return nil
}

// asNumber accepts both plain float64 (from a Go-constructed map) and
// json.Number (from decoding with UseNumber), since both appear
// depending on whether a payload was built internally or round-tripped
// through canon.Marshal/decode.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case interface{ Float64() (float64, error) }:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
