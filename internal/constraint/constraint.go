// Package constraint implements the constraint/veto layer: a pure
// function from current state and symbol to either an
// allocator.AllocationResult or a VetoReason, exhaustive and
// XOR-disjoint. Grounded on original_source/router/allocator.py's
// compute_allocation_from_state and original_source/router/
// constraints.py's evaluate_constraints, adopting the v0.2 model
// (flat is never an intent) per SPEC_FULL.md §9.
package constraint

import (
	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/regime"
	"github.com/synthdesk/router/internal/state"
)

// VetoReason is the closed set of reasons an emission can be
// suppressed. No extensibility without amendment.
type VetoReason string

const (
	InvariantViolation VetoReason = "invariant_violation"
	InputUnavailable   VetoReason = "input_unavailable"
	AuthorityGate      VetoReason = "authority_gate"
	RegimeUnresolved   VetoReason = "regime_unresolved"
	NoEdge             VetoReason = "no_edge"
	RegimeVolatile     VetoReason = "regime_volatile"
)

// Outcome is the tagged union the constraint layer returns: exactly
// one of Allocation or Veto is meaningful, selected by IsVeto.
type Outcome struct {
	IsVeto     bool
	Allocation allocator.AllocationResult
	Veto       VetoReason
}

func allocationOutcome(a allocator.AllocationResult) Outcome {
	return Outcome{IsVeto: false, Allocation: a}
}

func vetoOutcome(reason VetoReason) Outcome {
	return Outcome{IsVeto: true, Veto: reason}
}

// internal tags used only between computeAllocationFromState and
// Evaluate, mirroring the original project's intermediate tag names
// before they're mapped to the public VetoReason set.
type tag string

const (
	tagInputUnavailable tag = "input_unavailable"
	tagViolationActive  tag = "violation_active"
	tagRegimeUnresolved tag = "regime_unresolved"
	tagRegimeChop       tag = "regime_chop"
	tagRegimeHighVol    tag = "regime_high_vol"
)

var tagToVeto = map[tag]VetoReason{
	tagInputUnavailable: InputUnavailable,
	tagViolationActive:  InvariantViolation,
	tagRegimeUnresolved: RegimeUnresolved,
	tagRegimeChop:       NoEdge,
	tagRegimeHighVol:    RegimeVolatile,
}

// computeAllocationFromState is the bridge function from
// SPEC_FULL.md §4.1: input_unavailable, then violation_active, then
// regime_unresolved, then regime-specific short circuits, else the
// allocator's output with the symbol's recorded entropy, or the default
// entropy when none has been recorded. Order is part of the contract.
func computeAllocationFromState(s *state.RouterState, symbol string) (allocator.AllocationResult, tag, bool) {
	if !s.ListenerAlive {
		return allocator.AllocationResult{}, tagInputUnavailable, true
	}
	if s.ViolationActive {
		return allocator.AllocationResult{}, tagViolationActive, true
	}

	sym := s.Symbol(symbol)
	if sym.Regime == "" {
		return allocator.AllocationResult{}, tagRegimeUnresolved, true
	}

	r := regime.Infer(sym.Regime)
	switch r {
	case regime.Chop:
		return allocator.AllocationResult{}, tagRegimeChop, true
	case regime.HighVol:
		return allocator.AllocationResult{}, tagRegimeHighVol, true
	}

	entropy := allocator.DefaultEntropy()
	if sym.Entropy != nil {
		entropy = *sym.Entropy
	}
	result := allocator.Allocate(string(r), entropy, allocator.SizePctScale)
	return result, "", false
}

// Evaluate is evaluate_constraints from SPEC_FULL.md §4.3.
func Evaluate(s *state.RouterState, symbol string) Outcome {
	alloc, t, vetoed := computeAllocationFromState(s, symbol)
	if vetoed {
		return vetoOutcome(tagToVeto[t])
	}

	if alloc.Direction == allocator.Flat {
		return vetoOutcome(RegimeUnresolved)
	}

	// Surface validation (defense-in-depth).
	if alloc.Direction != allocator.Flat && alloc.SizePctQ == 0 {
		return vetoOutcome(RegimeUnresolved)
	}
	switch alloc.RiskCap {
	case allocator.RiskZero, allocator.RiskLow, allocator.RiskMedium:
		// ok
	default:
		return vetoOutcome(RegimeUnresolved)
	}
	if alloc.SizePctScale != allocator.SizePctScale {
		return vetoOutcome(RegimeUnresolved)
	}
	if len(alloc.Rationale) == 0 {
		return vetoOutcome(RegimeUnresolved)
	}

	return allocationOutcome(alloc)
}

// ShouldEmit is should_emit from SPEC_FULL.md §4.3: true iff there is
// no prior emission for this symbol, or the new outcome differs from
// it in a dedup-relevant field. Rationale is never compared.
func ShouldEmit(current Outcome, last *state.SymbolState) bool {
	if last == nil {
		return true
	}
	switch last.LastKind {
	case state.LastNone:
		return true
	case state.LastIntent:
		if current.IsVeto {
			return true
		}
		a, b := current.Allocation, last.LastIntent
		return a.Direction != b.Direction || a.SizePctQ != b.SizePctQ || a.RiskCap != b.RiskCap
	case state.LastVeto:
		if !current.IsVeto {
			return true
		}
		return string(current.Veto) != last.LastVetoReason
	default:
		return true
	}
}
