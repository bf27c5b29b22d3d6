package constraint_test

import (
	"testing"
	"time"

	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/constraint"
	"github.com/synthdesk/router/internal/state"
)

func TestEvaluate_ListenerDeadIsInputUnavailable(t *testing.T) {
	s := state.New()
	out := constraint.Evaluate(s, "AAPL")
	if !out.IsVeto || out.Veto != constraint.InputUnavailable {
		t.Errorf("expected input_unavailable veto, got %+v", out)
	}
}

func TestEvaluate_ViolationActiveOverridesEverything(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	s.ViolationActive = true
	s.Symbol("AAPL").Regime = "drift"
	out := constraint.Evaluate(s, "AAPL")
	if !out.IsVeto || out.Veto != constraint.InvariantViolation {
		t.Errorf("expected invariant_violation veto, got %+v", out)
	}
}

func TestEvaluate_NoRegimeIsRegimeUnresolved(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	out := constraint.Evaluate(s, "AAPL")
	if !out.IsVeto || out.Veto != constraint.RegimeUnresolved {
		t.Errorf("expected regime_unresolved veto, got %+v", out)
	}
}

func TestEvaluate_ChopVetoesNoEdge(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	s.Symbol("AAPL").Regime = "chop"
	out := constraint.Evaluate(s, "AAPL")
	if !out.IsVeto || out.Veto != constraint.NoEdge {
		t.Errorf("expected no_edge veto, got %+v", out)
	}
}

func TestEvaluate_HighVolVetoesRegimeVolatile(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	s.Symbol("AAPL").Regime = "volatile"
	out := constraint.Evaluate(s, "AAPL")
	if !out.IsVeto || out.Veto != constraint.RegimeVolatile {
		t.Errorf("expected regime_volatile veto, got %+v", out)
	}
}

func TestEvaluate_DriftProducesIntent(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	s.Symbol("AAPL").Regime = "drift"
	out := constraint.Evaluate(s, "AAPL")
	if out.IsVeto {
		t.Fatalf("expected an intent, got veto %v", out.Veto)
	}
	if out.Allocation.Direction != allocator.Long {
		t.Errorf("expected long direction, got %s", out.Allocation.Direction)
	}
}

func TestEvaluate_UsesPerSymbolEntropyWhenSet(t *testing.T) {
	s := state.New()
	s.ListenerAlive = true
	s.Symbol("AAPL").Regime = "drift"
	s.SetEntropy("AAPL", allocator.EntropyState{RegimeConfidence: 1.0, RegimeAgeSeconds: 0, TransitionProximity: 0})

	withHighConfidence := constraint.Evaluate(s, "AAPL")

	s2 := state.New()
	s2.ListenerAlive = true
	s2.Symbol("AAPL").Regime = "drift"
	// default entropy (no SetEntropy call) has lower confidence
	withDefault := constraint.Evaluate(s2, "AAPL")

	if withHighConfidence.Allocation.SizePctQ <= withDefault.Allocation.SizePctQ {
		t.Errorf("expected higher-confidence entropy to produce a strictly larger size_pct_q: got %d vs default %d",
			withHighConfidence.Allocation.SizePctQ, withDefault.Allocation.SizePctQ)
	}
}

func TestShouldEmit_FirstEmissionAlwaysTrue(t *testing.T) {
	out := constraint.Outcome{IsVeto: true, Veto: constraint.NoEdge}
	if !constraint.ShouldEmit(out, nil) {
		t.Error("expected true when no prior emission exists")
	}
}

func TestShouldEmit_DedupSameVetoReason(t *testing.T) {
	last := &state.SymbolState{LastKind: state.LastVeto, LastVetoReason: string(constraint.NoEdge)}
	out := constraint.Outcome{IsVeto: true, Veto: constraint.NoEdge}
	if constraint.ShouldEmit(out, last) {
		t.Error("expected dedup suppression for identical repeated veto reason")
	}
}

func TestShouldEmit_DifferentVetoReasonEmits(t *testing.T) {
	last := &state.SymbolState{LastKind: state.LastVeto, LastVetoReason: string(constraint.NoEdge)}
	out := constraint.Outcome{IsVeto: true, Veto: constraint.RegimeVolatile}
	if !constraint.ShouldEmit(out, last) {
		t.Error("expected emission when veto reason changes")
	}
}

func TestShouldEmit_DedupSameIntentFields(t *testing.T) {
	alloc := allocator.AllocationResult{Direction: allocator.Long, SizePctQ: 2000, RiskCap: allocator.RiskLow}
	last := &state.SymbolState{LastKind: state.LastIntent, LastIntent: alloc}
	out := constraint.Outcome{IsVeto: false, Allocation: alloc}
	if constraint.ShouldEmit(out, last) {
		t.Error("expected dedup suppression for an identical repeated intent")
	}
}

func TestShouldEmit_IntentToVetoAlwaysEmits(t *testing.T) {
	alloc := allocator.AllocationResult{Direction: allocator.Long, SizePctQ: 2000, RiskCap: allocator.RiskLow}
	last := &state.SymbolState{LastKind: state.LastIntent, LastIntent: alloc}
	out := constraint.Outcome{IsVeto: true, Veto: constraint.NoEdge}
	if !constraint.ShouldEmit(out, last) {
		t.Error("expected a transition from intent to veto to always emit")
	}
}

func TestShouldEmit_SizeChangeEmits(t *testing.T) {
	alloc := allocator.AllocationResult{Direction: allocator.Long, SizePctQ: 2000, RiskCap: allocator.RiskLow}
	last := &state.SymbolState{LastKind: state.LastIntent, LastIntent: alloc}
	changed := alloc
	changed.SizePctQ = 2500
	out := constraint.Outcome{IsVeto: false, Allocation: changed}
	if !constraint.ShouldEmit(out, last) {
		t.Error("expected emission when size_pct_q changes")
	}
}

func TestShouldEmit_RationaleNeverCompared(t *testing.T) {
	alloc := allocator.AllocationResult{Direction: allocator.Long, SizePctQ: 2000, RiskCap: allocator.RiskLow, Rationale: []string{"a"}}
	last := &state.SymbolState{LastKind: state.LastIntent, LastIntent: alloc}
	changedRationale := alloc
	changedRationale.Rationale = []string{"totally different text"}
	out := constraint.Outcome{IsVeto: false, Allocation: changedRationale}
	if constraint.ShouldEmit(out, last) {
		t.Error("a rationale-only change must never trigger re-emission")
	}
}

func TestEvaluate_OrderingPrecedence(t *testing.T) {
	// input_unavailable must win over everything else even if a violation
	// and a regime are also present.
	s := state.New()
	s.ViolationActive = true
	s.Symbol("AAPL").Regime = "drift"
	s.Symbol("AAPL").LastRegimeTS = time.Now()
	out := constraint.Evaluate(s, "AAPL")
	if out.Veto != constraint.InputUnavailable {
		t.Errorf("expected input_unavailable to take precedence, got %v", out.Veto)
	}
}
