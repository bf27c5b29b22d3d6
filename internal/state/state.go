// Package state holds RouterState: everything the system knows,
// reconstructed exclusively from observed spine events. Nothing here
// is persisted across restarts — a fresh process starts from zero
// system state (though its authority level is re-derived from the
// certificate, not from state).
package state

import (
	"time"

	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/event"
)

// LastKind tags which of the three XOR "last" fields is set for a
// symbol. Exactly one of LastNone/LastIntent/LastVeto holds at a time.
type LastKind int

const (
	LastNone LastKind = iota
	LastIntent
	LastVeto
)

// SymbolState is the per-symbol slice of RouterState.
type SymbolState struct {
	Regime       string
	LastRegimeTS time.Time

	// RecentFlipTS records the timestamp of every regime change
	// observed for this symbol, used only to derive transition
	// proximity for the confidence estimator (SPEC_FULL.md §4.1a); it
	// carries no weight in the core constraint/veto decision.
	RecentFlipTS []time.Time

	// Entropy is the confidence estimator's most recent output for
	// this symbol, or nil if no estimate has ever been produced (the
	// allocator then uses allocator.DefaultEntropy(), per SPEC_FULL.md
	// §4.1/§4.1a).
	Entropy *allocator.EntropyState

	LastKind       LastKind
	LastIntent     allocator.AllocationResult
	LastVetoReason string

	// LastShapedConfidence is the operator-visible, temperature-shaped
	// directional confidence from the most recent envelope computed
	// for this symbol. Advisory only — never consulted by the
	// allocator or constraint layer (SPEC_FULL.md §4.1a).
	LastShapedConfidence float64
}

// TransitionProximity derives a [0,1] proximity score from how many
// regime flips this symbol has had in the hour preceding now: more
// recent flips means a transition is more "in the air". This is a
// simple, documented heuristic — SPEC_FULL.md §4.1a only specifies
// that it come from recent flip frequency, not an exact formula.
func (s *SymbolState) TransitionProximity(now time.Time) float64 {
	cutoff := now.Add(-1 * time.Hour)
	count := 0
	for _, t := range s.RecentFlipTS {
		if t.After(cutoff) {
			count++
		}
	}
	return clamp01(float64(count) / 5.0)
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

// setIntent records result as the last emission for this symbol and
// clears the veto slot, enforcing the XOR invariant.
func (s *SymbolState) setIntent(result allocator.AllocationResult) {
	s.LastKind = LastIntent
	s.LastIntent = result
	s.LastVetoReason = ""
}

// setVeto records reason as the last emission for this symbol and
// clears the intent slot, enforcing the XOR invariant.
func (s *SymbolState) setVeto(reason string) {
	s.LastKind = LastVeto
	s.LastVetoReason = reason
	s.LastIntent = allocator.AllocationResult{}
}

// RouterState is the full reconstructed state: system-wide fields plus
// one SymbolState per symbol seen so far.
type RouterState struct {
	ListenerAlive    bool
	LastListenerTS   time.Time
	ViolationActive  bool
	LastViolationTS  time.Time

	// AuthorityEpochTS scopes which invariant.violation events count:
	// violations timestamped before this are ignored. Zero value means
	// unscoped (every violation counts).
	AuthorityEpochTS  time.Time
	authorityEpochRaw string

	Symbols map[string]*SymbolState
}

// New returns a RouterState with no symbols known yet.
func New() *RouterState {
	return &RouterState{Symbols: make(map[string]*SymbolState)}
}

// Symbol returns the SymbolState for sym, creating it (with zero
// values) if this is the first time it has been observed.
func (s *RouterState) Symbol(sym string) *SymbolState {
	ss, ok := s.Symbols[sym]
	if !ok {
		ss = &SymbolState{}
		s.Symbols[sym] = ss
	}
	return ss
}

// KnownSymbols returns every symbol observed so far, in the map's
// natural (unordered) iteration order — callers that need the
// emission-order guarantee from SPEC_FULL.md §5 should not depend on
// any particular ordering among symbols, only within a symbol.
func (s *RouterState) KnownSymbols() []string {
	out := make([]string, 0, len(s.Symbols))
	for sym := range s.Symbols {
		out = append(out, sym)
	}
	return out
}

// SetIntent records an emitted intent for sym, clearing any pending
// veto slot.
func (s *RouterState) SetIntent(sym string, result allocator.AllocationResult) {
	s.Symbol(sym).setIntent(result)
}

// SetVeto records an emitted veto reason for sym, clearing any pending
// intent slot.
func (s *RouterState) SetVeto(sym string, reason string) {
	s.Symbol(sym).setVeto(reason)
}

// SetEntropy records the confidence estimator's latest output for sym,
// consulted by the constraint layer in place of allocator.DefaultEntropy()
// on the next evaluation (SPEC_FULL.md §4.1a).
func (s *RouterState) SetEntropy(sym string, e allocator.EntropyState) {
	s.Symbol(sym).Entropy = &e
}

// SetShapedConfidence records the operator-visible shaped confidence
// derived from the envelope of the most recent emission for sym. It
// carries no weight anywhere in the decision pipeline.
func (s *RouterState) SetShapedConfidence(sym string, v float64) {
	s.Symbol(sym).LastShapedConfidence = v
}

// MarkGuardViolation records a guard-detected anomaly (non-finite or
// out-of-bounds internally computed value) as an invariant_violation
// trigger, independent of and in addition to the spine-sourced
// invariant.violation event path, per SPEC_FULL.md §4.4a. Epoch scoping
// does not apply here: a guard violation is detected live, not replayed
// from a possibly-stale spine record.
func (s *RouterState) MarkGuardViolation(ts time.Time) {
	s.ViolationActive = true
	s.LastViolationTS = ts
}

// UpdateFromEvent applies a single spine event to the state, per
// SPEC_FULL.md §4.4. It is the only place RouterState mutates itself
// from observed facts.
func (s *RouterState) UpdateFromEvent(e event.Event) {
	switch e.EventType {
	case event.TypeListenerStart:
		s.ListenerAlive = true
		s.LastListenerTS = e.Timestamp

	case event.TypeListenerCrash:
		s.ListenerAlive = false
		s.LastListenerTS = e.Timestamp

	case event.TypeInvariant:
		if s.violationInEpoch(e) {
			s.ViolationActive = true
			s.LastViolationTS = e.Timestamp
		}

	case event.TypeMarketRegime:
		sym := e.PayloadString("symbol")
		if sym == "" {
			return
		}
		s.recordRegime(sym, e.PayloadString("regime"), e.Timestamp)

	case event.TypeRegimeChange:
		sym := e.PayloadString("symbol")
		if sym == "" {
			return
		}
		s.recordRegime(sym, e.PayloadString("to"), e.Timestamp)

	default:
		// No state change for unrecognized or non-state-bearing types.
	}
}

// recordRegime applies a new regime token to sym's state, appending a
// flip timestamp whenever the token actually changes (never on the
// symbol's first-ever regime observation, which is a classification,
// not a transition).
func (s *RouterState) recordRegime(sym, newRegime string, ts time.Time) {
	ss := s.Symbol(sym)
	if ss.Regime != "" && ss.Regime != newRegime {
		ss.RecentFlipTS = append(ss.RecentFlipTS, ts)
	}
	ss.Regime = newRegime
	ss.LastRegimeTS = ts
}

// violationInEpoch reports whether an invariant.violation event counts
// toward violation_active: the epoch is either unset, or the event's
// timestamp is not before the epoch start, compared lexicographically
// on the original ISO-8601 string as SPEC_FULL.md §4.4 requires.
func (s *RouterState) violationInEpoch(e event.Event) bool {
	if s.AuthorityEpochTS.IsZero() {
		return true
	}
	return e.RawTimestamp >= s.authorityEpochRaw
}

// SetAuthorityEpoch records both the parsed and raw forms of the
// authority epoch start, so violation scoping can use the exact
// lexicographic comparison SPEC_FULL.md §4.4 specifies.
func (s *RouterState) SetAuthorityEpoch(ts time.Time, raw string) {
	s.AuthorityEpochTS = ts
	s.authorityEpochRaw = raw
}
