package state_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/event"
	"github.com/synthdesk/router/internal/state"
)

func TestUpdateFromEvent_ListenerLifecycle(t *testing.T) {
	s := state.New()
	s.UpdateFromEvent(event.Event{EventType: event.TypeListenerStart, Timestamp: time.Now()})
	if !s.ListenerAlive {
		t.Fatal("expected listener alive after listener.start")
	}
	s.UpdateFromEvent(event.Event{EventType: event.TypeListenerCrash, Timestamp: time.Now()})
	if s.ListenerAlive {
		t.Fatal("expected listener dead after listener.crash")
	}
}

func TestUpdateFromEvent_MarketRegimeSetsSymbolRegime(t *testing.T) {
	s := state.New()
	ts := time.Now()
	s.UpdateFromEvent(event.Event{
		EventType: event.TypeMarketRegime,
		Timestamp: ts,
		Payload:   map[string]any{"symbol": "AAPL", "regime": "drift"},
	})
	sym := s.Symbol("AAPL")
	if sym.Regime != "drift" {
		t.Errorf("expected regime=drift, got %q", sym.Regime)
	}
	if !sym.LastRegimeTS.Equal(ts) {
		t.Errorf("expected LastRegimeTS=%v, got %v", ts, sym.LastRegimeTS)
	}
}

func TestUpdateFromEvent_RegimeChangeUsesToField(t *testing.T) {
	s := state.New()
	s.UpdateFromEvent(event.Event{
		EventType: event.TypeRegimeChange,
		Timestamp: time.Now(),
		Payload:   map[string]any{"symbol": "AAPL", "to": "breakout"},
	})
	if got := s.Symbol("AAPL").Regime; got != "breakout" {
		t.Errorf("expected regime=breakout, got %q", got)
	}
}

func TestUpdateFromEvent_FirstRegimeObservationIsNotAFlip(t *testing.T) {
	s := state.New()
	s.UpdateFromEvent(event.Event{
		EventType: event.TypeMarketRegime,
		Timestamp: time.Now(),
		Payload:   map[string]any{"symbol": "AAPL", "regime": "drift"},
	})
	if len(s.Symbol("AAPL").RecentFlipTS) != 0 {
		t.Error("expected the first-ever regime observation to not count as a flip")
	}
}

func TestUpdateFromEvent_RegimeFlipIsRecorded(t *testing.T) {
	s := state.New()
	t1 := time.Now()
	t2 := t1.Add(time.Minute)
	s.UpdateFromEvent(event.Event{EventType: event.TypeMarketRegime, Timestamp: t1, Payload: map[string]any{"symbol": "AAPL", "regime": "drift"}})
	s.UpdateFromEvent(event.Event{EventType: event.TypeMarketRegime, Timestamp: t2, Payload: map[string]any{"symbol": "AAPL", "regime": "chop"}})
	flips := s.Symbol("AAPL").RecentFlipTS
	if len(flips) != 1 || !flips[0].Equal(t2) {
		t.Errorf("expected exactly one recorded flip at t2, got %v", flips)
	}
}

func TestUpdateFromEvent_SameRegimeRepeatedIsNotAFlip(t *testing.T) {
	s := state.New()
	t1 := time.Now()
	s.UpdateFromEvent(event.Event{EventType: event.TypeMarketRegime, Timestamp: t1, Payload: map[string]any{"symbol": "AAPL", "regime": "drift"}})
	s.UpdateFromEvent(event.Event{EventType: event.TypeMarketRegime, Timestamp: t1.Add(time.Minute), Payload: map[string]any{"symbol": "AAPL", "regime": "drift"}})
	if len(s.Symbol("AAPL").RecentFlipTS) != 0 {
		t.Error("expected repeating the same regime token to never count as a flip")
	}
}

func TestTransitionProximity_RecentFlipsIncreaseScore(t *testing.T) {
	now := time.Now()
	sym := &state.SymbolState{RecentFlipTS: []time.Time{
		now.Add(-5 * time.Minute),
		now.Add(-10 * time.Minute),
		now.Add(-2 * time.Hour), // outside the 1-hour window
	}}
	got := sym.TransitionProximity(now)
	want := 2.0 / 5.0
	if got != want {
		t.Errorf("expected proximity=%f (2 flips within the window), got %f", want, got)
	}
}

func TestTransitionProximity_ClampsToOne(t *testing.T) {
	now := time.Now()
	var flips []time.Time
	for i := 0; i < 10; i++ {
		flips = append(flips, now.Add(-time.Duration(i)*time.Minute))
	}
	sym := &state.SymbolState{RecentFlipTS: flips}
	if got := sym.TransitionProximity(now); got != 1.0 {
		t.Errorf("expected proximity clamped to 1.0, got %f", got)
	}
}

func TestSetIntentAndSetVeto_EnforceXORInvariant(t *testing.T) {
	s := state.New()
	s.SetIntent("AAPL", allocator.AllocationResult{Direction: allocator.Long, SizePctQ: 1000})
	sym := s.Symbol("AAPL")
	if sym.LastKind != state.LastIntent || sym.LastVetoReason != "" {
		t.Fatalf("expected intent slot set and veto slot clear, got %+v", sym)
	}

	s.SetVeto("AAPL", "no_edge")
	sym = s.Symbol("AAPL")
	if sym.LastKind != state.LastVeto || !reflect.DeepEqual(sym.LastIntent, allocator.AllocationResult{}) {
		t.Fatalf("expected veto slot set and intent slot cleared, got %+v", sym)
	}
}

func TestSetEntropy_RecordsPerSymbolOverride(t *testing.T) {
	s := state.New()
	e := allocator.EntropyState{RegimeConfidence: 0.9, RegimeAgeSeconds: 1, TransitionProximity: 0.1}
	s.SetEntropy("AAPL", e)
	if got := s.Symbol("AAPL").Entropy; got == nil || *got != e {
		t.Errorf("expected entropy override %+v, got %+v", e, got)
	}
}

func TestMarkGuardViolation_SetsViolationActive(t *testing.T) {
	s := state.New()
	ts := time.Now()
	s.MarkGuardViolation(ts)
	if !s.ViolationActive || !s.LastViolationTS.Equal(ts) {
		t.Errorf("expected violation_active=true with LastViolationTS=%v, got active=%v ts=%v", ts, s.ViolationActive, s.LastViolationTS)
	}
}

func TestAuthorityEpochScoping_IgnoresViolationsBeforeEpoch(t *testing.T) {
	s := state.New()
	epoch := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetAuthorityEpoch(epoch, epoch.Format(time.RFC3339))

	before := event.Event{
		EventType:    event.TypeInvariant,
		Timestamp:    epoch.Add(-time.Hour),
		RawTimestamp: epoch.Add(-time.Hour).Format(time.RFC3339),
	}
	s.UpdateFromEvent(before)
	if s.ViolationActive {
		t.Error("expected a pre-epoch violation to be ignored")
	}

	after := event.Event{
		EventType:    event.TypeInvariant,
		Timestamp:    epoch.Add(time.Hour),
		RawTimestamp: epoch.Add(time.Hour).Format(time.RFC3339),
	}
	s.UpdateFromEvent(after)
	if !s.ViolationActive {
		t.Error("expected a post-epoch violation to set violation_active")
	}
}

func TestKnownSymbols_ReturnsEverySymbolSeen(t *testing.T) {
	s := state.New()
	s.Symbol("AAPL")
	s.Symbol("MSFT")
	got := map[string]bool{}
	for _, sym := range s.KnownSymbols() {
		got[sym] = true
	}
	if !got["AAPL"] || !got["MSFT"] || len(got) != 2 {
		t.Errorf("expected exactly {AAPL, MSFT}, got %v", got)
	}
}
