package event_test

import (
	"encoding/json"
	"testing"

	"github.com/synthdesk/router/internal/event"
)

func TestPayloadString_PresentAndAbsent(t *testing.T) {
	e := event.Event{Payload: map[string]any{"symbol": "AAPL", "count": 5}}
	if got := e.PayloadString("symbol"); got != "AAPL" {
		t.Errorf("expected AAPL, got %q", got)
	}
	if got := e.PayloadString("missing"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
	if got := e.PayloadString("count"); got != "" {
		t.Errorf("expected empty string for a non-string value, got %q", got)
	}
}

func TestPayloadFloat_Float64AndJSONNumber(t *testing.T) {
	e := event.Event{Payload: map[string]any{
		"a": float64(1.5),
		"b": json.Number("2.25"),
		"c": "not a number",
	}}

	v, ok := e.PayloadFloat("a")
	if !ok || v != 1.5 {
		t.Errorf("expected (1.5, true), got (%v, %v)", v, ok)
	}

	v, ok = e.PayloadFloat("b")
	if !ok || v != 2.25 {
		t.Errorf("expected (2.25, true), got (%v, %v)", v, ok)
	}

	if _, ok := e.PayloadFloat("c"); ok {
		t.Error("expected false for a non-numeric payload value")
	}

	if _, ok := e.PayloadFloat("absent"); ok {
		t.Error("expected false for an absent key")
	}
}

func TestAllowed_RecognizedAndUnrecognizedTypes(t *testing.T) {
	for _, et := range []string{
		event.TypeListenerStart, event.TypeListenerCrash, event.TypeInvariant,
		event.TypeMarketRegime, event.TypeRegimeChange,
	} {
		if !(event.Event{EventType: et}).Allowed() {
			t.Errorf("expected %s to be allowed", et)
		}
	}
	if (event.Event{EventType: "something.unrecognized"}).Allowed() {
		t.Error("expected an unrecognized event type to not be allowed")
	}
}
