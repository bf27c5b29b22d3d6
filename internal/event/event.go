// Package event defines the wire shape of spine records, both inbound
// (read by the tail reader) and the fields the emitter needs to stamp
// onto outbound records to reference their trigger.
package event

import (
	"encoding/json"
	"time"
)

// Recognized inbound event types. Any other event_type is ignored by
// the runtime loop (SPEC_FULL.md §4.5).
const (
	TypeListenerStart  = "listener.start"
	TypeListenerCrash  = "listener.crash"
	TypeInvariant      = "invariant.violation"
	TypeMarketRegime   = "market.regime"
	TypeRegimeChange   = "market.regime_change"
)

// Emitted event types.
const (
	TypeIntent    = "router.intent"
	TypeVeto      = "router.veto"
	TypeDemotion  = "router.authority_demotion"
)

// Event is one parsed spine record.
type Event struct {
	EventType string
	EventID   string
	Timestamp time.Time

	// RawTimestamp preserves the exact ISO-8601 string as read, so
	// lexicographic epoch-scoping comparisons (SPEC_FULL.md §4.4) use
	// the same representation the source document used, not a
	// re-formatted one.
	RawTimestamp string

	Payload map[string]any
}

// PayloadString returns payload[key] as a string, or "" if absent or
// not a string.
func (e Event) PayloadString(key string) string {
	v, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// PayloadFloat returns payload[key] as a float64 and true, or (0,
// false) if absent or not numeric. Handles both float64 (the common
// case after json.Unmarshal into map[string]any) and json.Number (in
// case a caller decoded with a json.Decoder configured via UseNumber).
func (e Event) PayloadFloat(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Allowed reports whether this event type participates in state
// updates and symbol targeting at all (anything else is ignored
// outright by the runtime loop, per SPEC_FULL.md §4.5).
func (e Event) Allowed() bool {
	switch e.EventType {
	case TypeListenerStart, TypeListenerCrash, TypeInvariant, TypeMarketRegime, TypeRegimeChange:
		return true
	default:
		return false
	}
}
