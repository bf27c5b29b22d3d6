package spine

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/canon"
	"github.com/synthdesk/router/internal/constraint"
	"github.com/synthdesk/router/internal/envelope"
	"github.com/synthdesk/router/internal/schema"
)

// Emitter appends router.intent / router.veto / router.authority_demotion
// records to the spine. Grounded on original_source/router/emit.py's
// emit_intent, generalized to all three outbound event types and to
// this repository's canonical-JSON writer (internal/canon) in place of
// the original's synthdesk_spine.canonicalize_payload.
type Emitter struct {
	path string
	log  *zap.Logger
}

// NewEmitter builds an Emitter that appends to the spine file at path.
func NewEmitter(path string, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{path: path, log: log}
}

// EmitIntent writes a router.intent record for symbol, validating the
// payload against the schema before writing. A validation failure
// here is a defect in the constraint layer, not an operational
// condition upstream callers should have to anticipate — per
// SPEC_FULL.md §4.6/§7, the emitter fails closed to a surface veto
// instead of ever writing a malformed intent. The returned bool
// reports whether that fallback happened, so the runtime loop can
// record the correct dedup state for this symbol.
func (e *Emitter) EmitIntent(symbol string, alloc allocator.AllocationResult, env envelope.Envelope, sourceEventID, sourceTS string) (surfaceVeto bool, err error) {
	payload := map[string]any{
		"symbol":         symbol,
		"direction":      string(alloc.Direction),
		"size_pct_q":     alloc.SizePctQ,
		"size_pct_scale": alloc.SizePctScale,
		"risk_cap":       string(alloc.RiskCap),
		"rationale":      toAnySlice(alloc.Rationale),
		"envelope":       env.ToPayload(),
	}
	if verr := schema.ValidateIntent(payload); verr != nil {
		e.log.Error("spine: refusing to emit invalid intent, falling back to surface veto",
			zap.Error(verr), zap.String("symbol", symbol))
		return true, e.emitSurfaceInvalid(symbol, verr, sourceEventID, sourceTS)
	}
	return false, e.append("router.intent", payload, sourceEventID, sourceTS)
}

// emitSurfaceInvalid writes the surface-invalid veto SPEC_FULL.md §7
// requires when intent validation fails: veto_reason is always
// regime_unresolved, with the validation error attached as an
// auxiliary audit field never part of the schema itself.
func (e *Emitter) emitSurfaceInvalid(symbol string, cause error, sourceEventID, sourceTS string) error {
	env := envelope.Vetoed("surface", "n/a")
	payload := map[string]any{
		"symbol":          symbol,
		"veto_reason":     string(constraint.RegimeUnresolved),
		"surface_invalid": cause.Error(),
		"envelope":        env.ToPayload(),
	}
	return e.append("router.veto", payload, sourceEventID, sourceTS)
}

// EmitVeto writes a router.veto record for symbol.
func (e *Emitter) EmitVeto(symbol string, reason constraint.VetoReason, env envelope.Envelope, sourceEventID, sourceTS string) error {
	payload := map[string]any{
		"symbol":      symbol,
		"veto_reason": string(reason),
		"envelope":    env.ToPayload(),
	}
	if err := schema.ValidateVeto(payload); err != nil {
		e.log.Error("spine: refusing to emit invalid veto", zap.Error(err), zap.String("symbol", symbol))
		return err
	}
	return e.append("router.veto", payload, sourceEventID, sourceTS)
}

// EmitDemotion writes a router.authority_demotion record.
func (e *Emitter) EmitDemotion(from, to, trigger, sourceEventID, sourceTS string) error {
	payload := map[string]any{
		"from":    from,
		"to":      to,
		"trigger": trigger,
	}
	return e.append("router.authority_demotion", payload, sourceEventID, sourceTS)
}

// append writes one record with no wall-clock field of its own: per
// SPEC_FULL.md §8's replay-determinism requirement, a record's
// identity must depend only on its inputs, and original_source/router/
// emit.py's emit_intent never stamps an emission-time timestamp either
// — source_ts (the triggering event's own timestamp) is the only time
// reference an emitted record carries.
func (e *Emitter) append(eventType string, payload map[string]any, sourceEventID, sourceTS string) error {
	record := map[string]any{
		"event_type":      eventType,
		"payload":         payload,
		"source_event_id": sourceEventID,
		"source_ts":       sourceTS,
	}

	line, err := canon.Marshal(record)
	if err != nil {
		return fmt.Errorf("spine: canonicalize %s: %w", eventType, err)
	}

	f, err := os.OpenFile(e.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.log.Error("spine: failed to open for append", zap.Error(err), zap.String("event_type", eventType))
		return fmt.Errorf("spine: open %q: %w", e.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		e.log.Error("spine: failed to write event", zap.Error(err), zap.String("event_type", eventType))
		return fmt.Errorf("spine: write %q: %w", e.path, err)
	}
	return f.Sync()
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
