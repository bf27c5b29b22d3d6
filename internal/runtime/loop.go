// Package runtime orchestrates the single-threaded event-processing
// pipeline described in SPEC_FULL.md §4.5: for every allowed event,
// state update precedes the demotion check, which precedes constraint
// evaluation, which precedes the authority gate, which precedes
// emission. Replay and tail share this exact pipeline — Loop has no
// notion of which iterator is feeding it events (SPEC_FULL.md §9,
// "replay vs tail").
package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/allocator"
	"github.com/synthdesk/router/internal/authority"
	"github.com/synthdesk/router/internal/canon"
	"github.com/synthdesk/router/internal/confidence"
	"github.com/synthdesk/router/internal/constraint"
	"github.com/synthdesk/router/internal/envelope"
	"github.com/synthdesk/router/internal/event"
	"github.com/synthdesk/router/internal/guard"
	"github.com/synthdesk/router/internal/ledger"
	"github.com/synthdesk/router/internal/observability"
	"github.com/synthdesk/router/internal/operator"
	"github.com/synthdesk/router/internal/spine"
	"github.com/synthdesk/router/internal/state"
)

// confidenceWindow is how many recent feature samples the regime
// confidence estimator trains a baseline from, per symbol.
const confidenceWindow = 20

// confidenceMinSamples is the minimum number of samples in a symbol's
// window, the current one included, before the estimator produces
// anything (so the baseline has at least four prior samples) — below
// this, SPEC_FULL.md §4.1a says to leave the allocator's default
// entropy untouched.
const confidenceMinSamples = 5

// confidenceDistanceScale tunes how quickly AsRegimeConfidence's
// exponential decay discounts a growing Mahalanobis distance.
const confidenceDistanceScale = 4.0

// Options configures a Loop. Metrics and Ledger are optional sidecars;
// a nil value for either disables that integration without affecting
// the core pipeline's correctness.
type Options struct {
	State     *state.RouterState
	Authority *authority.State
	Watcher   *authority.Watcher
	Emitter   *spine.Emitter
	Kernel    envelope.Kernel
	BuildMeta *authority.BuildMeta
	BindOpts  authority.BindOptions // used by ReloadCertificate
	Metrics   *observability.Metrics
	Ledger    *ledger.DB
	Log       *zap.Logger
}

// Loop owns RouterState and AuthorityState for the duration of a
// process and drives them through one event at a time, per
// SPEC_FULL.md §9 "ownership".
type Loop struct {
	state     *state.RouterState
	authState *authority.State
	watcher   *authority.Watcher
	emitter   *spine.Emitter
	kernel    envelope.Kernel
	buildMeta *authority.BuildMeta
	bindOpts  authority.BindOptions
	metrics   *observability.Metrics
	ledgerDB  *ledger.DB
	log       *zap.Logger
	clock     guard.Clock
	startedAt time.Time

	confEstimator   *confidence.Estimator
	entropyBounds   map[string]guard.Bounds
	baselineWindows map[string][][]float64
}

// New builds a Loop from opts. State, Authority, Watcher, Emitter, and
// Kernel must be non-nil; Metrics and Ledger may be nil.
func New(opts Options) *Loop {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		state:           opts.State,
		authState:       opts.Authority,
		watcher:         opts.Watcher,
		emitter:         opts.Emitter,
		kernel:          opts.Kernel,
		buildMeta:       opts.BuildMeta,
		bindOpts:        opts.BindOpts,
		metrics:         opts.Metrics,
		ledgerDB:        opts.Ledger,
		log:             log,
		startedAt:       time.Now().UTC(),
		confEstimator:   confidence.NewEstimator(),
		entropyBounds:   guard.DefaultEntropyBounds(),
		baselineWindows: make(map[string][][]float64),
	}
}

// Run drains events from in until the channel closes or ctx is
// canceled. Used by the tailing runtime.
func (l *Loop) Run(ctx context.Context, in <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			l.handle(ev)
		}
	}
}

// ReplayAll processes a fixed, already-collected slice of events
// synchronously, sharing handle() with Run so replay and tail can
// never diverge in behavior (SPEC_FULL.md §9).
func (l *Loop) ReplayAll(events []event.Event) {
	for _, ev := range events {
		l.handle(ev)
	}
}

// handle implements one iteration of the SPEC_FULL.md §4.5 loop body.
func (l *Loop) handle(ev event.Event) {
	if !ev.Allowed() {
		return
	}

	if l.metrics != nil {
		l.metrics.EventsProcessedTotal.WithLabelValues(ev.EventType).Inc()
	}
	if !ev.Timestamp.IsZero() {
		if v := l.clock.Observe(ev.Timestamp); v != nil {
			l.log.Warn("runtime: guard violation observing event timestamp",
				zap.String("event_type", ev.EventType), zap.String("detail", v.Detail))
		}
	}

	l.state.UpdateFromEvent(ev)
	l.updateEntropy(ev)
	l.checkDemotion(ev)

	// event_id and timestamp must both be present as strings for an
	// intent or veto to be emitted, per SPEC_FULL.md §4.5; an event that
	// merely updates state (e.g. with a malformed trigger identity) is
	// still applied above, and a demotion it triggers is still recorded,
	// it just can't anchor an emitted intent or veto.
	if ev.EventID == "" || ev.RawTimestamp == "" {
		return
	}

	for _, symbol := range l.affectedSymbols(ev) {
		l.evaluateAndEmit(symbol, ev)
	}
}

// checkDemotion runs the demotion watcher's battery of checks and, on
// a trip, durably records the demotion to both the spine and the
// ledger sidecar.
func (l *Loop) checkDemotion(ev event.Event) {
	if l.authState.Level() == authority.LevelV01 {
		return
	}

	snap := authority.Snapshot{
		ViolationActive: l.state.ViolationActive,
		BuildMeta:       l.buildMeta,
	}
	demEvent, demoted := l.watcher.CheckAll(snap)
	if !demoted {
		return
	}

	l.log.Warn("runtime: authority demotion",
		zap.String("from", string(demEvent.From)),
		zap.String("to", string(demEvent.To)),
		zap.String("trigger", demEvent.Trigger))

	if err := l.emitter.EmitDemotion(string(demEvent.From), string(demEvent.To), demEvent.Trigger, ev.EventID, ev.RawTimestamp); err != nil {
		l.log.Error("runtime: failed to emit demotion record", zap.Error(err))
	}
	if l.ledgerDB != nil {
		if err := l.ledgerDB.AppendDemotion(demEvent); err != nil {
			l.log.Error("runtime: failed to append demotion to ledger", zap.Error(err))
		}
	}
	if l.metrics != nil {
		l.metrics.DemotionsTotal.WithLabelValues(demEvent.Trigger).Inc()
		l.metrics.AuthorityLevel.Set(levelMetric(demEvent.To))
	}
}

// updateEntropy implements SPEC_FULL.md §4.1a: on a market.regime or
// market.regime_change event, it either takes an explicit confidence
// figure from the event payload, or accumulates a per-symbol feature
// sample and, once enough history exists, derives regime_confidence
// from the confidence estimator's Mahalanobis distance against a
// freshly trained baseline. Either way the result is run through the
// guard's finite/bounds checks (SPEC_FULL.md §4.4a) before being
// recorded — a check that fails is itself an invariant_violation
// trigger, never a silently dropped estimate.
func (l *Loop) updateEntropy(ev event.Event) {
	if ev.EventType != event.TypeMarketRegime && ev.EventType != event.TypeRegimeChange {
		return
	}
	symbol := ev.PayloadString("symbol")
	if symbol == "" {
		return
	}

	if explicit, ok := ev.PayloadFloat("confidence"); ok {
		l.applyEntropy(symbol, ev.Timestamp, explicit)
		return
	}

	rd, haveRD := ev.PayloadFloat("return_dispersion")
	vs, haveVS := ev.PayloadFloat("volume_skew")
	if !haveRD || !haveVS {
		return
	}

	sample := []float64{rd, vs}
	window := append(l.baselineWindows[symbol], sample)
	if len(window) > confidenceWindow {
		window = window[len(window)-confidenceWindow:]
	}
	l.baselineWindows[symbol] = window

	if len(window) < confidenceMinSamples {
		return
	}

	baseline := confidence.BuildBaseline(window[:len(window)-1])
	dist, err := l.confEstimator.Distance(sample, baseline)
	if err != nil {
		l.log.Warn("runtime: confidence estimator distance failed", zap.Error(err), zap.String("symbol", symbol))
		return
	}
	l.applyEntropy(symbol, ev.Timestamp, confidence.AsRegimeConfidence(dist, confidenceDistanceScale))
}

// applyEntropy assembles the full EntropyState for symbol from a
// confidence value plus state-derived age and transition proximity,
// guard-checks it, and records it for the constraint layer's next
// evaluation.
func (l *Loop) applyEntropy(symbol string, now time.Time, confidenceVal float64) {
	sym := l.state.Symbol(symbol)

	age := 0.0
	if !sym.LastRegimeTS.IsZero() {
		age = now.Sub(sym.LastRegimeTS).Seconds()
	}
	if age < 0 {
		age = 0
	}
	proximity := sym.TransitionProximity(now)

	values := map[string]float64{
		"regime_confidence":    confidenceVal,
		"regime_age_seconds":   age,
		"transition_proximity": proximity,
	}
	if v := guard.CheckFinite(values); v != nil {
		l.log.Warn("runtime: guard rejected non-finite entropy input", zap.String("symbol", symbol), zap.String("detail", v.Detail))
		l.state.MarkGuardViolation(now)
		return
	}
	if v := guard.CheckBounds(values, l.entropyBounds); v != nil {
		l.log.Warn("runtime: guard rejected out-of-bounds entropy input", zap.String("symbol", symbol), zap.String("detail", v.Detail))
		l.state.MarkGuardViolation(now)
		return
	}

	l.state.SetEntropy(symbol, allocator.EntropyState{
		RegimeConfidence:    confidenceVal,
		RegimeAgeSeconds:    age,
		TransitionProximity: proximity,
	})
}

// affectedSymbols implements SPEC_FULL.md §4.5's targeting rule:
// market.* events target only their own symbol; system-wide events
// target every symbol known so far.
func (l *Loop) affectedSymbols(ev event.Event) []string {
	switch ev.EventType {
	case event.TypeMarketRegime, event.TypeRegimeChange:
		sym := ev.PayloadString("symbol")
		if sym == "" {
			return nil
		}
		return []string{sym}
	case event.TypeListenerStart, event.TypeListenerCrash, event.TypeInvariant:
		return l.state.KnownSymbols()
	default:
		return nil
	}
}

// evaluateAndEmit runs the constraint layer for one symbol, applies
// the authority gate, deduplicates against the symbol's last emission,
// and emits at most one record.
func (l *Loop) evaluateAndEmit(symbol string, ev event.Event) {
	outcome := constraint.Evaluate(l.state, symbol)

	if !outcome.IsVeto && outcome.Allocation.Direction != allocator.Flat && !l.authState.CanEmitNonFlat() {
		outcome = constraint.Outcome{IsVeto: true, Veto: constraint.AuthorityGate}
	}

	last := l.state.Symbols[symbol]
	if !constraint.ShouldEmit(outcome, last) {
		if l.metrics != nil {
			l.metrics.EmissionsSuppressedTotal.Inc()
		}
		return
	}

	if outcome.IsVeto {
		l.emitVeto(symbol, outcome.Veto, ev)
		return
	}
	l.emitIntent(symbol, outcome.Allocation, ev)
}

func (l *Loop) emitIntent(symbol string, alloc allocator.AllocationResult, ev event.Event) {
	env := l.kernel.Compute(
		envelope.Direction(alloc.Direction),
		alloc.EntropyFactor,
		float64(alloc.SizePctQ)/float64(alloc.SizePctScale),
		false,
		envelope.SeedInput{SliceHash: sliceHash(ev), Symbol: symbol},
	)

	l.state.SetShapedConfidence(symbol, confidence.ShapeConfidence(env.PFlat, env.PLong, env.PShort, confidence.DefaultTemperature).ConfidenceShaped)

	surfaceVeto, err := l.emitter.EmitIntent(symbol, alloc, env, ev.EventID, ev.RawTimestamp)
	if err != nil {
		return
	}
	if surfaceVeto {
		l.state.SetVeto(symbol, string(constraint.RegimeUnresolved))
		if l.metrics != nil {
			l.metrics.VetoesEmittedTotal.WithLabelValues(string(constraint.RegimeUnresolved)).Inc()
		}
		return
	}

	l.state.SetIntent(symbol, alloc)
	if l.metrics != nil {
		l.metrics.IntentsEmittedTotal.WithLabelValues(string(alloc.Direction)).Inc()
	}
}

func (l *Loop) emitVeto(symbol string, reason constraint.VetoReason, ev event.Event) {
	env := l.kernel.Compute(envelope.Flat, 0, 0, true, envelope.SeedInput{})
	l.state.SetShapedConfidence(symbol, confidence.ShapeConfidence(env.PFlat, env.PLong, env.PShort, confidence.DefaultTemperature).ConfidenceShaped)

	if err := l.emitter.EmitVeto(symbol, reason, env, ev.EventID, ev.RawTimestamp); err != nil {
		return
	}
	l.state.SetVeto(symbol, string(reason))
	if l.metrics != nil {
		l.metrics.VetoesEmittedTotal.WithLabelValues(string(reason)).Inc()
	}
}

// sliceHash derives the mc_local kernel's slice_hash input from the
// triggering event's identity. original_source/router/mc_envelope_local.py
// takes an opaque spine_slice_hash string with no canonical derivation
// documented anywhere it's called from, so this repository grounds it
// on the one piece of the triggering event that uniquely identifies
// the "slice" that produced this emission: its event_id.
func sliceHash(ev event.Event) string {
	return canon.SHA256Hex([]byte(ev.EventID))
}

func levelMetric(l authority.Level) float64 {
	switch l {
	case authority.LevelV01:
		return 0
	case authority.LevelV02:
		return 1
	case authority.LevelV03:
		return 2
	case authority.LevelV10:
		return 3
	default:
		return -1
	}
}

// --- operator.Registry / operator.CertReloader implementations ---

// ListenerAlive implements operator.Registry.
func (l *Loop) ListenerAlive() bool { return l.state.ListenerAlive }

// ViolationActive implements operator.Registry.
func (l *Loop) ViolationActive() bool { return l.state.ViolationActive }

// ListSymbols implements operator.Registry.
func (l *Loop) ListSymbols() []operator.SymbolStatus {
	out := make([]operator.SymbolStatus, 0, len(l.state.Symbols))
	for sym, ss := range l.state.Symbols {
		out = append(out, operator.SymbolStatus{
			Symbol:           sym,
			Regime:           ss.Regime,
			LastKind:         lastKindString(ss.LastKind),
			ShapedConfidence: ss.LastShapedConfidence,
		})
	}
	return out
}

// ListDemotions implements operator.Registry.
func (l *Loop) ListDemotions() []operator.DemotionStatus {
	demotions := l.authState.Demotions()
	out := make([]operator.DemotionStatus, 0, len(demotions))
	for _, d := range demotions {
		out = append(out, operator.DemotionStatus{
			Timestamp: d.Timestamp.UTC().Format(time.RFC3339Nano),
			From:      string(d.From),
			To:        string(d.To),
			Trigger:   d.Trigger,
		})
	}
	return out
}

// Uptime implements operator.Registry.
func (l *Loop) Uptime() time.Duration { return time.Since(l.startedAt) }

// ReloadCertificate implements operator.CertReloader.
func (l *Loop) ReloadCertificate() authority.Level {
	return l.authState.Rebind(l.bindOpts)
}

func lastKindString(k state.LastKind) string {
	switch k {
	case state.LastIntent:
		return "intent"
	case state.LastVeto:
		return "veto"
	default:
		return "none"
	}
}
