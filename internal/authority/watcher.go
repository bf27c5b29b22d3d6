package authority

// CheckFunc is a single demotion predicate: given the current runtime
// snapshot, it returns a non-empty trigger name if the condition that
// forces demotion holds, or "" otherwise. Modeled on
// original_source/router/authority.py's create_violation_active_check
// / create_build_meta_check factories, generalized to a plain function
// type since Go has no closures-as-registry-entries idiom to match
// verbatim.
type CheckFunc func(snap Snapshot) string

// Snapshot is the minimal runtime view a demotion check needs. The
// runtime loop builds one fresh on every tick.
type Snapshot struct {
	ViolationActive bool
	BuildMeta       *BuildMeta
}

// Watcher runs a fixed battery of checks after every event and demotes
// the bound State the first time any check trips. Grounded on
// internal/escalation/state_machine.go's mutex-guarded, monotonic-only
// transition discipline.
type Watcher struct {
	state  *State
	checks []CheckFunc
}

// NewWatcher builds a Watcher with the two built-in checks required by
// SPEC_FULL.md §4.8: violation_active_true and build_meta_mismatch.
func NewWatcher(s *State) *Watcher {
	return &Watcher{
		state: s,
		checks: []CheckFunc{
			violationActiveCheck,
			buildMetaMismatchCheck(s),
		},
	}
}

// AddCheck registers an additional predicate, run after the built-ins
// in registration order.
func (w *Watcher) AddCheck(c CheckFunc) {
	w.checks = append(w.checks, c)
}

// CheckAll runs every registered check against snap and demotes on the
// first positive hit. Returns the DemotionEvent and true if a demotion
// occurred this call; later checks are not evaluated once one trips,
// since the state is already pinned at v0.1 for the rest of the
// session.
func (w *Watcher) CheckAll(snap Snapshot) (DemotionEvent, bool) {
	for _, check := range w.checks {
		if trigger := check(snap); trigger != "" {
			return w.state.Demote(trigger)
		}
	}
	return DemotionEvent{}, false
}

func violationActiveCheck(snap Snapshot) string {
	if snap.ViolationActive {
		return "violation_active_true"
	}
	return ""
}

// buildMetaMismatchCheck binds a CheckFunc to the authority state it
// was promoted from, so every call re-reads the critical files off
// disk and compares against the certificate-bound build_meta_sha256 —
// not the BuildMeta struct's own self-consistent CombinedSHA256,
// which can never detect tampering applied after the process started.
func buildMetaMismatchCheck(s *State) CheckFunc {
	return func(snap Snapshot) string {
		boundHash := s.BuildMetaSHA256()
		if snap.BuildMeta == nil || boundHash == "" {
			return ""
		}
		observed, err := snap.BuildMeta.RecomputeFromDisk()
		if err != nil || observed != boundHash {
			return "build_meta_mismatch"
		}
		return ""
	}
}
