// Package authority implements certificate-bound authority tiers:
// loading and verifying a promotion certificate, binding a starting
// level, and watching for conditions that force an irreversible
// demotion. Grounded on original_source/router/authority.py, with the
// monotonic-transition discipline adapted from
// internal/escalation/state_machine.go's Escalate/Decay pattern (see
// DESIGN.md).
package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/synthdesk/router/internal/signing"
)

// Level is an authority tier. The set is totally ordered and
// monotonically non-increasing within a session.
type Level string

const (
	LevelV01 Level = "v0.1"
	LevelV02 Level = "v0.2"
	LevelV03 Level = "v0.3"
	LevelV10 Level = "v1.0"
)

var levelOrder = map[Level]int{
	LevelV01: 0,
	LevelV02: 1,
	LevelV03: 2,
	LevelV10: 3,
}

// Less reports whether a is strictly below b in the total order.
func (a Level) Less(b Level) bool { return levelOrder[a] < levelOrder[b] }

// CanEmitNonFlat reports whether this level may emit non-flat intents
// and write to the inbox: v0.2 and above.
func (l Level) CanEmitNonFlat() bool { return !l.Less(LevelV02) }

// CanExecute reports whether this level may execute (out of scope for
// this repository, retained for completeness of the capability model):
// v0.3 and above.
func (l Level) CanExecute() bool { return !l.Less(LevelV03) }

// DemotionEvent records a single demotion.
type DemotionEvent struct {
	Timestamp time.Time
	From      Level
	To        Level
	Trigger   string
}

// Certificate is the signed promotion document, per SPEC_FULL.md §3/§6.
type Certificate map[string]any

func (c Certificate) str(key string) string {
	v, _ := c[key].(string)
	return v
}

// State is AuthorityState: the runtime's current authority tier and
// its provenance. Owned by the runtime loop; the DemotionWatcher
// borrows it mutably through Demote.
type State struct {
	mu sync.Mutex

	level           Level
	certPath        string
	certBodySHA256  string
	buildMetaSHA256 string
	promotedAt      time.Time
	demotions       []DemotionEvent
	startedAt       time.Time
}

// Level returns the current authority level.
func (s *State) Level() Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// CanEmitNonFlat is a convenience wrapper over Level().CanEmitNonFlat().
func (s *State) CanEmitNonFlat() bool {
	return s.Level().CanEmitNonFlat()
}

// Demotions returns a copy of the recorded demotion sequence.
func (s *State) Demotions() []DemotionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DemotionEvent(nil), s.demotions...)
}

// Demote performs an atomic, irreversible descent to v0.1. A no-op if
// already at v0.1 — further demotions within a session are no-ops, per
// SPEC_FULL.md §4.8.
func (s *State) Demote(trigger string) (event DemotionEvent, demoted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.level == LevelV01 {
		return DemotionEvent{}, false
	}

	ev := DemotionEvent{Timestamp: time.Now().UTC(), From: s.level, To: LevelV01, Trigger: trigger}
	s.level = LevelV01
	s.demotions = append(s.demotions, ev)
	return ev, true
}

// Rebind re-verifies the certificate at opts.CertPath and applies the
// freshly computed binding only if doing so would not raise the
// current level — binding never raises authority mid-session without
// a restart, per SPEC_FULL.md §4.7. A cert that would newly qualify
// for a higher tier is a no-op until the process restarts; a cert that
// newly fails verification demotes through the normal Demote path.
// Returns the resulting level either way.
func (s *State) Rebind(opts BindOptions) Level {
	fresh := Bind(opts)

	s.mu.Lock()
	cur := s.level
	s.mu.Unlock()

	if levelOrder[fresh.level] >= levelOrder[cur] {
		return cur
	}
	s.Demote("operator_reload_cert")
	return s.Level()
}

// CertPath, CertBodySHA256, BuildMetaSHA256, PromotedAt, StartedAt are
// read-only accessors for the AuthorityState provenance fields.
func (s *State) CertPath() string        { return s.certPath }
func (s *State) CertBodySHA256() string  { return s.certBodySHA256 }
func (s *State) BuildMetaSHA256() string { return s.buildMetaSHA256 }
func (s *State) PromotedAt() time.Time   { return s.promotedAt }
func (s *State) StartedAt() time.Time    { return s.startedAt }

const expectedCertVersion = "v0.2"

// BindOptions configures bind_authority.
type BindOptions struct {
	CertPath     string
	BuildMeta    *BuildMeta
	PublicKeyB64 string
	AllowLegacy  bool
}

// Bind implements bind_authority from SPEC_FULL.md §4.7. It always
// returns a usable *State, even on every failure path — failure just
// means the returned state is pinned at v0.1.
func Bind(opts BindOptions) *State {
	s := &State{level: LevelV01, startedAt: time.Now().UTC()}

	if opts.CertPath == "" {
		return s
	}

	raw, err := os.ReadFile(opts.CertPath)
	if err != nil {
		return s
	}

	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return s
	}

	if cert.str("cert_version") != expectedCertVersion {
		return s
	}

	if !verifyIntegrity(cert, opts) {
		return s
	}

	if opts.BuildMeta == nil || !opts.BuildMeta.Verify() {
		return s
	}
	if cert.str("build_meta_sha256") != opts.BuildMeta.CombinedSHA256 {
		return s
	}

	bodyHash, err := signing.PayloadHashHex(cert)
	if err != nil {
		return s
	}

	s.level = LevelV02
	s.certPath = opts.CertPath
	s.certBodySHA256 = bodyHash
	s.buildMetaSHA256 = opts.BuildMeta.CombinedSHA256
	if promotedAt, err := time.Parse(time.RFC3339, cert.str("promoted_at")); err == nil {
		s.promotedAt = promotedAt
	}
	return s
}

// verifyIntegrity implements step 4 of bind_authority: verify the
// Ed25519 signature if present, otherwise fall back to the deprecated
// self-hash only if the caller explicitly allows it.
func verifyIntegrity(cert Certificate, opts BindOptions) bool {
	if sig, ok := cert["cert_sig"]; ok && sig != "" {
		pub, err := signing.LoadEmbeddedPublicKey(opts.PublicKeyB64)
		if err != nil {
			return false
		}
		ok, err := signing.VerifyCertificateSignature(cert, pub)
		if err != nil || !ok {
			return false
		}
		return true
	}

	if !opts.AllowLegacy {
		return false
	}
	ok, err := signing.LegacySelfHashMatches(cert)
	if err != nil {
		return false
	}
	return ok
}

// PromotedAtRaw returns the certificate's promoted_at as the original
// string, which the state machine's epoch-scoping comparison needs
// verbatim (lexicographic comparison against raw event timestamps).
func PromotedAtRaw(certPath string) (string, error) {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("authority: read cert %q: %w", certPath, err)
	}
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return "", fmt.Errorf("authority: parse cert %q: %w", certPath, err)
	}
	return cert.str("promoted_at"), nil
}
