package authority_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/synthdesk/router/internal/authority"
	"github.com/synthdesk/router/internal/canon"
	"github.com/synthdesk/router/internal/signing"
)

func writeCert(t *testing.T, dir string, cert map[string]any) string {
	t.Helper()
	hash, err := signing.PayloadHashHex(cert)
	if err != nil {
		t.Fatal(err)
	}
	cert["cert_sha256"] = hash
	raw, err := json.Marshal(cert)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "cert.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testBuildMeta() *authority.BuildMeta {
	bm := &authority.BuildMeta{
		SourceFiles:   map[string]string{"main.go": "fixedhash"},
		CriticalFiles: []string{"main.go"},
	}
	bm.CombinedSHA256 = bm.ComputeCombinedHash()
	return bm
}

// writeBuildMetaFiles materializes critical files on disk with
// realContent and returns a BuildMeta whose CombinedSHA256 matches
// what RecomputeFromDisk will observe, exercising the live-read path
// build_meta_mismatch actually checks rather than an in-memory-only
// struct.
func writeBuildMetaFiles(t *testing.T, dir string, realContent map[string]string) *authority.BuildMeta {
	t.Helper()
	sourceFiles := make(map[string]string, len(realContent))
	critical := make([]string, 0, len(realContent))
	for name, content := range realContent {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		sourceFiles[path] = canon.SHA256Hex([]byte(content))
		critical = append(critical, path)
	}
	bm := &authority.BuildMeta{SourceFiles: sourceFiles, CriticalFiles: critical}
	bm.CombinedSHA256 = bm.ComputeCombinedHash()
	return bm
}

func TestBind_NoCertPathStaysAtV01(t *testing.T) {
	s := authority.Bind(authority.BindOptions{})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 with no cert path, got %s", s.Level())
	}
}

func TestBind_MissingFileStaysAtV01(t *testing.T) {
	s := authority.Bind(authority.BindOptions{CertPath: "/nonexistent/cert.json"})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 for unreadable cert, got %s", s.Level())
	}
}

func TestBind_LegacySelfHashWithMatchingBuildMetaPromotes(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)

	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if s.Level() != authority.LevelV02 {
		t.Errorf("expected v0.2, got %s", s.Level())
	}
}

func TestBind_LegacyDisallowedStaysAtV01(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)

	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: false})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 when legacy self-hash is disallowed, got %s", s.Level())
	}
}

func TestBind_MissingBuildMetaStaysAtV01(t *testing.T) {
	dir := t.TempDir()
	cert := map[string]any{
		"cert_version": "v0.2",
		"promoted_at":  "2026-01-01T00:00:00Z",
	}
	path := writeCert(t, dir, cert)

	s := authority.Bind(authority.BindOptions{CertPath: path, AllowLegacy: true})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 without a BuildMeta, even with a valid legacy self-hash, got %s", s.Level())
	}
}

func TestBind_BuildMetaMismatchStaysAtV01(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": "wrong-hash",
	}
	path := writeCert(t, dir, cert)

	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 when build_meta_sha256 doesn't match, got %s", s.Level())
	}
}

func TestBind_WrongCertVersionStaysAtV01(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.1",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)

	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected v0.1 for a non-v0.2 cert_version, got %s", s.Level())
	}
}

func TestDemote_IsIdempotentAndIrreversible(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)
	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if s.Level() != authority.LevelV02 {
		t.Fatalf("setup: expected v0.2, got %s", s.Level())
	}

	_, demoted := s.Demote("test_trigger")
	if !demoted || s.Level() != authority.LevelV01 {
		t.Fatalf("expected first demotion to succeed and land at v0.1, got level=%s demoted=%v", s.Level(), demoted)
	}

	_, demotedAgain := s.Demote("another_trigger")
	if demotedAgain {
		t.Error("expected a second demotion in the same session to be a no-op")
	}
	if len(s.Demotions()) != 1 {
		t.Errorf("expected exactly one recorded demotion, got %d", len(s.Demotions()))
	}
}

func TestRebind_NeverRaisesLevelMidSession(t *testing.T) {
	// Start at v0.1 (no cert at all).
	s := authority.Bind(authority.BindOptions{})
	if s.Level() != authority.LevelV01 {
		t.Fatalf("setup: expected v0.1, got %s", s.Level())
	}

	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)

	// A rebind against a now-valid, higher-tier certificate must not raise
	// the already-bound session's level.
	got := s.Rebind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if got != authority.LevelV01 {
		t.Errorf("expected Rebind to never raise the session's authority level, got %s", got)
	}
}

func TestRebind_DemotesWhenCertNewlyFailsVerification(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)
	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if s.Level() != authority.LevelV02 {
		t.Fatalf("setup: expected v0.2, got %s", s.Level())
	}

	// Corrupt the certificate on disk to simulate it newly failing verification.
	if err := os.WriteFile(path, []byte(`{"cert_version":"v0.2"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got := s.Rebind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	if got != authority.LevelV01 {
		t.Errorf("expected Rebind to demote when the certificate no longer verifies, got %s", got)
	}
}

func TestWatcher_DemotesOnViolationActive(t *testing.T) {
	dir := t.TempDir()
	bm := testBuildMeta()
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	path := writeCert(t, dir, cert)
	s := authority.Bind(authority.BindOptions{CertPath: path, BuildMeta: bm, AllowLegacy: true})
	w := authority.NewWatcher(s)

	ev, demoted := w.CheckAll(authority.Snapshot{ViolationActive: true, BuildMeta: bm})
	if !demoted || ev.Trigger != "violation_active_true" {
		t.Errorf("expected demotion with trigger violation_active_true, got %+v demoted=%v", ev, demoted)
	}
	if s.Level() != authority.LevelV01 {
		t.Errorf("expected state to be pinned at v0.1 after demotion, got %s", s.Level())
	}
}

func TestWatcher_DemotesOnBuildMetaMismatch(t *testing.T) {
	dir := t.TempDir()
	bm := writeBuildMetaFiles(t, dir, map[string]string{"main.go": "original source"})
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	certPath := writeCert(t, dir, cert)
	s := authority.Bind(authority.BindOptions{CertPath: certPath, BuildMeta: bm, AllowLegacy: true})
	w := authority.NewWatcher(s)

	// Simulate live-patching: the critical file on disk changes after
	// promotion, while the in-memory BuildMeta snapshot (and its
	// self-consistent CombinedSHA256) stay exactly as loaded at bind
	// time.
	if err := os.WriteFile(bm.CriticalFiles[0], []byte("patched source"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev, demoted := w.CheckAll(authority.Snapshot{ViolationActive: false, BuildMeta: bm})
	if !demoted || ev.Trigger != "build_meta_mismatch" {
		t.Errorf("expected demotion with trigger build_meta_mismatch, got %+v demoted=%v", ev, demoted)
	}
}

func TestWatcher_NoDemotionWhenHealthy(t *testing.T) {
	dir := t.TempDir()
	bm := writeBuildMetaFiles(t, dir, map[string]string{"main.go": "original source"})
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       "2026-01-01T00:00:00Z",
		"build_meta_sha256": bm.CombinedSHA256,
	}
	certPath := writeCert(t, dir, cert)
	s := authority.Bind(authority.BindOptions{CertPath: certPath, BuildMeta: bm, AllowLegacy: true})
	w := authority.NewWatcher(s)

	_, demoted := w.CheckAll(authority.Snapshot{ViolationActive: false, BuildMeta: bm})
	if demoted {
		t.Error("expected no demotion when healthy")
	}
	if s.Level() != authority.LevelV02 {
		t.Errorf("expected level to remain v0.2, got %s", s.Level())
	}
}

func TestLevel_CanEmitNonFlat(t *testing.T) {
	if authority.LevelV01.CanEmitNonFlat() {
		t.Error("v0.1 must not be able to emit non-flat intents")
	}
	if !authority.LevelV02.CanEmitNonFlat() {
		t.Error("v0.2 must be able to emit non-flat intents")
	}
}

func TestBuildMeta_VerifyDetectsDrift(t *testing.T) {
	bm := testBuildMeta()
	if !bm.Verify() {
		t.Fatal("expected fresh BuildMeta to verify against itself")
	}
	bm.SourceFiles["main.go"] = "tampered"
	if bm.Verify() {
		t.Error("expected Verify to fail after a source file hash changes")
	}
}
