package daemon_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/config"
	"github.com/synthdesk/router/internal/daemon"
)

func testConfig(dir string) *config.Config {
	cfg := config.Defaults()
	cfg.Kernel.Name = "mock"
	cfg.Ledger.DBPath = filepath.Join(dir, "ledger.db")
	return &cfg
}

func TestNew_WithoutCertPathStaysAtV01AndWiresSidecars(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	boot, err := daemon.New(cfg, zap.NewNop(), nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if boot.Authority.Level() != "v0.1" {
		t.Errorf("expected v0.1 with no cert_path configured, got %s", boot.Authority.Level())
	}
	if boot.Metrics == nil {
		t.Error("expected metrics sidecar to be attached when withSidecars=true")
	}
	if boot.LedgerDB == nil {
		t.Error("expected ledger sidecar to be attached when withSidecars=true")
	}
}

func TestNew_WithoutSidecarsLeavesBothNil(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	boot, err := daemon.New(cfg, zap.NewNop(), nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if boot.Metrics != nil {
		t.Error("expected no metrics sidecar when withSidecars=false")
	}
	if boot.LedgerDB != nil {
		t.Error("expected no ledger sidecar when withSidecars=false")
	}
}

func TestNew_UnknownKernelNameFails(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Kernel.Name = "nonexistent_kernel"

	if _, err := daemon.New(cfg, zap.NewNop(), nil, false); err == nil {
		t.Fatal("expected an error for an unregistered kernel name")
	}
}

func TestNew_UnreadableBuildMetaFailsClosedNotFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Authority.CertPath = filepath.Join(dir, "cert.json") // irrelevant, no file either
	cfg.Authority.BuildMetaPath = filepath.Join(dir, "missing_build_meta.json")

	boot, err := daemon.New(cfg, zap.NewNop(), nil, false)
	if err != nil {
		t.Fatalf("expected daemon startup to tolerate an unreadable build-meta file, got %v", err)
	}
	if boot.Authority.Level() != "v0.1" {
		t.Errorf("expected fail-closed to v0.1, got %s", boot.Authority.Level())
	}
}

func TestReplay_WritesEmittedRecordsForInputSpine(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	inputPath := filepath.Join(dir, "input_spine.jsonl")
	outputPath := filepath.Join(dir, "output_spine.jsonl")
	lines := []string{
		`{"event_type":"listener.start","event_id":"e1","ts":"2026-01-01T00:00:00Z","payload":{}}`,
		`{"event_type":"market.regime","event_id":"e2","ts":"2026-01-01T00:00:01Z","payload":{"symbol":"AAPL","regime":"chop"}}`,
	}
	if err := os.WriteFile(inputPath, []byte(joinLines(lines)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := daemon.Replay(inputPath, outputPath, cfg, zap.NewNop()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("expected an output spine file to be written, got %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		t.Fatalf("expected a well-formed JSON record, got %v (%s)", err, raw)
	}
	// listener.start has made the listener alive, so chop short-circuits
	// to a no_edge veto before the allocator or the authority gate is reached.
	if record["event_type"] != "router.veto" {
		t.Errorf("expected a veto record for an unresolved chop regime, got %+v", record)
	}
}

func TestReplay_LeavesNoLedgerFileBehind(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Ledger.DBPath = filepath.Join(dir, "should_not_exist.db")

	inputPath := filepath.Join(dir, "input_spine.jsonl")
	outputPath := filepath.Join(dir, "output_spine.jsonl")
	if err := os.WriteFile(inputPath, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := daemon.Replay(inputPath, outputPath, cfg, zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Ledger.DBPath); !os.IsNotExist(err) {
		t.Error("expected replay to never create a ledger file as a side effect")
	}
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
