// Package main — bench/cmd/latency/main.go
//
// Runtime-loop per-event latency measurement tool.
//
// Measures the wall-clock time of one SPEC_FULL.md §4.5 loop
// iteration (state update -> demotion check -> constraint evaluation
// -> authority gate -> emission) for a synthetic stream of
// market.regime events cycling through the five regimes, writing to a
// discarded output spine so disk contention doesn't skew the
// measurement.
//
// Method:
//  1. Builds a Loop at v0.2 authority with the mock envelope kernel
//     (the cheap closed-form one — mc_local's Monte Carlo cost is a
//     separate, deliberate variable this tool holds fixed).
//  2. Feeds N synthetic events to a single symbol, timing each
//     handle() call with clock_gettime(CLOCK_MONOTONIC) via
//     time.Now()/time.Since.
//  3. Results are written to a CSV file and summarized as p50/p95/p99.
//
// Output CSV columns:
//
//	iteration, latency_us, emitted
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/synthdesk/router/internal/authority"
	"github.com/synthdesk/router/internal/envelope"
	"github.com/synthdesk/router/internal/event"
	routerRuntime "github.com/synthdesk/router/internal/runtime"
	"github.com/synthdesk/router/internal/signing"
	"github.com/synthdesk/router/internal/spine"
	"github.com/synthdesk/router/internal/state"
)

var regimeCycle = []string{"drift", "breakout", "chop", "high_vol", "drift"}

func main() {
	iterations := flag.Int("iterations", 10000, "Number of simulated events to measure")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	spinePath := flag.String("spine", "", "Output spine path (defaults to a temp file, discarded)")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	spineFile := *spinePath
	if spineFile == "" {
		f, err := os.CreateTemp("", "router-bench-spine-*.jsonl")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create temp spine: %v\n", err)
			os.Exit(1)
		}
		spineFile = f.Name()
		f.Close()
		defer os.Remove(spineFile)
	}

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us", "emitted"})

	log := zap.NewNop()

	buildMeta := &authority.BuildMeta{
		SourceFiles:   map[string]string{"bench": "fixed"},
		CriticalFiles: []string{"bench"},
	}
	buildMeta.CombinedSHA256 = buildMeta.ComputeCombinedHash()

	certPath, cleanup, err := writeBenchCertificate(buildMeta.CombinedSHA256)
	if err != nil {
		fmt.Fprintf(os.Stderr, "write bench certificate: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	// A bench run cares about hot-path cost at the level where
	// non-flat intents actually reach emission, not the authority-gate
	// short circuit — so it binds a real (legacy self-hashed) v0.2
	// certificate matched against a fixed, synthetic build-meta rather
	// than running at the v0.1 default.
	authState := authority.Bind(authority.BindOptions{CertPath: certPath, BuildMeta: buildMeta, AllowLegacy: true})

	loop := routerRuntime.New(routerRuntime.Options{
		State:     state.New(),
		Authority: authState,
		Watcher:   authority.NewWatcher(authState),
		Emitter:   spine.NewEmitter(spineFile, log),
		Kernel:    mustKernel("mock"),
		Log:       log,
	})

	var p50Bucket [10001]int
	var emittedCount int

	warmup(loop)

	for i := 0; i < *iterations; i++ {
		ev := syntheticEvent(i)

		sizeBefore := fileSize(spineFile)
		start := time.Now()
		loop.ReplayAll([]event.Event{ev})
		latency := time.Since(start)
		emitted := fileSize(spineFile) != sizeBefore
		if emitted {
			emittedCount++
		}

		latencyUs := int(latency.Microseconds())
		if latencyUs < len(p50Bucket) {
			p50Bucket[latencyUs]++
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.Itoa(latencyUs),
			strconv.FormatBool(emitted),
		})
	}

	p50, p95, p99 := computePercentiles(p50Bucket[:], *iterations)

	fmt.Printf("Runtime Loop Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  Emissions: %d/%d (%.1f%%)\n", emittedCount, *iterations,
		float64(emittedCount)/float64(*iterations)*100)
	fmt.Printf("  p50: %dµs\n", p50)
	fmt.Printf("  p95: %dµs\n", p95)
	fmt.Printf("  p99: %dµs\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 2000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dµs exceeds 2000µs target\n", p99)
		os.Exit(1)
	}
}

// warmup runs a handful of iterations before timing starts, so the
// first few measurements don't absorb one-time costs (zap sink setup,
// page faults on the CSV buffer, etc).
func warmup(loop *routerRuntime.Loop) {
	loop.ReplayAll([]event.Event{syntheticEvent(-2)})
	loop.ReplayAll([]event.Event{syntheticEvent(-1)})
}

func syntheticEvent(i int) event.Event {
	regime := regimeCycle[((i%len(regimeCycle))+len(regimeCycle))%len(regimeCycle)]
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i+2) * time.Second)
	return event.Event{
		EventType:    event.TypeMarketRegime,
		EventID:      fmt.Sprintf("bench-%d", i),
		Timestamp:    ts,
		RawTimestamp: ts.Format(time.RFC3339Nano),
		Payload:      map[string]any{"symbol": "BENCH-USD", "regime": regime},
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}

func mustKernel(name string) envelope.Kernel {
	k, err := envelope.Lookup(name)
	if err != nil {
		panic(err)
	}
	return k
}

// writeBenchCertificate writes a legacy self-hashed v0.2 certificate
// (no Ed25519 signature) pinned against buildMetaSHA256 to a temp file
// and returns its path plus a cleanup func. This goes through the same
// authority.Bind/signing.LegacySelfHashMatches path production
// certificates do.
func writeBenchCertificate(buildMetaSHA256 string) (path string, cleanup func(), err error) {
	cert := map[string]any{
		"cert_version":      "v0.2",
		"promoted_at":       time.Now().UTC().Format(time.RFC3339),
		"build_meta_sha256": buildMetaSHA256,
	}
	hash, err := signing.PayloadHashHex(cert)
	if err != nil {
		return "", nil, err
	}
	cert["cert_sha256"] = hash

	raw, err := json.Marshal(cert)
	if err != nil {
		return "", nil, err
	}

	f, err := os.CreateTemp("", "router-bench-cert-*.json")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
