// Package envelope computes the deterministic uncertainty envelope
// attached to every emitted intent or veto: a direction-probability
// vector plus a size band. Two kernels are provided, selected by name
// through a small registry (see registry.go) grounded on the teacher's
// contrib plugin pattern.
package envelope

import "math"

// Envelope is the uncertainty object attached to every emission.
// p_flat + p_long + p_short + p_vetoed sums to 1. A vetoed envelope
// collapses to (0,0,0,1,0,0).
type Envelope struct {
	PFlat   float64
	PLong   float64
	PShort  float64
	PVetoed float64
	SizeMin float64
	SizeMax float64
	Kernel  string
	Version string
}

// Vetoed returns the canonical collapsed envelope for a veto emission.
func Vetoed(kernel, version string) Envelope {
	return Envelope{PFlat: 0, PLong: 0, PShort: 0, PVetoed: 1, SizeMin: 0, SizeMax: 0, Kernel: kernel, Version: version}
}

// ToPayload returns the wire form attached to an emitted intent or
// veto's "envelope" field.
func (e Envelope) ToPayload() map[string]any {
	return map[string]any{
		"p_flat":   e.PFlat,
		"p_long":   e.PLong,
		"p_short":  e.PShort,
		"p_vetoed": e.PVetoed,
		"size_min": e.SizeMin,
		"size_max": e.SizeMax,
		"kernel":   e.Kernel,
		"version":  e.Version,
	}
}

// Direction mirrors allocator.Direction without importing it, so this
// package has no dependency on the allocator — kernels only need to
// know flat/long/short.
type Direction string

const (
	Flat  Direction = "flat"
	Long  Direction = "long"
	Short Direction = "short"
)

// Kernel produces an Envelope for a given direction, confidence, and
// absolute size. vetoed short-circuits every kernel to Vetoed().
type Kernel interface {
	Name() string
	Version() string
	Compute(dir Direction, confidence float64, size float64, vetoed bool, seedInput SeedInput) Envelope
}

// SeedInput carries the inputs the Monte Carlo kernel needs to derive
// its deterministic seed. The mock kernel ignores it.
type SeedInput struct {
	SliceHash string
	Symbol    string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	return math.Abs(v)
}
