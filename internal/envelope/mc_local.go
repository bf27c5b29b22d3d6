package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// MCKernelVersion is the frozen kernel version tag. Note that the seed
// derivation below hardcodes the older literal "mc_local_v0.1" as its
// prefix regardless of this value — that quirk is inherited from the
// original kernel this was ported from and must not be "corrected" to
// use MCKernelVersion, or seeds (and therefore every downstream
// simulation) would silently stop matching prior runs.
const MCKernelVersion = "mc_local_v0.2.1"

const (
	mcHorizons = 16 // H
	mcSims     = 64 // N_SIMS

	sigmaDir0  = 0.05
	sigmaDir1  = 0.35
	sigmaVeto0 = 0.05
	sigmaVeto1 = 0.25
	mcEpsilon  = 0.01
	shrinkK    = 0.5
)

// horizonGridMinutes is [1, 5, 9, ..., 61].
func horizonGridMinutes() [mcHorizons]int {
	var grid [mcHorizons]int
	for i := range grid {
		grid[i] = 1 + i*4
	}
	return grid
}

// MCLocalKernel is the hash-seeded deterministic Monte Carlo envelope
// kernel, grounded on original_source/router/mc_envelope_local.py.
// The emitted envelope is read at HorizonMinutes: the registered
// instance uses 5, matching that module's default horizon_minutes, and
// the daemon replaces it with one built from kernel.horizon_minutes.
type MCLocalKernel struct {
	HorizonMinutes int
}

// NewMCLocalKernel returns an MC kernel evaluated at the default
// 5-minute horizon.
func NewMCLocalKernel() *MCLocalKernel {
	return &MCLocalKernel{HorizonMinutes: 5}
}

func (k *MCLocalKernel) Name() string    { return "mc_local" }
func (k *MCLocalKernel) Version() string { return MCKernelVersion }

func (k *MCLocalKernel) Compute(dir Direction, confidence float64, size float64, vetoed bool, seedInput SeedInput) Envelope {
	if vetoed {
		return Vetoed("mc_local_v0", MCKernelVersion)
	}

	c := clamp01(confidence)
	seed := mcSeed(seedInput.SliceHash, seedInput.Symbol)

	dirLogits0, vetoLogit0 := initialLogits(dir, c)
	hIdx := horizonIndex(k.HorizonMinutes)

	channels := runSimulations(dirLogits0, vetoLogit0, seed, hIdx)

	return reduceToEnvelope(channels, size, hIdx)
}

// mcSeed reproduces _u64_from_sha256(f"mc_local_v0.1|{slice}|{symbol}|{version}").
func mcSeed(sliceHash, symbol string) uint64 {
	s := fmt.Sprintf("mc_local_v0.1|%s|%s|%s", sliceHash, symbol, MCKernelVersion)
	return u64FromSHA256(s)
}

func u64FromSHA256(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.LittleEndian.Uint64(sum[:8])
}

// hashUniform reproduces _hash_to_uniform: a deterministic value in
// (0,1) derived from (seed, s, h, j).
func hashUniform(seed uint64, s, h, j int) float64 {
	key := fmt.Sprintf("%d|s=%d|h=%d|j=%d", seed, s, h, j)
	u := u64FromSHA256(key)
	return (float64(u) + 0.5) / 18446744073709551616.0 // 2^64
}

// hashNormal reproduces _hash_to_normal: Box-Muller over two
// hash-derived uniforms, using j and j+1000 as the pair.
func hashNormal(seed uint64, s, h, j int) float64 {
	r1 := hashUniform(seed, s, h, j)
	r2 := hashUniform(seed, s, h, j+1000)
	return math.Sqrt(-2.0*math.Log(r1+1e-10)) * math.Cos(2.0*math.Pi*r2)
}

func logit(p float64) float64 {
	if p < 1e-6 {
		p = 1e-6
	}
	if p > 1.0-1e-6 {
		p = 1.0 - 1e-6
	}
	return math.Log(p / (1.0 - p))
}

func sigmoid(x float64) float64 {
	if x > 20 {
		return 1.0
	}
	if x < -20 {
		return 0.0
	}
	return 1.0 / (1.0 + math.Exp(-x))
}

func softmax3(logits [3]float64) [3]float64 {
	maxLogit := logits[0]
	for _, l := range logits[1:] {
		if l > maxLogit {
			maxLogit = l
		}
	}
	var exp [3]float64
	var sum float64
	for i, l := range logits {
		exp[i] = math.Exp(l - maxLogit)
		sum += exp[i]
	}
	var out [3]float64
	for i := range exp {
		out[i] = exp[i] / sum
	}
	return out
}

// horizonIndex maps a requested horizon in minutes to the nearest grid
// index.
func horizonIndex(minutes int) int {
	grid := horizonGridMinutes()
	best := 0
	bestDist := iabs(grid[0] - minutes)
	for i, g := range grid {
		d := iabs(g - minutes)
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func iabs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// initialLogits reproduces the confidence-sharpened direction one-hot
// and the base veto logit from generate_mc_envelope.
func initialLogits(dir Direction, c float64) (dirLogits0 [3]float64, vetoLogit0 float64) {
	var onehot [3]float64 // flat, long, short
	switch dir {
	case Long:
		onehot = [3]float64{0.15, 0.85, 0.0}
	case Short:
		onehot = [3]float64{0.15, 0.0, 0.85}
	default:
		onehot = [3]float64{0.90, 0.05, 0.05}
	}

	if dir == Long || dir == Short {
		sharpness := 0.5 + 0.5*c
		if dir == Long {
			onehot = [3]float64{
				0.15*(1-sharpness) + 0.33*(1-sharpness),
				0.85*sharpness + 0.34*(1-sharpness),
				0.0*sharpness + 0.33*(1-sharpness),
			}
		} else {
			onehot = [3]float64{
				0.15*(1-sharpness) + 0.33*(1-sharpness),
				0.0*sharpness + 0.33*(1-sharpness),
				0.85*sharpness + 0.34*(1-sharpness),
			}
		}
	}

	var total float64
	for _, v := range onehot {
		total += v
	}
	for i := range onehot {
		onehot[i] /= total
	}

	for i := range onehot {
		p := onehot[i]*(1.0-2*mcEpsilon) + mcEpsilon
		dirLogits0[i] = math.Log(p)
	}

	pVeto0 := 0.05 + 0.10*(1-c)
	vetoLogit0 = logit(pVeto0)
	return dirLogits0, vetoLogit0
}

type mcChannels struct {
	pFlat, pLong, pShort, pVetoed, survival, uncertainty []float64
}

// runSimulations reproduces _run_mc_simulations for horizons
// [0, hMax].
func runSimulations(dirLogits0 [3]float64, vetoLogit0 float64, seed uint64, hMax int) mcChannels {
	n := hMax + 1
	if n > mcHorizons {
		n = mcHorizons
	}
	ch := mcChannels{
		pFlat:       make([]float64, 0, n),
		pLong:       make([]float64, 0, n),
		pShort:      make([]float64, 0, n),
		pVetoed:     make([]float64, 0, n),
		survival:    make([]float64, 0, n),
		uncertainty: make([]float64, 0, n),
	}

	for h := 0; h < n; h++ {
		t := float64(h) / float64(mcHorizons-1)
		sigmaDirH := sigmaDir0 + (sigmaDir1-sigmaDir0)*t
		sigmaVetoH := sigmaVeto0 + (sigmaVeto1-sigmaVeto0)*t
		alphaH := math.Exp(-shrinkK * t)
		_ = sigmaVetoH

		var sumFlat, sumLong, sumShort, sumVeto, sumSurvive, sumEntropy float64

		for s := 0; s < mcSims; s++ {
			var zDir [3]float64
			for j := 0; j < 3; j++ {
				zDir[j] = hashNormal(seed, s, h, j)
			}
			var dirLogits [3]float64
			for j := 0; j < 3; j++ {
				dirLogits[j] = alphaH*dirLogits0[j] + sigmaDirH*zDir[j]
			}
			pDir := softmax3(dirLogits)
			sumFlat += pDir[0]
			sumLong += pDir[1]
			sumShort += pDir[2]

			zVeto := hashNormal(seed, s, h, 100)
			vetoLogitH := vetoLogit0 + sigmaVetoH*zVeto
			pVeto := sigmoid(vetoLogitH)
			sumVeto += pVeto

			survive := 1.0
			for i := 0; i <= h; i++ {
				zV := hashNormal(seed, s, i, 100)
				tI := float64(i) / float64(mcHorizons-1)
				sigmaVI := sigmaVeto0 + (sigmaVeto1-sigmaVeto0)*tI
				vl := vetoLogit0 + sigmaVI*zV
				pv := sigmoid(vl)
				survive *= 1.0 - pv
			}
			sumSurvive += survive

			var entropy float64
			for _, p := range pDir {
				if p > 0 {
					entropy -= p * math.Log(p+1e-9)
				}
			}
			maxEntropy := math.Log(3.0)
			sumEntropy += entropy / maxEntropy
		}

		ch.pFlat = append(ch.pFlat, sumFlat/mcSims)
		ch.pLong = append(ch.pLong, sumLong/mcSims)
		ch.pShort = append(ch.pShort, sumShort/mcSims)
		ch.pVetoed = append(ch.pVetoed, sumVeto/mcSims)
		ch.survival = append(ch.survival, sumSurvive/mcSims)
		ch.uncertainty = append(ch.uncertainty, sumEntropy/mcSims)
	}

	return ch
}

// reduceToEnvelope reproduces _reduce_channels_to_envelope: direction
// probabilities come from the requested horizon slice, the size band
// from the average uncertainty across all simulated horizons.
func reduceToEnvelope(ch mcChannels, size float64, hIdx int) Envelope {
	idx := hIdx
	if idx >= len(ch.pFlat) {
		idx = len(ch.pFlat) - 1
	}
	if idx < 0 {
		idx = 0
	}

	var avgUncertainty float64
	for _, u := range ch.uncertainty {
		avgUncertainty += u
	}
	avgUncertainty /= float64(len(ch.uncertainty))

	band := 0.20 + 0.60*avgUncertainty
	s := abs(size)
	sizeMin := math.Max(0.0, s*(1.0-band))
	sizeMax := s * (1.0 + band)

	return Envelope{
		PFlat:   clamp01(ch.pFlat[idx]),
		PLong:   clamp01(ch.pLong[idx]),
		PShort:  clamp01(ch.pShort[idx]),
		PVetoed: clamp01(ch.pVetoed[idx]),
		SizeMin: sizeMin,
		SizeMax: sizeMax,
		Kernel:  "mc_local_v0",
		Version: MCKernelVersion,
	}
}
