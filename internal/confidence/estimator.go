package confidence

import (
	"fmt"
	"math"
	"sync"
)

// RegimeBaseline holds the statistical parameters of a single regime's
// feature distribution, adapted from internal/anomaly/mahalanobis.go's
// Baseline (mean vector / covariance / precomputed inverse).
type RegimeBaseline struct {
	MeanVector       []float64
	CovarianceMatrix [][]float64
	InvCovariance    [][]float64
	SampleCount      int
}

// Estimator computes a regime-fit distance for a feature vector
// against a regime's baseline, the same way the teacher's anomaly
// Engine scores a process feature vector against its binary baseline.
// A low distance means the current features are well explained by the
// classified regime; a high distance flags potential misclassification.
// Its output feeds regime_confidence into the EntropyState the
// allocator uses (SPEC_FULL.md §4.1a) only as a substitute for the
// fixed default when an event doesn't carry an explicit confidence
// figure and enough per-symbol history exists — it can never itself
// force or suppress an emission, and its absence reproduces the
// spec's baseline default-entropy behavior exactly.
type Estimator struct {
	mu sync.RWMutex
}

// NewEstimator builds a regime confidence estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Distance computes the Mahalanobis distance squared (or Euclidean
// fallback when the baseline's covariance is singular) of x against
// baseline. Returns 0 if baseline is nil, matching the teacher's
// "no data" convention.
func (e *Estimator) Distance(x []float64, baseline *RegimeBaseline) (float64, error) {
	if baseline == nil {
		return 0.0, nil
	}

	n := len(baseline.MeanVector)
	if len(x) != n {
		return 0.0, fmt.Errorf("confidence: feature dimension mismatch: x has %d elements, baseline has %d", len(x), n)
	}

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = x[i] - baseline.MeanVector[i]
	}

	if baseline.InvCovariance != nil {
		return quadForm(diff, baseline.InvCovariance), nil
	}
	return sumSquares(diff), nil
}

// BuildBaseline computes a RegimeBaseline's mean vector and covariance
// matrix from a window of feature samples (each the same fixed-length
// slice), adapted from internal/anomaly/mahalanobis.go's baseline
// training step. Returns nil if samples is empty or the samples don't
// share a common dimension. The returned baseline's InvCovariance is
// nil (singular covariance, e.g. too few distinct samples) whenever
// InvertCovariance can't find one, in which case Distance falls back
// to the Euclidean metric automatically.
func BuildBaseline(samples [][]float64) *RegimeBaseline {
	if len(samples) == 0 {
		return nil
	}
	n := len(samples[0])
	if n == 0 {
		return nil
	}

	mean := make([]float64, n)
	for _, s := range samples {
		if len(s) != n {
			return nil
		}
		for i, v := range s {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(samples))
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for _, s := range samples {
		diff := make([]float64, n)
		for i, v := range s {
			diff[i] = v - mean[i]
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				cov[i][j] += diff[i] * diff[j]
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov[i][j] /= float64(len(samples))
		}
	}

	return &RegimeBaseline{
		MeanVector:       mean,
		CovarianceMatrix: cov,
		InvCovariance:    InvertCovariance(cov),
		SampleCount:      len(samples),
	}
}

// AsRegimeConfidence maps a distance to a [0, 1] confidence score via
// an exponential decay: confidence = exp(-distance / scale). Larger
// scale means the score tolerates larger distances before discounting
// confidence.
func AsRegimeConfidence(distance, scale float64) float64 {
	if scale <= 0 {
		scale = 1.0
	}
	c := math.Exp(-distance / scale)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func quadForm(v []float64, m [][]float64) float64 {
	n := len(v)
	mv := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			mv[i] += m[i][j] * v[j]
		}
	}
	var result float64
	for i := 0; i < n; i++ {
		result += v[i] * mv[i]
	}
	return result
}

func sumSquares(v []float64) float64 {
	var sum float64
	for _, vi := range v {
		sum += vi * vi
	}
	return sum
}

// InvertCovariance computes the inverse of a symmetric
// positive-definite matrix via Cholesky decomposition, returning nil
// if singular. Adapted verbatim in structure from
// internal/anomaly/mahalanobis.go's InvertCovariance; called only when
// a regime baseline is (re)trained, never on the hot path.
func InvertCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	if n == 0 {
		return nil
	}

	l := choleskyDecompose(cov)
	if l == nil {
		return nil
	}
	linv := invertLowerTriangular(l)
	if linv == nil {
		return nil
	}

	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				inv[i][j] += linv[k][i] * linv[k][j]
			}
		}
	}
	return inv
}

func choleskyDecompose(a [][]float64) [][]float64 {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					return nil
				}
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l
}

func invertLowerTriangular(l [][]float64) [][]float64 {
	n := len(l)
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
	}

	for j := 0; j < n; j++ {
		if l[j][j] == 0 {
			return nil
		}
		inv[j][j] = 1.0 / l[j][j]
		for i := j + 1; i < n; i++ {
			var sum float64
			for k := j; k < i; k++ {
				sum -= l[i][k] * inv[k][j]
			}
			inv[i][j] = sum / l[i][i]
		}
	}
	return inv
}
