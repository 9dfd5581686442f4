// Package noise implements the Laplace and Gaussian differential-privacy
// mechanisms the pipeline applies to raw cardinality estimates before they
// ever leave the process.
package noise

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

// zScore95 is the two-sided 95% standard normal quantile, used for both
// mechanisms' confidence interval half-width.
const zScore95 = 1.959963984540054

// Result is the outcome of applying a mechanism to a raw value.
type Result struct {
	Raw       float64
	Noisy     float64
	Mechanism domain.Mechanism
	Epsilon   float64
	Delta     float64
	CILow     float64
	CIHigh    float64
	Seed      int64
}

// SeedFor derives a deterministic, per-(metric, day) seed from a base seed,
// so that replaying a release for one metric/day never perturbs the noise
// stream used for any other metric/day.
func SeedFor(base int64, metric domain.Metric, day string) int64 {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(base))
	h.Write(buf[:])
	h.Write([]byte(string(metric)))
	h.Write([]byte(day))
	sum := h.Sum(nil)
	// truncate to 63 bits so the seed is always representable as a
	// non-negative int64 when persisted to the ledger.
	v := binary.BigEndian.Uint64(sum[:8]) & 0x7fffffffffffffff
	return int64(v)
}

// newSource builds a seeded PCG source from golang.org/x/exp/rand. It is
// deterministic given a seed and is not a cryptographically secure
// generator; the same source type is used whether or not DEFAULT_SEED is
// set.
func newSource(seed int64) rand.Source {
	src := rand.NewSource(uint64(seed))
	return src
}

// Laplace applies the Laplace mechanism to value with the given L1
// sensitivity and privacy parameter epsilon, returning the noised value,
// its 95% confidence interval, and the parameters used.
func Laplace(value, sensitivity, epsilon float64, seed int64) (Result, error) {
	if epsilon <= 0 {
		return Result{}, fmt.Errorf("epsilon must be > 0 for the Laplace mechanism, got %v", epsilon)
	}
	scale := sensitivity / epsilon
	dist := distuv.Laplace{Mu: 0, Scale: scale, Src: newSource(seed)}
	noisy := value + dist.Rand()
	// 95% CI half-width for Laplace(0, scale): P(|X| > z) = exp(-z/scale) = alpha,
	// so z = -scale * ln(alpha), alpha=0.05
	z := -scale * math.Log(0.05)
	return Result{
		Raw:       value,
		Noisy:     roundAndClamp(noisy),
		Mechanism: domain.MechanismLaplace,
		Epsilon:   epsilon,
		Delta:     0,
		CILow:     noisy - z,
		CIHigh:    noisy + z,
		Seed:      seed,
	}, nil
}

// roundAndClamp enforces spec §4.4's released-value shape: the estimate a
// caller sees is never negative or fractional, even though the raw value and
// confidence interval it's derived from may be.
func roundAndClamp(noisy float64) float64 {
	return math.Round(math.Max(0, noisy))
}

// Gaussian applies the Gaussian mechanism to value with the given L2
// sensitivity and (epsilon, delta) privacy parameters, returning the noised
// value, its 95% confidence interval, and the parameters used.
func Gaussian(value, sensitivity, epsilon, delta float64, seed int64) (Result, error) {
	if epsilon <= 0 || delta <= 0 || delta >= 1 {
		return Result{}, fmt.Errorf("gaussian mechanism requires epsilon > 0 and 0 < delta < 1, got epsilon=%v delta=%v", epsilon, delta)
	}
	sigma := math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon
	dist := distuv.Normal{Mu: 0, Sigma: sigma, Src: newSource(seed)}
	noisy := value + dist.Rand()
	return Result{
		Raw:       value,
		Noisy:     roundAndClamp(noisy),
		Mechanism: domain.MechanismGaussian,
		Epsilon:   epsilon,
		Delta:     delta,
		CILow:     noisy - zScore95*sigma,
		CIHigh:    noisy + zScore95*sigma,
		Seed:      seed,
	}, nil
}

// GaussianSigma returns the noise scale a Gaussian release at the given
// sensitivity and (epsilon, delta) would use, without sampling — needed by
// the accountant to log RDP contributions at release time.
func GaussianSigma(sensitivity, epsilon, delta float64) float64 {
	return math.Sqrt(2*math.Log(1.25/delta)) * sensitivity / epsilon
}
