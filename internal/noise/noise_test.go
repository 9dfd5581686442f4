package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

func TestLaplace_RejectsNonPositiveEpsilon(t *testing.T) {
	_, err := Laplace(100, 2, 0, 1)
	assert.Error(t, err)
}

func TestLaplace_IsDeterministicForFixedSeed(t *testing.T) {
	r1, err := Laplace(100, 2, 0.5, 42)
	require.NoError(t, err)
	r2, err := Laplace(100, 2, 0.5, 42)
	require.NoError(t, err)
	assert.Equal(t, r1.Noisy, r2.Noisy)
	assert.Equal(t, domain.MechanismLaplace, r1.Mechanism)
	assert.Less(t, r1.CILow, r1.Noisy)
	assert.Greater(t, r1.CIHigh, r1.Noisy)
}

func TestLaplace_DifferentSeedsDiverge(t *testing.T) {
	r1, err := Laplace(100, 2, 0.5, 1)
	require.NoError(t, err)
	r2, err := Laplace(100, 2, 0.5, 2)
	require.NoError(t, err)
	assert.NotEqual(t, r1.Noisy, r2.Noisy)
}

func TestGaussian_RejectsInvalidDelta(t *testing.T) {
	_, err := Gaussian(100, 2, 0.5, 0, 1)
	assert.Error(t, err)
	_, err = Gaussian(100, 2, 0.5, 1, 1)
	assert.Error(t, err)
}

func TestGaussian_IsDeterministicForFixedSeed(t *testing.T) {
	r1, err := Gaussian(100, 2, 0.5, 1e-6, 7)
	require.NoError(t, err)
	r2, err := Gaussian(100, 2, 0.5, 1e-6, 7)
	require.NoError(t, err)
	assert.Equal(t, r1.Noisy, r2.Noisy)
	assert.Equal(t, domain.MechanismGaussian, r1.Mechanism)
}

func TestSeedFor_IsStableAndMetricDayScoped(t *testing.T) {
	a := SeedFor(1000, domain.MetricDAU, "2026-01-01")
	b := SeedFor(1000, domain.MetricDAU, "2026-01-01")
	c := SeedFor(1000, domain.MetricMAU, "2026-01-01")
	d := SeedFor(1000, domain.MetricDAU, "2026-01-02")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.GreaterOrEqual(t, a, int64(0), "seed must fit in a non-negative int64 for storage")
}

func TestGaussianSigma_ScalesInverselyWithEpsilon(t *testing.T) {
	sigmaLoose := GaussianSigma(2, 1.0, 1e-6)
	sigmaTight := GaussianSigma(2, 0.1, 1e-6)
	assert.Greater(t, sigmaTight, sigmaLoose, "a smaller epsilon must require more noise")
}
