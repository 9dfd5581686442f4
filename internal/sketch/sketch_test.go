package sketch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactSketch_EstimateMatchesInsertedCount(t *testing.T) {
	cfg := Config{K: 64}
	s := newExact(cfg)
	for i := uint64(0); i < 50; i++ {
		s.Add(i)
	}
	// duplicates don't inflate the estimate
	for i := uint64(0); i < 10; i++ {
		s.Add(i)
	}
	assert.Equal(t, float64(50), s.Estimate())
}

func TestExactSketch_UnionIsSetUnion(t *testing.T) {
	a := newExact(Config{K: 64})
	b := newExact(Config{K: 64})
	for i := uint64(0); i < 10; i++ {
		a.Add(i)
	}
	for i := uint64(5); i < 15; i++ {
		b.Add(i)
	}
	a.Union(b)
	assert.Equal(t, float64(15), a.Estimate())
}

func TestExactSketch_ANotBRemovesSharedKeys(t *testing.T) {
	a := newExact(Config{K: 64})
	b := newExact(Config{K: 64})
	for i := uint64(0); i < 10; i++ {
		a.Add(i)
	}
	for i := uint64(5); i < 10; i++ {
		b.Add(i)
	}
	diff := a.ANotB(b)
	assert.Equal(t, float64(5), diff.Estimate())
}

func TestExactSketch_SerializeRoundTrip(t *testing.T) {
	s := newExact(Config{K: 64})
	for i := uint64(0); i < 20; i++ {
		s.Add(i * 7)
	}
	payload := s.Serialize()
	back, err := deserializeExact(payload, Config{K: 64})
	require.NoError(t, err)
	assert.Equal(t, s.Estimate(), back.Estimate())
}

func TestKMVSketch_EstimateExactBelowCapacity(t *testing.T) {
	cfg := Config{K: 128}
	s := newKMV(cfg)
	for i := uint64(0); i < 30; i++ {
		s.Add(i * 1000003)
	}
	assert.Equal(t, float64(30), s.Estimate())
}

func TestKMVSketch_EstimateApproximatesLargeCardinality(t *testing.T) {
	cfg := Config{K: 256}
	s := newKMV(cfg)
	const n = 20000
	for i := uint64(0); i < n; i++ {
		// spread hashes across the 64-bit space deterministically: the
		// golden-ratio multiplier wraps mod 2^64, so the products cover the
		// whole range roughly evenly
		s.Add(i * 0x9E3779B97F4A7C15)
	}
	est := s.Estimate()
	// bottom-k error bound is roughly 1/sqrt(k); allow generous slack
	assert.InEpsilonf(t, float64(n), est, 0.35, "estimate %v too far from true cardinality %d", est, n)
}

func TestKMVSketch_DuplicateAddIsIdempotent(t *testing.T) {
	s := newKMV(Config{K: 16})
	s.Add(42)
	s.Add(42)
	s.Add(42)
	assert.Equal(t, float64(1), s.Estimate())
}

func TestKMVSketch_UnionKeepsSmallestK(t *testing.T) {
	a := newKMV(Config{K: 4})
	b := newKMV(Config{K: 4})
	for _, h := range []uint64{10, 20, 30, 40} {
		a.Add(h)
	}
	for _, h := range []uint64{5, 15, 25, 35} {
		b.Add(h)
	}
	a.Union(b)
	got := a.(*kmvSketch).hashes
	assert.Equal(t, []uint64{5, 10, 15, 20}, got)
}

func TestKMVSketch_ANotBExact(t *testing.T) {
	cfg := Config{K: 64, UseBloomForDiff: false}
	a := newKMV(cfg)
	b := newKMV(cfg)
	for i := uint64(0); i < 10; i++ {
		a.Add(i)
	}
	for i := uint64(5); i < 10; i++ {
		b.Add(i)
	}
	diff := a.ANotB(b)
	assert.Equal(t, float64(5), diff.Estimate())
}

func TestKMVSketch_ANotBBloomAssistedNeverOvercounts(t *testing.T) {
	cfg := Config{K: 64, UseBloomForDiff: true, BloomFPRate: 0.01}
	a := newKMV(cfg)
	b := newKMV(cfg)
	for i := uint64(0); i < 50; i++ {
		a.Add(i)
	}
	for i := uint64(0); i < 50; i++ {
		b.Add(i)
	}
	diff := a.ANotB(b)
	// a and b are identical sets; bloom false positives can only shrink the
	// result further, never grow it past zero.
	assert.Equal(t, float64(0), diff.Estimate())
}

func TestKMVSketch_SerializeRoundTrip(t *testing.T) {
	cfg := Config{K: 32}
	s := newKMV(cfg)
	for i := uint64(0); i < 40; i++ {
		s.Add(i * 97)
	}
	payload := s.Serialize()
	back, err := deserializeKMV(payload, cfg)
	require.NoError(t, err)
	assert.Equal(t, s.Estimate(), back.Estimate())
}

func TestFactory_CreateUnknownImplErrors(t *testing.T) {
	f, err := NewFactory(Config{K: 16}, "kmv")
	require.NoError(t, err)
	_, err = f.Create("hllpp")
	assert.Error(t, err)
}

func TestFactory_CreateDefaultsToConfiguredImpl(t *testing.T) {
	f, err := NewFactory(Config{K: 16}, "set")
	require.NoError(t, err)
	s, err := f.Create("")
	require.NoError(t, err)
	assert.Equal(t, "set", s.Impl())
}

func TestFactory_DeserializeRoundTripsThroughFactory(t *testing.T) {
	f, err := NewFactory(Config{K: 16}, "kmv")
	require.NoError(t, err)
	s, err := f.Create("kmv")
	require.NoError(t, err)
	s.Add(1)
	s.Add(2)
	payload := s.Serialize()
	back, err := f.Deserialize(payload, "kmv")
	require.NoError(t, err)
	assert.Equal(t, s.Estimate(), back.Estimate())
}
