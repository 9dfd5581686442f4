package sketch

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
)

// maxHash64 is the largest value a uniformly distributed 64-bit hash can
// take, used to normalize the bottom-k threshold into [0, 1].
const maxHash64 = ^uint64(0)

// kmvSketch is an approximate distinct-count estimator that retains the k
// smallest observed hashes (bottom-k / KMV sampling).
type kmvSketch struct {
	cfg    Config
	hashes []uint64 // sorted ascending, len <= cfg.K
}

func newKMV(cfg Config) Sketch {
	return &kmvSketch{cfg: cfg}
}

func (s *kmvSketch) Impl() string { return "kmv" }

func (s *kmvSketch) Add(hash uint64) {
	idx := sort.Search(len(s.hashes), func(i int) bool { return s.hashes[i] >= hash })
	if idx < len(s.hashes) && s.hashes[idx] == hash {
		return // already present
	}
	if len(s.hashes) < s.cfg.K {
		s.hashes = insertAt(s.hashes, idx, hash)
		return
	}
	if hash >= s.hashes[len(s.hashes)-1] {
		return // not small enough to displace the current tail
	}
	s.hashes = insertAt(s.hashes, idx, hash)
	s.hashes = s.hashes[:s.cfg.K]
}

func insertAt(slice []uint64, idx int, v uint64) []uint64 {
	slice = append(slice, 0)
	copy(slice[idx+1:], slice[idx:])
	slice[idx] = v
	return slice
}

func (s *kmvSketch) Union(other Sketch) {
	o, ok := other.(*kmvSketch)
	if !ok {
		panic(fmt.Sprintf("kmv sketch union requires another kmv sketch, got %s", other.Impl()))
	}
	merged := make([]uint64, 0, len(s.hashes)+len(o.hashes))
	merged = append(merged, s.hashes...)
	merged = append(merged, o.hashes...)
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	merged = dedupSorted(merged)
	if len(merged) > s.cfg.K {
		merged = merged[:s.cfg.K]
	}
	s.hashes = merged
}

func dedupSorted(in []uint64) []uint64 {
	if len(in) == 0 {
		return in
	}
	out := in[:1]
	for _, v := range in[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// membership is the lookup side of set difference: either an exact hash set
// or a Bloom filter, depending on configuration.
type membership interface {
	Contains(v uint64) bool
}

type exactMembership map[uint64]struct{}

func (m exactMembership) Contains(v uint64) bool {
	_, ok := m[v]
	return ok
}

type bloomMembership struct{ filter *bloom.BloomFilter }

func (m bloomMembership) Contains(v uint64) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return m.filter.Test(buf[:])
}

func (s *kmvSketch) buildMembership() membership {
	if len(s.hashes) == 0 {
		return exactMembership{}
	}
	if s.cfg.UseBloomForDiff {
		filter := bloom.NewWithEstimates(uint(len(s.hashes)), s.cfg.BloomFPRate)
		var buf [8]byte
		for _, h := range s.hashes {
			binary.BigEndian.PutUint64(buf[:], h)
			filter.Add(buf[:])
		}
		return bloomMembership{filter: filter}
	}
	set := make(exactMembership, len(s.hashes))
	for _, h := range s.hashes {
		set[h] = struct{}{}
	}
	return set
}

// ANotB returns a new sketch containing this sketch's hashes that are not
// (approximately, if Bloom-backed) present in other. Bloom-backed diff can
// only introduce false negatives into the result (a hash wrongly believed
// present gets dropped), biasing the resulting estimate downward by at most
// the filter's false-positive rate — the tradeoff spec'd for retroactive
// deletion at scale.
func (s *kmvSketch) ANotB(other Sketch) Sketch {
	o, ok := other.(*kmvSketch)
	if !ok {
		panic(fmt.Sprintf("kmv sketch a_not_b requires another kmv sketch, got %s", other.Impl()))
	}
	mem := o.buildMembership()
	kept := make([]uint64, 0, len(s.hashes))
	for _, h := range s.hashes {
		if !mem.Contains(h) {
			kept = append(kept, h)
			if len(kept) == s.cfg.K {
				break
			}
		}
	}
	return &kmvSketch{cfg: s.cfg, hashes: kept}
}

func (s *kmvSketch) threshold() float64 {
	if len(s.hashes) < s.cfg.K {
		return 1.0
	}
	return float64(s.hashes[len(s.hashes)-1]) / float64(maxHash64)
}

func (s *kmvSketch) Estimate() float64 {
	if len(s.hashes) == 0 {
		return 0
	}
	if len(s.hashes) < s.cfg.K {
		return float64(len(s.hashes))
	}
	tau := s.threshold()
	if tau <= 0 {
		return float64(len(s.hashes))
	}
	return float64(s.cfg.K-1) / tau
}

func (s *kmvSketch) Copy() Sketch {
	cp := make([]uint64, len(s.hashes))
	copy(cp, s.hashes)
	return &kmvSketch{cfg: s.cfg, hashes: cp}
}

// Serialize packs the sketch as a fixed header (k, count) followed by the
// sorted hash list, big-endian, matching the reference implementation's
// struct-packed layout.
func (s *kmvSketch) Serialize() []byte {
	out := make([]byte, 8+8*len(s.hashes))
	binary.BigEndian.PutUint32(out[0:4], uint32(s.cfg.K))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(s.hashes)))
	for i, h := range s.hashes {
		binary.BigEndian.PutUint64(out[8+8*i:16+8*i], h)
	}
	return out
}

func deserializeKMV(payload []byte, cfg Config) (Sketch, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("invalid kmv sketch payload: too short")
	}
	count := int(binary.BigEndian.Uint32(payload[4:8]))
	if count > cfg.K {
		count = cfg.K
	}
	need := 8 + 8*count
	if len(payload) < need {
		return nil, fmt.Errorf("invalid kmv sketch payload: expected %d bytes, got %d", need, len(payload))
	}
	hashes := make([]uint64, count)
	for i := 0; i < count; i++ {
		hashes[i] = binary.BigEndian.Uint64(payload[8+8*i : 16+8*i])
	}
	return &kmvSketch{cfg: cfg, hashes: hashes}, nil
}
