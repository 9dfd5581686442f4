package sketch

import (
	"encoding/binary"
	"fmt"
)

// exactSketch is a reference distinct-count implementation backed by an
// in-memory hash set, used for correctness baselines and small-scale tests
// where an approximation isn't worth the noise.
type exactSketch struct {
	cfg  Config
	keys map[uint64]struct{}
}

func newExact(cfg Config) Sketch {
	return &exactSketch{cfg: cfg, keys: make(map[uint64]struct{})}
}

func (s *exactSketch) Impl() string { return "set" }

func (s *exactSketch) Add(hash uint64) { s.keys[hash] = struct{}{} }

func (s *exactSketch) Union(other Sketch) {
	o, ok := other.(*exactSketch)
	if !ok {
		panic(fmt.Sprintf("exact sketch union requires another exact sketch, got %s", other.Impl()))
	}
	for h := range o.keys {
		s.keys[h] = struct{}{}
	}
}

func (s *exactSketch) ANotB(other Sketch) Sketch {
	o, ok := other.(*exactSketch)
	if !ok {
		panic(fmt.Sprintf("exact sketch a_not_b requires another exact sketch, got %s", other.Impl()))
	}
	out := make(map[uint64]struct{})
	for h := range s.keys {
		if _, present := o.keys[h]; !present {
			out[h] = struct{}{}
		}
	}
	return &exactSketch{cfg: s.cfg, keys: out}
}

func (s *exactSketch) Estimate() float64 { return float64(len(s.keys)) }

func (s *exactSketch) Copy() Sketch {
	cp := make(map[uint64]struct{}, len(s.keys))
	for h := range s.keys {
		cp[h] = struct{}{}
	}
	return &exactSketch{cfg: s.cfg, keys: cp}
}

func (s *exactSketch) Serialize() []byte {
	out := make([]byte, 4+8*len(s.keys))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(s.keys)))
	i := 0
	for h := range s.keys {
		binary.BigEndian.PutUint64(out[4+8*i:12+8*i], h)
		i++
	}
	return out
}

func deserializeExact(payload []byte, cfg Config) (Sketch, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("invalid exact sketch payload: too short")
	}
	count := int(binary.BigEndian.Uint32(payload[0:4]))
	need := 4 + 8*count
	if len(payload) < need {
		return nil, fmt.Errorf("invalid exact sketch payload: expected %d bytes, got %d", need, len(payload))
	}
	keys := make(map[uint64]struct{}, count)
	for i := 0; i < count; i++ {
		keys[binary.BigEndian.Uint64(payload[4+8*i:12+8*i])] = struct{}{}
	}
	return &exactSketch{cfg: cfg, keys: keys}, nil
}
