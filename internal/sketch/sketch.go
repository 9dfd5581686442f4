// Package sketch implements the distinct-count data structures the window
// manager snapshots per day: an approximate bottom-k (KMV) estimator and an
// exact set-backed reference implementation, behind a common interface.
package sketch

import "fmt"

// Config is the runtime configuration shared by every sketch implementation.
type Config struct {
	K               int
	UseBloomForDiff bool
	BloomFPRate     float64
}

// Sketch is the common interface every distinct-count implementation
// satisfies: mergeable, diffable, (de)serializable, and copyable so the
// window store can snapshot a day without aliasing it.
type Sketch interface {
	Add(hash uint64)
	Union(other Sketch)
	ANotB(other Sketch) Sketch
	Estimate() float64
	Copy() Sketch
	Serialize() []byte
	Impl() string
}

// Deserializer rebuilds a Sketch of a given implementation from its
// serialized form.
type Deserializer func(payload []byte, cfg Config) (Sketch, error)

// Builder constructs an empty Sketch of a given implementation.
type Builder func(cfg Config) Sketch

// Factory produces sketches by configured implementation name, mirroring
// the registry pattern the reference pipeline uses to decouple callers from
// concrete sketch types.
type Factory struct {
	cfg         Config
	defaultImpl string
	builders    map[string]Builder
	deserialize map[string]Deserializer
}

// NewFactory builds a Factory pre-registered with the kmv and exact
// implementations, defaulting to impl unless overridden per call.
func NewFactory(cfg Config, defaultImpl string) (*Factory, error) {
	f := &Factory{
		cfg:         cfg,
		defaultImpl: defaultImpl,
		builders:    make(map[string]Builder),
		deserialize: make(map[string]Deserializer),
	}
	f.Register("kmv", newKMV, deserializeKMV)
	f.Register("set", newExact, deserializeExact)
	if _, ok := f.builders[defaultImpl]; !ok {
		return nil, fmt.Errorf("unknown default sketch implementation %q", defaultImpl)
	}
	return f, nil
}

// Register adds or replaces an implementation under name.
func (f *Factory) Register(name string, b Builder, d Deserializer) {
	f.builders[name] = b
	f.deserialize[name] = d
}

// Create builds a fresh, empty Sketch. An empty name uses the factory's
// configured default implementation.
func (f *Factory) Create(name string) (Sketch, error) {
	impl := name
	if impl == "" {
		impl = f.defaultImpl
	}
	build, ok := f.builders[impl]
	if !ok {
		return nil, fmt.Errorf("unknown sketch implementation %q", impl)
	}
	return build(f.cfg), nil
}

// Deserialize rebuilds a Sketch previously produced by Serialize.
func (f *Factory) Deserialize(payload []byte, name string) (Sketch, error) {
	impl := name
	if impl == "" {
		impl = f.defaultImpl
	}
	deserialize, ok := f.deserialize[impl]
	if !ok {
		return nil, fmt.Errorf("unknown sketch implementation %q", impl)
	}
	return deserialize(payload, f.cfg)
}

// DefaultImpl reports the factory's configured fallback implementation name.
func (f *Factory) DefaultImpl() string { return f.defaultImpl }
