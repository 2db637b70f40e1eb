// Package nn holds the building blocks shared by the flow and attention
// layers: masked convolutions, weight initialisation and the named-parameter
// contract used to load and save checkpoints.
package nn

import (
	"maps"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// Module exposes a layer's parameters by their checkpoint name. The returned
// tensors are the live parameters: writing into their RawData updates the
// layer.
type Module interface {
	Params() map[string]*tensor.Tensor
}

// Invalidator is implemented by modules that cache values derived from their
// parameters. Loaders call Invalidate after overwriting parameters.
type Invalidator interface {
	Invalidate()
}

// Buffered is implemented by modules whose Params include fixed buffers that
// are loaded and saved with the checkpoint but are not learned.
type Buffered interface {
	BufferNames() []string
}

// Prefixed merges a child's parameters into dst under prefix.
func Prefixed(dst map[string]*tensor.Tensor, prefix string, child Module) {
	if child == nil {
		return
	}

	for name, t := range child.Params() {
		if prefix != "" {
			name = prefix + "." + name
		}

		dst[name] = t
	}
}

// SortedNames returns the parameter names of m in lexical order.
func SortedNames(m Module) []string {
	return slices.Sorted(maps.Keys(m.Params()))
}

// PrefixedBuffers appends child's buffer names under prefix.
func PrefixedBuffers(dst []string, prefix string, child Module) []string {
	b, ok := child.(Buffered)
	if !ok {
		return dst
	}

	for _, name := range b.BufferNames() {
		if prefix != "" {
			name = prefix + "." + name
		}

		dst = append(dst, name)
	}

	return dst
}

// Perturb adds uniform noise in [-scale, scale] to every learned parameter of
// m and invalidates derived caches. It is used to move zero-initialised
// layers away from the identity, e.g. for self-checks.
func Perturb(m Module, rng *rand.Rand, scale float32) {
	var buffers []string
	if b, ok := m.(Buffered); ok {
		buffers = b.BufferNames()
	}

	for _, name := range SortedNames(m) {
		if slices.Contains(buffers, name) {
			continue
		}

		d := m.Params()[name].RawData()
		for i := range d {
			d[i] += (2*rng.Float32() - 1) * scale
		}
	}

	if inv, ok := m.(Invalidator); ok {
		inv.Invalidate()
	}
}

// Gain returns the recommended xavier gain for a nonlinearity, following the
// usual conventions ("linear" and unknown names map to 1).
func Gain(nonlinearity string) float64 {
	switch nonlinearity {
	case "relu":
		return math.Sqrt2
	case "tanh":
		return 5.0 / 3
	default:
		return 1
	}
}

// XavierUniform fills a conv kernel [out, in, k] with U(-a, a) where
// a = gain * sqrt(6 / (fan_in + fan_out)).
func XavierUniform(rng *rand.Rand, out, in, k int64, gain float64) *tensor.Tensor {
	fanIn := float64(in * k)
	fanOut := float64(out * k)
	bound := gain * math.Sqrt(6/(fanIn+fanOut))

	data := make([]float32, out*in*k)
	for i := range data {
		data[i] = float32((2*rng.Float64() - 1) * bound)
	}

	t, _ := tensor.New(data, []int64{out, in, k})

	return t
}

// UniformBias fills a bias vector with U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func UniformBias(rng *rand.Rand, n, fanIn int64) *tensor.Tensor {
	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))

	data := make([]float32, n)
	for i := range data {
		data[i] = float32((2*rng.Float64() - 1) * bound)
	}

	t, _ := tensor.New(data, []int64{n})

	return t
}
