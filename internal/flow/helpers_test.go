package flow

import (
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// paramTransform is a layer whose parameters tests can edit in place.
type paramTransform interface {
	Transform
	nn.Module
}

// zeroParams clears every parameter of m and returns m.
func zeroParams(m paramTransform) paramTransform {
	for _, p := range m.Params() {
		clear(p.RawData())
	}

	return m
}

func newRNG(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, 7)) }

func randTensor(t *testing.T, rng *rand.Rand, scale float64, shape ...int64) *tensor.Tensor {
	t.Helper()

	n := int64(1)
	for _, d := range shape {
		n *= d
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rng.NormFloat64() * scale)
	}

	out, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return out
}

func tol(t *testing.T, name string) ops.Tolerance {
	t.Helper()

	tl, err := ops.KernelTolerance(name)
	if err != nil {
		t.Fatal(err)
	}

	return tl
}

func assertClose(t *testing.T, what string, got, want *tensor.Tensor, tolerance ops.Tolerance) {
	t.Helper()

	if !tensor.SameShape(got, want) {
		t.Fatalf("%s: shape %v, want %v", what, got.Shape(), want.Shape())
	}

	gd, wd := got.RawData(), want.RawData()
	for i := range gd {
		if !tolerance.Allows(float64(gd[i]), float64(wd[i])) {
			t.Fatalf("%s: [%d] = %v, want %v (max diff %v)", what, i, gd[i], wd[i], ops.MaxAbsDiff(gd, wd))
		}
	}
}

func assertRoundTrip(t *testing.T, layer Transform, z, ctx *tensor.Tensor, lens []int) {
	t.Helper()

	y, _, err := layer.Forward(z, ctx, lens)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	back, err := layer.Inverse(y, ctx, lens)
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}

	assertClose(t, "inverse(forward(z))", back, z, tol(t, "roundtrip"))
}

// numericLogDet estimates log|det J| of the forward map at z by central
// differences over every element of z.
func numericLogDet(t *testing.T, layer Transform, z, ctx *tensor.Tensor, eps float64) float64 {
	t.Helper()

	n := z.ElemCount()
	jac := mat.NewDense(n, n, nil)

	eval := func(delta float64, j int) []float32 {
		x := z.Clone()
		x.RawData()[j] += float32(delta)

		y, _, err := layer.Forward(x, ctx, nil)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}

		return y.RawData()
	}

	for j := range n {
		plus, minus := eval(eps, j), eval(-eps, j)
		for i := range n {
			jac.Set(i, j, (float64(plus[i])-float64(minus[i]))/(2*eps))
		}
	}

	logDet, _ := mat.LogDet(jac)

	return logDet
}

func analyticLogDet(t *testing.T, layer Transform, z, ctx *tensor.Tensor) float64 {
	t.Helper()

	_, ld, err := layer.Forward(z, ctx, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	total, err := ld.Total(int(z.Dim(0)), int(z.Dim(2)), nil)
	if err != nil {
		t.Fatalf("Total: %v", err)
	}

	var s float64
	for _, v := range total {
		s += v
	}

	return s
}

// padFrames overwrites frames t >= lens[b] with value.
func padFrames(x *tensor.Tensor, lens []int, value float32) *tensor.Tensor {
	out := x.Clone()
	ch, tl := out.Dim(1), out.Dim(2)
	d := out.RawData()

	for b, l := range lens {
		for c := range ch {
			for ti := int64(l); ti < tl; ti++ {
				d[(int64(b)*ch+c)*tl+ti] = value
			}
		}
	}

	return out
}

// validFrames returns item b's first l frames, channel-major.
func validFrames(x *tensor.Tensor, b int64, l int) []float32 {
	ch, tl := x.Dim(1), x.Dim(2)
	d := x.RawData()

	var out []float32
	for c := range ch {
		out = append(out, d[(b*ch+c)*tl:(b*ch+c)*tl+int64(l)]...)
	}

	return out
}
