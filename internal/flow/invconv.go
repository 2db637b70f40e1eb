package flow

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// randomRotation returns a c x c orthonormal matrix with determinant +1: the
// Q factor of a Gaussian matrix with its first column negated if needed.
func randomRotation(c int, rng *rand.Rand) *mat.Dense {
	g := mat.NewDense(c, c, nil)
	for i := range c {
		for j := range c {
			g.Set(i, j, rng.NormFloat64())
		}
	}

	var qr mat.QR
	qr.Factorize(g)

	var q mat.Dense
	qr.QTo(&q)

	if mat.Det(&q) < 0 {
		for i := range c {
			q.Set(i, 0, -q.At(i, 0))
		}
	}

	return &q
}

// inverseKernel inverts a [c, c, 1] kernel into a new [c, c, 1] kernel.
func inverseKernel(w *tensor.Tensor) (*tensor.Tensor, error) {
	c := int(w.Dim(0))
	m := denseFromKernel(w)

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return nil, fmt.Errorf("flow: invert %dx%d channel mix: %w", c, c, err)
	}

	return kernelFromDense(&inv), nil
}

func denseFromKernel(w *tensor.Tensor) *mat.Dense {
	c := int(w.Dim(0))
	data := make([]float64, c*c)

	for i, v := range w.RawData()[:c*c] {
		data[i] = float64(v)
	}

	return mat.NewDense(c, c, data)
}

func kernelFromDense(m mat.Matrix) *tensor.Tensor {
	r, c := m.Dims()
	data := make([]float32, r*c)

	for i := range r {
		for j := range c {
			data[i*c+j] = float32(m.At(i, j))
		}
	}

	t, _ := tensor.New(data, []int64{int64(r), int64(c), 1})

	return t
}

// inverseCache holds an optional cached inverse kernel together with the
// weight it was computed from. A weight that differs from the key, for
// example after writing through Params, rebuilds the inverse.
type inverseCache struct {
	enabled bool
	mu      sync.Mutex
	key     []float32
	inv     *tensor.Tensor
}

func (c *inverseCache) get(w *tensor.Tensor) (*tensor.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inv != nil && slices.Equal(c.key, w.RawData()) {
		return c.inv, nil
	}

	inv, err := inverseKernel(w)
	if err != nil {
		return nil, err
	}

	if c.enabled {
		c.key = slices.Clone(w.RawData())
		c.inv = inv
	}

	return inv, nil
}

func (c *inverseCache) clear() {
	c.mu.Lock()
	c.key, c.inv = nil, nil
	c.mu.Unlock()
}

// mixChannels applies the 1x1 kernel w [c, c, 1] to z [B, c, T] as a batched
// matrix product.
func mixChannels(w, z *tensor.Tensor) (*tensor.Tensor, error) {
	c, batch := w.Dim(0), z.Dim(0)
	kernel := w.RawData()[:c*c]

	tiled := make([]float32, 0, batch*c*c)
	for range batch {
		tiled = append(tiled, kernel...)
	}

	wb, err := tensor.New(tiled, []int64{batch, c, c})
	if err != nil {
		return nil, err
	}

	return tensor.MatMul(wb, z)
}

func (c *inverseCache) cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inv != nil
}

// InvConvLU is an invertible 1x1 convolution whose weight is parameterised
// as W = P (L + I) (U + diag(s)) with P a fixed permutation, L strictly lower
// triangular and U strictly upper triangular, so log|det W| = sum log|s|.
type InvConvLU struct {
	channels  int64
	P         *tensor.Tensor // [c, c]
	Lower     *tensor.Tensor // [c, c], strictly lower part used
	Upper     *tensor.Tensor // [c, c], strictly upper part used
	UpperDiag *tensor.Tensor // [c]
	lowerDiag *tensor.Tensor // [c], always ones
	cache     inverseCache
}

// NewInvConvLU initialises W from a random rotation and stores its LU
// factors. With cacheInverse the inverse kernel is kept between Inverse calls
// until the parameters change.
func NewInvConvLU(c int, rng *rand.Rand, cacheInverse bool) (*InvConvLU, error) {
	if c <= 0 {
		return nil, fmt.Errorf("%w: 1x1 conv needs positive channels, got %d", ErrConfig, c)
	}

	w := randomRotation(c, rng)

	var lu mat.LU
	lu.Factorize(w)

	var l, u mat.TriDense
	lu.LTo(&l)
	lu.UTo(&u)

	// Recover P from W = P (L U) so the permutation convention of the
	// factorisation does not matter.
	var prod, prodInv, perm mat.Dense
	prod.Mul(&l, &u)

	if err := prodInv.Inverse(&prod); err != nil {
		return nil, fmt.Errorf("flow: LU init: %w", err)
	}

	perm.Mul(w, &prodInv)

	layer := &InvConvLU{
		channels:  int64(c),
		P:         newSquare(c),
		Lower:     newSquare(c),
		Upper:     newSquare(c),
		UpperDiag: newVector(c, 0),
		lowerDiag: newVector(c, 1),
		cache:     inverseCache{enabled: cacheInverse},
	}

	pd, ld, ud, sd := layer.P.RawData(), layer.Lower.RawData(), layer.Upper.RawData(), layer.UpperDiag.RawData()

	for i := range c {
		sd[i] = float32(u.At(i, i))

		for j := range c {
			pd[i*c+j] = float32(math.Round(perm.At(i, j)))

			switch {
			case j < i:
				ld[i*c+j] = float32(l.At(i, j))
			case j > i:
				ud[i*c+j] = float32(u.At(i, j))
			}
		}
	}

	return layer, nil
}

// Weight assembles W as a [c, c, 1] kernel.
func (l *InvConvLU) Weight() *tensor.Tensor {
	c := int(l.channels)
	pd, ld, ud, sd := l.P.RawData(), l.Lower.RawData(), l.Upper.RawData(), l.UpperDiag.RawData()

	lower := mat.NewDense(c, c, nil)
	upper := mat.NewDense(c, c, nil)
	p := mat.NewDense(c, c, nil)

	for i := range c {
		for j := range c {
			p.Set(i, j, float64(pd[i*c+j]))

			switch {
			case j < i:
				lower.Set(i, j, float64(ld[i*c+j]))
			case j == i:
				lower.Set(i, j, 1)
				upper.Set(i, j, float64(sd[i]))
			default:
				upper.Set(i, j, float64(ud[i*c+j]))
			}
		}
	}

	var w mat.Dense
	w.Product(p, lower, upper)

	return kernelFromDense(&w)
}

// LogAbsDet returns sum(log|diag U|).
func (l *InvConvLU) LogAbsDet() float64 {
	var s float64
	for _, v := range l.UpperDiag.RawData() {
		s += math.Log(math.Abs(float64(v)))
	}

	return s
}

func (l *InvConvLU) Forward(z, _ *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error) {
	if err := checkInput(z, nil, lens, l.channels); err != nil {
		return nil, LogDet{}, err
	}

	out, err := mixChannels(l.Weight(), z)
	if err != nil {
		return nil, LogDet{}, fmt.Errorf("flow: 1x1 conv forward: %w", err)
	}

	return out, LogDet{PerFrame: l.LogAbsDet()}, nil
}

func (l *InvConvLU) Inverse(z, _ *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	if err := checkInput(z, nil, lens, l.channels); err != nil {
		return nil, err
	}

	inv, err := l.cache.get(l.Weight())
	if err != nil {
		return nil, err
	}

	out, err := mixChannels(inv, z)
	if err != nil {
		return nil, fmt.Errorf("flow: 1x1 conv inverse: %w", err)
	}

	return out, nil
}

// Invalidate drops the cached inverse.
func (l *InvConvLU) Invalidate() { l.cache.clear() }

// SetUpperDiag replaces diag(U) and invalidates the cached inverse.
func (l *InvConvLU) SetUpperDiag(s []float32) error {
	if int64(len(s)) != l.channels {
		return fmt.Errorf("%w: upper diagonal has %d values for %d channels", ErrShape, len(s), l.channels)
	}

	copy(l.UpperDiag.RawData(), s)
	l.Invalidate()

	return nil
}

func (l *InvConvLU) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"p":          l.P,
		"lower":      l.Lower,
		"upper":      l.Upper,
		"upper_diag": l.UpperDiag,
		"lower_diag": l.lowerDiag,
	}
}

func (l *InvConvLU) BufferNames() []string { return []string{"p", "lower_diag"} }

// InvConv is an invertible 1x1 convolution with an unconstrained weight;
// its log-determinant is computed from the full matrix.
type InvConv struct {
	channels int64
	W        *tensor.Tensor // [c, c, 1]
	cache    inverseCache
}

// NewInvConv initialises W to a random rotation. With cacheInverse the
// inverse kernel is kept until W changes.
func NewInvConv(c int, rng *rand.Rand, cacheInverse bool) (*InvConv, error) {
	if c <= 0 {
		return nil, fmt.Errorf("%w: 1x1 conv needs positive channels, got %d", ErrConfig, c)
	}

	return &InvConv{
		channels: int64(c),
		W:        kernelFromDense(randomRotation(c, rng)),
		cache:    inverseCache{enabled: cacheInverse},
	}, nil
}

// LogAbsDet returns log|det W|.
func (l *InvConv) LogAbsDet() float64 {
	logDet, _ := mat.LogDet(denseFromKernel(l.W))
	return logDet
}

func (l *InvConv) Forward(z, _ *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error) {
	if err := checkInput(z, nil, lens, l.channels); err != nil {
		return nil, LogDet{}, err
	}

	out, err := mixChannels(l.W, z)
	if err != nil {
		return nil, LogDet{}, fmt.Errorf("flow: 1x1 conv forward: %w", err)
	}

	return out, LogDet{PerFrame: l.LogAbsDet()}, nil
}

func (l *InvConv) Inverse(z, _ *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	if err := checkInput(z, nil, lens, l.channels); err != nil {
		return nil, err
	}

	inv, err := l.cache.get(l.W)
	if err != nil {
		return nil, err
	}

	out, err := mixChannels(inv, z)
	if err != nil {
		return nil, fmt.Errorf("flow: 1x1 conv inverse: %w", err)
	}

	return out, nil
}

// Invalidate drops the cached inverse.
func (l *InvConv) Invalidate() { l.cache.clear() }

func (l *InvConv) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"conv.weight": l.W}
}

func newSquare(c int) *tensor.Tensor {
	t, _ := tensor.Zeros([]int64{int64(c), int64(c)})
	return t
}

func newVector(n int, fill float32) *tensor.Tensor {
	t, _ := tensor.Full([]int64{int64(n)}, fill)
	return t
}
