package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major float32 tensor. Flow layers treat tensors as
// values: every operation returns a fresh tensor unless documented otherwise.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape. Both slices are copied.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float32(nil), data...)

	return &Tensor{shape: s, data: d}, nil
}

// newOwned wraps data and shape without copying. The caller hands over
// ownership and guarantees len(data) matches shape.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

// ZerosLike returns a zero tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(make([]float32, len(t.data)), append([]int64(nil), t.shape...))
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Dim returns the size of dimension dim. Negative dims count from the end.
func (t *Tensor) Dim(dim int) int64 {
	if t == nil {
		return 0
	}

	d, err := normalizeDim(dim, len(t.shape))
	if err != nil {
		return 0
	}

	return t.shape[d]
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice. Writes through it mutate t.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(append([]float32(nil), t.data...), append([]int64(nil), t.shape...))
}

// MinMax returns the smallest and largest element. It returns an error for
// empty tensors.
func (t *Tensor) MinMax() (lo, hi float32, err error) {
	if t == nil || len(t.data) == 0 {
		return 0, 0, errors.New("tensor: minmax of empty tensor")
	}

	lo, hi = t.data[0], t.data[0]
	for _, v := range t.data[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	return lo, hi, nil
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if a == nil || b == nil {
		return false
	}

	return equalShape(a.shape, b.shape)
}
