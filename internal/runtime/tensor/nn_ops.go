package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Softmax applies softmax along dim. Slices whose entries are all -Inf
// produce zeros instead of NaN so fully masked rows stay well defined.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	return softmaxAlong(x, dim, false)
}

// LogSoftmax applies log-softmax along dim. Fully masked slices stay -Inf.
func LogSoftmax(x *Tensor, dim int) (*Tensor, error) {
	return softmaxAlong(x, dim, true)
}

func softmaxAlong(x *Tensor, dim int, logSpace bool) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	outer, axis, inner := outerInner(x.shape, dim)
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	out := x.Clone()
	negInf := float32(math.Inf(-1))

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := negInf

			for k := range axis {
				maxV = max(maxV, out.data[base+k*inner])
			}

			if math.IsInf(float64(maxV), -1) {
				for k := range axis {
					if logSpace {
						out.data[base+k*inner] = negInf
					} else {
						out.data[base+k*inner] = 0
					}
				}

				continue
			}

			var sum float64
			for k := range axis {
				sum += math.Exp(float64(out.data[base+k*inner] - maxV))
			}

			if logSpace {
				logZ := float32(math.Log(sum)) + maxV
				for k := range axis {
					out.data[base+k*inner] -= logZ
				}

				continue
			}

			inv := 1.0 / sum
			for k := range axis {
				i := base + k*inner
				out.data[i] = float32(math.Exp(float64(out.data[i]-maxV)) * inv)
			}
		}
	}

	return out, nil
}

// MatMul multiplies [..., M, K] by [K, N] or by [..., K, N] with identical
// batch dimensions.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	aRank, bRank := len(a.shape), len(b.shape)
	m, k := a.shape[aRank-2], a.shape[aRank-1]
	k2, n := b.shape[bRank-2], b.shape[bRank-1]

	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, k2)
	}

	batch := int64(len(a.data)) / max(m*k, 1)
	shared := bRank == 2

	if !shared && !equalShape(a.shape[:aRank-2], b.shape[:bRank-2]) {
		return nil, fmt.Errorf("tensor: matmul batch dims differ: %v vs %v", a.shape, b.shape)
	}

	outShape := append(append([]int64(nil), a.shape[:aRank-2]...), m, n)
	out := make([]float32, batch*m*n)

	// Transposing B once keeps the inner loop on contiguous rows.
	bt := make([]float32, k*n)

	for bi := range batch {
		bOff := int64(0)
		if !shared {
			bOff = bi * k * n
		}

		if bi == 0 || !shared {
			for kk := range k {
				for j := range n {
					bt[j*k+kk] = b.data[bOff+kk*n+j]
				}
			}
		}

		aBase := bi * m * k
		oBase := bi * m * n

		parallelFor(int(m), getWorkers(), func(lo, hi int) {
			for i := int64(lo); i < int64(hi); i++ {
				row := a.data[aBase+i*k : aBase+(i+1)*k]
				for j := range n {
					out[oBase+i*n+j] = DotProduct(row, bt[j*k:(j+1)*k])
				}
			}
		})
	}

	return newOwned(out, outShape), nil
}
