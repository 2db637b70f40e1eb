package ops

import (
	"math"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// Activation names accepted by ActivationByName.
const (
	ActReLU     = "relu"
	ActSoftplus = "softplus"
)

// ReLU applies max(x, 0) in place and returns x.
func ReLU(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		if v < 0 {
			d[i] = 0
		}
	}

	return x
}

// Softplus applies log(1 + exp(x)) in place and returns x. Large inputs pass
// through unchanged, matching the usual threshold of 20.
func Softplus(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		d[i] = softplus(v)
	}

	return x
}

// Tanh applies tanh in place and returns x.
func Tanh(x *tensor.Tensor) *tensor.Tensor {
	d := x.RawData()
	for i, v := range d {
		d[i] = float32(math.Tanh(float64(v)))
	}

	return x
}

// ActivationByName returns an in-place activation. Unknown names fall back
// to ReLU.
func ActivationByName(name string) func(*tensor.Tensor) *tensor.Tensor {
	if name == ActSoftplus {
		return Softplus
	}

	return ReLU
}

func softplus(v float32) float32 {
	if v > 20 {
		return v
	}

	return float32(math.Log1p(math.Exp(float64(v))))
}
