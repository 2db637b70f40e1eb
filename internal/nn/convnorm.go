package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// ConvNormConfig describes a ConvNorm layer.
type ConvNormConfig struct {
	In, Out    int64
	KernelSize int64
	Dilation   int64
	// Padding < 0 selects "same" padding, which requires an odd kernel.
	Padding int64
	NoBias  bool
	// Partial replaces the plain convolution with a partial convolution that
	// renormalises by mask coverage.
	Partial bool
	// Gain names the xavier gain nonlinearity ("linear", "relu", "tanh").
	Gain string
}

// ConvNorm is a 1-D convolution whose output is multiplied by the time mask.
type ConvNorm struct {
	Weight   *tensor.Tensor // [out, in, k]
	Bias     *tensor.Tensor // [out] or nil
	Padding  int64
	Dilation int64
	Partial  bool
}

// NewConvNorm builds a ConvNorm with xavier-uniform weights.
func NewConvNorm(cfg ConvNormConfig, rng *rand.Rand) (*ConvNorm, error) {
	if cfg.In <= 0 || cfg.Out <= 0 {
		return nil, fmt.Errorf("nn: convnorm channels must be positive, got in=%d out=%d", cfg.In, cfg.Out)
	}

	k := cfg.KernelSize
	if k <= 0 {
		k = 1
	}

	d := cfg.Dilation
	if d <= 0 {
		d = 1
	}

	pad := cfg.Padding
	if pad < 0 {
		if k%2 != 1 {
			return nil, fmt.Errorf("nn: convnorm same padding needs an odd kernel, got %d", k)
		}

		pad = ops.SamePadding(k, d)
	}

	gain := cfg.Gain
	if gain == "" {
		gain = "linear"
	}

	c := &ConvNorm{
		Weight:   XavierUniform(rng, cfg.Out, cfg.In, k, Gain(gain)),
		Padding:  pad,
		Dilation: d,
		Partial:  cfg.Partial,
	}

	if !cfg.NoBias {
		c.Bias = UniformBias(rng, cfg.Out, cfg.In*k)
	}

	return c, nil
}

// Forward convolves x [B, in, T]. A non-nil mask [B, 1, T] zeroes padded
// frames of the output; partial layers also use it to renormalise.
func (c *ConvNorm) Forward(x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if c == nil || c.Weight == nil {
		return nil, errors.New("nn: convnorm is not initialized")
	}

	var (
		out *tensor.Tensor
		err error
	)

	if c.Partial {
		out, err = ops.PartialConv1D(x, mask, c.Weight, c.Bias, c.Padding, c.Dilation)
	} else {
		out, err = ops.Conv1D(x, c.Weight, c.Bias, 1, c.Padding, c.Dilation, 1)
	}

	if err != nil {
		return nil, err
	}

	return ops.ApplyTimeMask(out, mask)
}

// ZeroInit clears weight and bias so the layer outputs zeros.
func (c *ConvNorm) ZeroInit() {
	clear(c.Weight.RawData())

	if c.Bias != nil {
		clear(c.Bias.RawData())
	}
}

// OutChannels returns the number of output channels.
func (c *ConvNorm) OutChannels() int64 { return c.Weight.Dim(0) }

func (c *ConvNorm) Params() map[string]*tensor.Tensor {
	p := map[string]*tensor.Tensor{"weight": c.Weight}
	if c.Bias != nil {
		p["bias"] = c.Bias
	}

	return p
}
