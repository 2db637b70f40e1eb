package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// SimpleConvNetConfig describes a SimpleConvNet.
type SimpleConvNetConfig struct {
	InChannels      int64
	ContextChannels int64
	OutChannels     int64
	Layers          int
	KernelSize      int64
	WithDilation    bool
	MaxChannels     int64
	ZeroInit        bool
	PartialPadding  bool
}

// SimpleConvNet is a stack of masked ReLU convolutions followed by a 1x1
// projection. Hidden widths double per layer up to MaxChannels and layer i
// uses dilation 2^i when WithDilation is set.
type SimpleConvNet struct {
	Layers []*ConvNorm
	Last   *ConvNorm
}

func NewSimpleConvNet(cfg SimpleConvNetConfig, rng *rand.Rand) (*SimpleConvNet, error) {
	if cfg.Layers < 1 {
		return nil, fmt.Errorf("nn: simple conv net needs at least one layer, got %d", cfg.Layers)
	}

	if cfg.KernelSize%2 != 1 {
		return nil, fmt.Errorf("nn: simple conv net kernel must be odd, got %d", cfg.KernelSize)
	}

	maxCh := cfg.MaxChannels
	if maxCh <= 0 {
		maxCh = 1024
	}

	in := cfg.InChannels + cfg.ContextChannels
	net := &SimpleConvNet{}

	for i := range cfg.Layers {
		dilation := int64(1)
		if cfg.WithDilation {
			dilation = 1 << i
		}

		out := min(maxCh, in*2)

		layer, err := NewConvNorm(ConvNormConfig{
			In:         in,
			Out:        out,
			KernelSize: cfg.KernelSize,
			Dilation:   dilation,
			Padding:    (cfg.KernelSize*dilation - dilation) / 2,
			Partial:    cfg.PartialPadding,
			Gain:       "relu",
		}, rng)
		if err != nil {
			return nil, fmt.Errorf("nn: simple conv net layer %d: %w", i, err)
		}

		net.Layers = append(net.Layers, layer)
		in = out
	}

	last, err := NewConvNorm(ConvNormConfig{In: in, Out: cfg.OutChannels, KernelSize: 1}, rng)
	if err != nil {
		return nil, fmt.Errorf("nn: simple conv net last layer: %w", err)
	}

	if cfg.ZeroInit {
		last.ZeroInit()
	}

	net.Last = last

	return net, nil
}

// Forward runs x [B, in+ctx, T]. When lens is non-nil the input and the
// hidden layers are masked to the first lens[b] frames, so padded frames never
// reach valid ones. x is not modified.
func (n *SimpleConvNet) Forward(x *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	if n == nil || n.Last == nil {
		return nil, errors.New("nn: simple conv net is not initialized")
	}

	var mask *tensor.Tensor

	h := x

	if lens != nil {
		var err error

		mask, err = ops.LengthMask(lens, x.Dim(2))
		if err != nil {
			return nil, err
		}

		if h, err = ops.ApplyTimeMask(x.Clone(), mask); err != nil {
			return nil, err
		}
	}

	for i, layer := range n.Layers {
		out, err := layer.Forward(h, mask)
		if err != nil {
			return nil, fmt.Errorf("nn: simple conv net layer %d: %w", i, err)
		}

		h = ops.ReLU(out)
	}

	return n.Last.Forward(h, nil)
}

func (n *SimpleConvNet) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	for i, layer := range n.Layers {
		Prefixed(p, "layers."+strconv.Itoa(i)+".conv", layer)
	}

	Prefixed(p, "last_layer", n.Last)

	return p
}
