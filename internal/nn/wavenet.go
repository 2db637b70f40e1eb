package nn

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// WaveNetConfig describes a non-causal WaveNet-style conditioner.
type WaveNetConfig struct {
	InChannels      int64
	ContextChannels int64
	Layers          int
	HiddenChannels  int64
	KernelSize      int64
	// Activation is "softplus" or "relu".
	Activation     string
	PartialPadding bool
}

// WaveNet projects concat(z, context) to HiddenChannels, runs dilated
// convolutions whose 1x1 projections are summed, and maps the sum to
// 2*InChannels. The final projection starts at zero.
type WaveNet struct {
	Start    *ConvNorm
	In       []*ConvNorm
	ResSkip  []*ConvNorm
	End      *ConvNorm
	act      func(*tensor.Tensor) *tensor.Tensor
}

func NewWaveNet(cfg WaveNetConfig, rng *rand.Rand) (*WaveNet, error) {
	if cfg.KernelSize%2 != 1 {
		return nil, fmt.Errorf("nn: wavenet kernel must be odd, got %d", cfg.KernelSize)
	}

	if cfg.HiddenChannels <= 0 || cfg.HiddenChannels%2 != 0 {
		return nil, fmt.Errorf("nn: wavenet hidden channels must be positive and even, got %d", cfg.HiddenChannels)
	}

	if cfg.Activation != ops.ActReLU && cfg.Activation != ops.ActSoftplus {
		return nil, fmt.Errorf("nn: wavenet activation %q not supported", cfg.Activation)
	}

	hidden := cfg.HiddenChannels

	start, err := NewConvNorm(ConvNormConfig{In: cfg.InChannels + cfg.ContextChannels, Out: hidden, KernelSize: 1}, rng)
	if err != nil {
		return nil, fmt.Errorf("nn: wavenet start: %w", err)
	}

	end, err := NewConvNorm(ConvNormConfig{In: hidden, Out: 2 * cfg.InChannels, KernelSize: 1}, rng)
	if err != nil {
		return nil, fmt.Errorf("nn: wavenet end: %w", err)
	}

	end.ZeroInit()

	wn := &WaveNet{
		Start: start,
		End:   end,
		act:   ops.ActivationByName(cfg.Activation),
	}

	for i := range cfg.Layers {
		dilation := int64(1) << i

		in, err := NewConvNorm(ConvNormConfig{
			In:         hidden,
			Out:        hidden,
			KernelSize: cfg.KernelSize,
			Dilation:   dilation,
			Padding:    (cfg.KernelSize*dilation - dilation) / 2,
			Partial:    cfg.PartialPadding,
		}, rng)
		if err != nil {
			return nil, fmt.Errorf("nn: wavenet layer %d: %w", i, err)
		}

		rs, err := NewConvNorm(ConvNormConfig{In: hidden, Out: hidden, KernelSize: 1}, rng)
		if err != nil {
			return nil, fmt.Errorf("nn: wavenet res/skip %d: %w", i, err)
		}

		wn.In = append(wn.In, in)
		wn.ResSkip = append(wn.ResSkip, rs)
	}

	return wn, nil
}

// Forward maps z [B, in, T] and ctx [B, ctx, T] to [B, 2*in, T]. A non-nil
// lens zeroes padded frames after the start projection and after every
// activated dilated layer. Each res/skip output goes through the activation before it
// is summed.
func (w *WaveNet) Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	if w == nil || w.Start == nil {
		return nil, errors.New("nn: wavenet is not initialized")
	}

	x := z
	if ctx != nil {
		var err error

		x, err = tensor.Concat([]*tensor.Tensor{z, ctx}, 1)
		if err != nil {
			return nil, fmt.Errorf("nn: wavenet input: %w", err)
		}
	}

	h, err := w.Start.Forward(x, nil)
	if err != nil {
		return nil, err
	}

	var mask *tensor.Tensor

	if lens != nil {
		mask, err = ops.LengthMask(lens, h.Dim(2))
		if err != nil {
			return nil, err
		}

		if h, err = ops.ApplyTimeMask(h, mask); err != nil {
			return nil, err
		}
	}

	acc := tensor.ZerosLike(h)

	for i := range w.In {
		h, err = w.In[i].Forward(h, mask)
		if err != nil {
			return nil, fmt.Errorf("nn: wavenet layer %d: %w", i, err)
		}

		if h, err = ops.ApplyTimeMask(w.act(h), mask); err != nil {
			return nil, err
		}

		rs, err := w.ResSkip[i].Forward(h, nil)
		if err != nil {
			return nil, fmt.Errorf("nn: wavenet res/skip %d: %w", i, err)
		}

		tensor.Axpy(acc.RawData(), 1, w.act(rs).RawData())
	}

	return w.End.Forward(acc, nil)
}

func (w *WaveNet) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	Prefixed(p, "start", w.Start)
	Prefixed(p, "end", w.End)

	for i := range w.In {
		Prefixed(p, "in_layers."+strconv.Itoa(i)+".conv", w.In[i])
		Prefixed(p, "res_skip_layers."+strconv.Itoa(i), w.ResSkip[i])
	}

	return p
}
