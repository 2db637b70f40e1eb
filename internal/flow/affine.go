package flow

import (
	"fmt"
	"math/rand/v2"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// Affine coupling parameter predictors.
const (
	ModelSimpleConv = "simple_conv"
	ModelWaveNet    = "wavenet"
)

// AffineConfig describes an affine coupling layer.
type AffineConfig struct {
	Channels        int64
	ContextChannels int64
	Layers          int
	Model           string
	WithDilation    bool
	KernelSize      int64
	// Scaling holds one function name, or one per transformed channel.
	Scaling        []string
	Activation     string
	HiddenChannels int64
	PartialPadding bool
}

// DefaultAffineConfig returns the usual decoder settings for channels mel
// bins conditioned on ctx channels.
func DefaultAffineConfig(channels, ctx int64) AffineConfig {
	return AffineConfig{
		Channels:        channels,
		ContextChannels: ctx,
		Layers:          4,
		Model:           ModelSimpleConv,
		WithDilation:    true,
		KernelSize:      5,
		Scaling:         []string{"exp"},
		Activation:      "softplus",
		HiddenChannels:  1024,
	}
}

// predictor maps the conditioning half and context to per-position
// parameters.
type predictor interface {
	nn.Module
	predict(z0, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error)
}

type convPredictor struct{ *nn.SimpleConvNet }

func (p convPredictor) predict(z0, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	x, err := concatChannels(z0, ctx)
	if err != nil {
		return nil, fmt.Errorf("flow: predictor input: %w", err)
	}

	return p.Forward(x, lens)
}

type waveNetPredictor struct{ *nn.WaveNet }

func (p waveNetPredictor) predict(z0, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	return p.Forward(z0, ctx, lens)
}

// AffineCoupling keeps the first half of the channels and maps the second
// half to s*z1 + b, with s and b predicted from the first half and the
// context. The predictor's last layer starts at zero so a fresh layer is the
// identity (for exp scaling).
type AffineCoupling struct {
	channels  int64
	ctx       int64
	scaling   Scaling
	predictor predictor
}

// NewAffineCoupling validates cfg and builds the layer with a zero-initialised
// predictor output.
func NewAffineCoupling(cfg AffineConfig, rng *rand.Rand) (*AffineCoupling, error) {
	if cfg.Channels <= 0 || cfg.Channels%2 != 0 {
		return nil, fmt.Errorf("%w: affine coupling needs a positive even channel count, got %d", ErrConfig, cfg.Channels)
	}

	half := cfg.Channels / 2

	scaling, err := ParseScaling(cfg.Scaling...)
	if err != nil {
		return nil, err
	}

	if n := scaling.PerChannel(); n != 0 && int64(n) != half {
		return nil, fmt.Errorf("%w: %d per-channel scaling functions for %d transformed channels", ErrConfig, n, half)
	}

	layer := &AffineCoupling{channels: cfg.Channels, ctx: cfg.ContextChannels, scaling: scaling}

	switch cfg.Model {
	case ModelSimpleConv:
		net, err := nn.NewSimpleConvNet(nn.SimpleConvNetConfig{
			InChannels:      half,
			ContextChannels: cfg.ContextChannels,
			OutChannels:     cfg.Channels,
			Layers:          cfg.Layers,
			KernelSize:      cfg.KernelSize,
			WithDilation:    cfg.WithDilation,
			ZeroInit:        true,
			PartialPadding:  cfg.PartialPadding,
		}, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}

		layer.predictor = convPredictor{net}
	case ModelWaveNet:
		wn, err := nn.NewWaveNet(nn.WaveNetConfig{
			InChannels:      half,
			ContextChannels: cfg.ContextChannels,
			Layers:          cfg.Layers,
			HiddenChannels:  cfg.HiddenChannels,
			KernelSize:      cfg.KernelSize,
			Activation:      cfg.Activation,
			PartialPadding:  cfg.PartialPadding,
		}, rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}

		layer.predictor = waveNetPredictor{wn}
	default:
		return nil, fmt.Errorf("%w: affine model %q not supported", ErrConfig, cfg.Model)
	}

	return layer, nil
}

// params returns z0, z1, s, log s and b for z.
func (a *AffineCoupling) params(z, ctx *tensor.Tensor, lens []int) (z0, z1, s, logS, b *tensor.Tensor, err error) {
	if err = checkInput(z, ctx, lens, a.channels); err != nil {
		return
	}

	if err = checkContext(ctx, a.ctx); err != nil {
		return
	}

	z0, z1, err = splitHalves(z)
	if err != nil {
		return
	}

	p, err := a.predictor.predict(z0, ctx, lens)
	if err != nil {
		err = fmt.Errorf("flow: affine predictor: %w", err)
		return
	}

	u, b, err := p.Split(1, z0.Dim(1))
	if err != nil {
		return
	}

	s, logS, err = a.scaling.Apply(u)

	return
}

// Forward returns concat(z0, s*z1 + b) and log s [B, C/2, T] as the
// per-position log-determinant.
func (a *AffineCoupling) Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error) {
	z0, z1, s, logS, b, err := a.params(z, ctx, lens)
	if err != nil {
		return nil, LogDet{}, err
	}

	scaled, err := tensor.BroadcastMul(z1, s)
	if err != nil {
		return nil, LogDet{}, err
	}

	y1, err := tensor.BroadcastAdd(scaled, b)
	if err != nil {
		return nil, LogDet{}, err
	}

	out, err := tensor.Concat([]*tensor.Tensor{z0, y1}, 1)
	if err != nil {
		return nil, LogDet{}, err
	}

	return out, LogDet{Term: logS}, nil
}

// Inverse returns concat(z0, (z1 - b) / s).
func (a *AffineCoupling) Inverse(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	z0, z1, s, _, b, err := a.params(z, ctx, lens)
	if err != nil {
		return nil, err
	}

	shifted, err := tensor.BroadcastSub(z1, b)
	if err != nil {
		return nil, err
	}

	x1, err := tensor.BroadcastDiv(shifted, s)
	if err != nil {
		return nil, err
	}

	return tensor.Concat([]*tensor.Tensor{z0, x1}, 1)
}

func (a *AffineCoupling) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	nn.Prefixed(p, "affine_param_predictor", a.predictor)

	return p
}
