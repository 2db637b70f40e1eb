package flow

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// Channel-mix and coupling kinds accepted by StackConfig.
const (
	InvConvLUKind    = "lu"
	InvConvPlainKind = "plain"

	CouplingAffine   = "affine"
	CouplingSpline   = "spline"
	CouplingSplineAR = "spline_ar"
)

// StackConfig describes Steps repetitions of (1x1 conv, coupling).
type StackConfig struct {
	Channels        int64
	ContextChannels int64
	Steps           int
	InvConv         string
	Coupling        string
	CacheInverse    bool
	Affine          AffineConfig
	Spline          SplineConfig

	// SplineAR configures spline_ar couplings; it has its own domain and a
	// position-wise predictor.
	SplineAR SplineConfig
}

// DefaultStackConfig returns a decoder-shaped configuration.
func DefaultStackConfig(channels, ctx int64) StackConfig {
	return StackConfig{
		Channels:        channels,
		ContextChannels: ctx,
		Steps:           8,
		InvConv:         InvConvLUKind,
		Coupling:        CouplingAffine,
		Affine:          DefaultAffineConfig(channels, ctx),
		Spline:          DefaultSplineConfig(channels, ctx),
		SplineAR:        DefaultSplineARConfig(channels, ctx),
	}
}

// Stack chains transforms. Forward runs them in order, Inverse in reverse.
type Stack struct {
	channels int64
	Layers   []Transform
}

// NewStack builds the layers described by cfg.
func NewStack(cfg StackConfig, rng *rand.Rand) (*Stack, error) {
	if cfg.Steps < 1 {
		return nil, fmt.Errorf("%w: stack needs at least one step, got %d", ErrConfig, cfg.Steps)
	}

	s := &Stack{channels: cfg.Channels}

	for i := range cfg.Steps {
		var (
			mix Transform
			err error
		)

		switch cfg.InvConv {
		case InvConvLUKind, "":
			mix, err = NewInvConvLU(int(cfg.Channels), rng, cfg.CacheInverse)
		case InvConvPlainKind:
			mix, err = NewInvConv(int(cfg.Channels), rng, cfg.CacheInverse)
		default:
			err = fmt.Errorf("%w: 1x1 conv kind %q not supported", ErrConfig, cfg.InvConv)
		}

		if err != nil {
			return nil, fmt.Errorf("flow: step %d: %w", i, err)
		}

		coupling, err := newCoupling(cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("flow: step %d: %w", i, err)
		}

		s.Layers = append(s.Layers, mix, coupling)
	}

	return s, nil
}

func newCoupling(cfg StackConfig, rng *rand.Rand) (Transform, error) {
	switch cfg.Coupling {
	case CouplingAffine, "":
		a := cfg.Affine
		a.Channels, a.ContextChannels = cfg.Channels, cfg.ContextChannels

		return NewAffineCoupling(a, rng)
	case CouplingSpline:
		sc := cfg.Spline
		sc.Channels, sc.ContextChannels = cfg.Channels, cfg.ContextChannels

		return NewSplineCoupling(sc, rng)
	case CouplingSplineAR:
		sc := cfg.SplineAR
		sc.Channels, sc.ContextChannels = cfg.Channels, cfg.ContextChannels

		return NewSplineAR(sc, rng)
	default:
		return nil, fmt.Errorf("%w: coupling %q not supported", ErrConfig, cfg.Coupling)
	}
}

// NewStackOf wraps existing layers operating on channels channels.
func NewStackOf(channels int64, layers ...Transform) *Stack {
	return &Stack{channels: channels, Layers: layers}
}

// Channels returns the latent width.
func (s *Stack) Channels() int64 { return s.channels }

// Forward maps data to latent space and returns one LogDet per layer.
func (s *Stack) Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, []LogDet, error) {
	logDets := make([]LogDet, 0, len(s.Layers))

	for i, layer := range s.Layers {
		var (
			ld  LogDet
			err error
		)

		z, ld, err = layer.Forward(z, ctx, lens)
		if err != nil {
			return nil, nil, fmt.Errorf("flow: layer %d forward: %w", i, err)
		}

		logDets = append(logDets, ld)
	}

	return z, logDets, nil
}

// Inverse maps latents back to data space.
func (s *Stack) Inverse(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		var err error

		z, err = s.Layers[i].Inverse(z, ctx, lens)
		if err != nil {
			return nil, fmt.Errorf("flow: layer %d inverse: %w", i, err)
		}
	}

	return z, nil
}

// LogLikelihood returns, per batch item, log N(f(z); 0, sigma^2 I) summed
// over valid frames plus the accumulated log-determinant.
func (s *Stack) LogLikelihood(z, ctx *tensor.Tensor, lens []int, sigma float64) ([]float64, error) {
	if !(sigma > 0) {
		return nil, fmt.Errorf("%w: sigma must be positive, got %v", ErrConfig, sigma)
	}

	y, logDets, err := s.Forward(z, ctx, lens)
	if err != nil {
		return nil, err
	}

	batch, ch, tl := y.Dim(0), y.Dim(1), y.Dim(2)

	total, err := SumLogDets(logDets, int(batch), int(tl), lens)
	if err != nil {
		return nil, err
	}

	if lens == nil {
		lens = fullLengths(int(batch), int(tl))
	}

	yd := y.RawData()
	norm := -math.Log(sigma) - 0.5*math.Log(2*math.Pi)

	for b, l := range lens {
		var ll float64

		for c := range ch {
			row := yd[(int64(b)*ch+c)*tl:]
			for t := range l {
				v := float64(row[t]) / sigma
				ll += -0.5*v*v + norm
			}
		}

		total[b] += ll
	}

	return total, nil
}

// Sample draws Gaussian latents with standard deviation sigma, zeroes padded
// frames and maps them to data space. ctx fixes batch size and length.
func (s *Stack) Sample(ctx *tensor.Tensor, lens []int, sigma float64, rng *rand.Rand) (*tensor.Tensor, error) {
	if ctx == nil || ctx.Rank() != 3 {
		return nil, fmt.Errorf("%w: sampling needs a [B, C, T] context", ErrShape)
	}

	batch, tl := ctx.Dim(0), ctx.Dim(2)

	z, err := tensor.Zeros([]int64{batch, s.channels, tl})
	if err != nil {
		return nil, err
	}

	zd := z.RawData()
	for i := range zd {
		zd[i] = float32(rng.NormFloat64() * sigma)
	}

	if lens != nil {
		mask, err := ops.LengthMask(lens, tl)
		if err != nil {
			return nil, err
		}

		if _, err := ops.ApplyTimeMask(z, mask); err != nil {
			return nil, err
		}
	}

	return s.Inverse(z, ctx, lens)
}

// SumLogDets adds up per-item totals of several layers.
func SumLogDets(logDets []LogDet, batch, frames int, lens []int) ([]float64, error) {
	total := make([]float64, batch)

	for i, ld := range logDets {
		t, err := ld.Total(batch, frames, lens)
		if err != nil {
			return nil, fmt.Errorf("flow: log-det of layer %d: %w", i, err)
		}

		for b := range total {
			total[b] += t[b]
		}
	}

	return total, nil
}

func (s *Stack) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	for i, layer := range s.Layers {
		nn.Prefixed(p, "flows."+strconv.Itoa(i), layer)
	}

	return p
}

func (s *Stack) BufferNames() []string {
	var out []string
	for i, layer := range s.Layers {
		out = nn.PrefixedBuffers(out, "flows."+strconv.Itoa(i), layer)
	}

	return out
}

// Invalidate drops cached values derived from parameters in every layer.
func (s *Stack) Invalidate() {
	for _, layer := range s.Layers {
		if inv, ok := layer.(nn.Invalidator); ok {
			inv.Invalidate()
		}
	}
}

func fullLengths(batch, frames int) []int {
	lens := make([]int, batch)
	for i := range lens {
		lens[i] = frames
	}

	return lens
}
