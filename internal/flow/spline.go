package flow

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// SplineConfig describes a spline coupling layer. Forward maps values in
// [Left, Right] onto [Bottom, Top]; Inverse maps them back.
type SplineConfig struct {
	Channels        int64
	ContextChannels int64
	Layers          int
	WithDilation    bool
	KernelSize      int64
	Bins            int
	Left, Right     float64
	Bottom, Top     float64
	Quadratic       bool
	Logger          *slog.Logger
}

// DefaultSplineConfig returns the coupling defaults: 8 bins on [-4, 4].
func DefaultSplineConfig(channels, ctx int64) SplineConfig {
	return SplineConfig{
		Channels:        channels,
		ContextChannels: ctx,
		Layers:          2,
		WithDilation:    true,
		KernelSize:      5,
		Bins:            8,
		Left:            -4,
		Right:           4,
		Bottom:          -4,
		Top:             4,
	}
}

// DefaultSplineARConfig returns the autoregressive defaults: 8 bins on
// [-6, 6] with a position-wise predictor.
func DefaultSplineARConfig(channels, ctx int64) SplineConfig {
	return SplineConfig{
		Channels:        channels,
		ContextChannels: ctx,
		Layers:          2,
		KernelSize:      1,
		Bins:            8,
		Left:            -6,
		Right:           6,
		Bottom:          -6,
		Top:             6,
	}
}

// splineCore applies per-position splines to a block of channels.
type splineCore struct {
	bins      int
	quadratic bool
	left      float64
	right     float64
	bottom    float64
	top       float64
	logger    *slog.Logger
}

func newSplineCore(cfg SplineConfig) (splineCore, error) {
	if cfg.Bins < 1 {
		return splineCore{}, fmt.Errorf("%w: spline needs at least one bin, got %d", ErrConfig, cfg.Bins)
	}

	if !(cfg.Right > cfg.Left) || !(cfg.Top > cfg.Bottom) {
		return splineCore{}, fmt.Errorf("%w: spline domain [%v, %v] -> [%v, %v] is empty", ErrConfig, cfg.Left, cfg.Right, cfg.Bottom, cfg.Top)
	}

	return splineCore{
		bins:      cfg.Bins,
		quadratic: cfg.Quadratic,
		left:      cfg.Left,
		right:     cfg.Right,
		bottom:    cfg.Bottom,
		top:       cfg.Top,
		logger:    loggerOr(cfg.Logger),
	}, nil
}

// paramsPerChannel is the predictor width per transformed channel.
func (s splineCore) paramsPerChannel() int {
	if s.quadratic {
		return 2*s.bins + 1
	}

	return s.bins
}

// rescaleLogDet is log(top-bottom) - log(right-left), added once per
// transformed channel.
func (s splineCore) rescaleLogDet() float64 {
	return math.Log(s.top-s.bottom) - math.Log(s.right-s.left)
}

// apply transforms x [B, C, T] with parameters p [B, C*paramsPerChannel, T].
// In forward mode it also returns the summed log-slope [B, 1, T] including
// the rescaling term.
func (s splineCore) apply(x, p *tensor.Tensor, inverse bool) (*tensor.Tensor, *tensor.Tensor, error) {
	shape := x.Shape()
	batch, ch, tl := shape[0], shape[1], shape[2]
	nb := int64(s.paramsPerChannel())

	if ps := p.Shape(); len(ps) != 3 || ps[0] != batch || ps[1] != ch*nb || ps[2] != tl {
		return nil, nil, fmt.Errorf("%w: spline parameters %v for input %v", ErrShape, ps, shape)
	}

	inLo, inSpan := s.left, s.right-s.left
	outLo, outSpan := s.bottom, s.top-s.bottom

	if inverse {
		inLo, inSpan, outLo, outSpan = outLo, outSpan, inLo, inSpan
	}

	out := tensor.ZerosLike(x)

	logDet, err := tensor.Zeros([]int64{batch, 1, tl})
	if err != nil {
		return nil, nil, err
	}

	xd, pd, od, ld := x.RawData(), p.RawData(), out.RawData(), logDet.RawData()
	xMin, xMax, err := x.MinMax()
	if err != nil {
		return nil, nil, err
	}

	lo, hi := (float64(xMin)-inLo)/inSpan, (float64(xMax)-inLo)/inSpan
	if lo < 0 || hi > 1 {
		s.logger.Warn("spline input scaled beyond [0, 1]", "min", lo, "max", hi, "inverse", inverse)
	}

	rescale := float64(ch) * s.rescaleLogDet()

	tensor.ParallelFor(int(batch*tl), tensor.Workers(), func(start, end int) {
		work := newSplineWork(s.bins)
		logits := make([]float32, nb)

		for pos := int64(start); pos < int64(end); pos++ {
			b, t := pos/tl, pos%tl

			var sum float64

			for c := range ch {
				for j := range nb {
					logits[j] = pd[((b*ch+c)*nb+j)*tl+t]
				}

				i := (b*ch+c)*tl + t
				u := (float64(xd[i]) - inLo) / inSpan

				var y, lj float64

				switch {
				case s.quadratic:
					y, lj = work.quadratic(u, logits[:s.bins], logits[s.bins:], inverse)
				case inverse:
					y, lj = work.linearInverse(u, logits)
				default:
					y, lj = work.linearForward(u, logits)
				}

				od[i] = float32(y*outSpan + outLo)
				sum += lj
			}

			ld[b*tl+t] = float32(sum + rescale)
		}
	})

	return out, logDet, nil
}

// SplineCoupling keeps the first half of the channels and maps each value of
// the second half through a monotone spline whose bins are predicted from the
// first half and the context.
type SplineCoupling struct {
	channels  int64
	ctx       int64
	core      splineCore
	predictor *nn.SimpleConvNet
}

func NewSplineCoupling(cfg SplineConfig, rng *rand.Rand) (*SplineCoupling, error) {
	if cfg.Channels <= 0 || cfg.Channels%2 != 0 {
		return nil, fmt.Errorf("%w: spline coupling needs a positive even channel count, got %d", ErrConfig, cfg.Channels)
	}

	core, err := newSplineCore(cfg)
	if err != nil {
		return nil, err
	}

	half := cfg.Channels / 2

	net, err := nn.NewSimpleConvNet(nn.SimpleConvNetConfig{
		InChannels:      half,
		ContextChannels: cfg.ContextChannels,
		OutChannels:     half * int64(core.paramsPerChannel()),
		Layers:          cfg.Layers,
		KernelSize:      cfg.KernelSize,
		WithDilation:    cfg.WithDilation,
		PartialPadding:  true,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &SplineCoupling{channels: cfg.Channels, ctx: cfg.ContextChannels, core: core, predictor: net}, nil
}

func (l *SplineCoupling) run(z, ctx *tensor.Tensor, lens []int, inverse bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkInput(z, ctx, lens, l.channels); err != nil {
		return nil, nil, err
	}

	if err := checkContext(ctx, l.ctx); err != nil {
		return nil, nil, err
	}

	z0, z1, err := splitHalves(z)
	if err != nil {
		return nil, nil, err
	}

	in, err := concatChannels(z0, ctx)
	if err != nil {
		return nil, nil, err
	}

	p, err := l.predictor.Forward(in, lens)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: spline predictor: %w", err)
	}

	y1, logDet, err := l.core.apply(z1, p, inverse)
	if err != nil {
		return nil, nil, err
	}

	out, err := tensor.Concat([]*tensor.Tensor{z0, y1}, 1)
	if err != nil {
		return nil, nil, err
	}

	return out, logDet, nil
}

// Forward returns the transformed tensor and a [B, 1, T] log-determinant.
func (l *SplineCoupling) Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error) {
	out, logDet, err := l.run(z, ctx, lens, false)
	if err != nil {
		return nil, LogDet{}, err
	}

	return out, LogDet{Term: logDet}, nil
}

func (l *SplineCoupling) Inverse(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	out, _, err := l.run(z, ctx, lens, true)
	return out, err
}

func (l *SplineCoupling) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	nn.Prefixed(p, "param_predictor", l.predictor)

	return p
}

// SplineAR transforms every channel with splines predicted from the context
// alone through a position-wise network, so forward and inverse are both
// fully parallel over channels and frames.
type SplineAR struct {
	channels  int64
	ctx       int64
	core      splineCore
	predictor *nn.SimpleConvNet
}

func NewSplineAR(cfg SplineConfig, rng *rand.Rand) (*SplineAR, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: spline AR needs positive channels, got %d", ErrConfig, cfg.Channels)
	}

	if cfg.ContextChannels <= 0 {
		return nil, fmt.Errorf("%w: spline AR needs context channels", ErrConfig)
	}

	core, err := newSplineCore(cfg)
	if err != nil {
		return nil, err
	}

	net, err := nn.NewSimpleConvNet(nn.SimpleConvNetConfig{
		InChannels:  cfg.ContextChannels,
		OutChannels: cfg.Channels * int64(core.paramsPerChannel()),
		Layers:      cfg.Layers,
		KernelSize:  1,
		ZeroInit:    true,
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &SplineAR{channels: cfg.Channels, ctx: cfg.ContextChannels, core: core, predictor: net}, nil
}

func (l *SplineAR) run(z, ctx *tensor.Tensor, lens []int, inverse bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := checkInput(z, ctx, lens, l.channels); err != nil {
		return nil, nil, err
	}

	if err := checkContext(ctx, l.ctx); err != nil {
		return nil, nil, err
	}

	p, err := l.predictor.Forward(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("flow: spline AR predictor: %w", err)
	}

	return l.core.apply(z, p, inverse)
}

func (l *SplineAR) Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error) {
	out, logDet, err := l.run(z, ctx, lens, false)
	if err != nil {
		return nil, LogDet{}, err
	}

	return out, LogDet{Term: logDet}, nil
}

func (l *SplineAR) Inverse(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error) {
	out, _, err := l.run(z, ctx, lens, true)
	return out, err
}

func (l *SplineAR) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)
	nn.Prefixed(p, "param_predictor", l.predictor)

	return p
}
