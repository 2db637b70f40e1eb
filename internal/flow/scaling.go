package flow

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// ScalingKind selects how an affine coupling turns unconstrained predictor
// outputs into a positive scale.
type ScalingKind int

// Scaling kinds. Translate fixes s=1; the others map u to exp(u),
// tanh(u)+1 and sigmoid(u), each kept strictly positive.
const (
	ScaleTranslate ScalingKind = iota
	ScaleExp
	ScaleTanh
	ScaleSigmoid
)

const scaleEps = 1e-6

// Exp inputs are clamped so exp(u) stays a normal, finite float32.
const (
	minExpInput = -87
	maxExpInput = 88
)

var scalingNames = map[string]ScalingKind{
	"translate": ScaleTranslate,
	"exp":       ScaleExp,
	"tanh":      ScaleTanh,
	"sigmoid":   ScaleSigmoid,
}

// ParseScalingKind resolves a case-insensitive scaling function name.
func ParseScalingKind(name string) (ScalingKind, error) {
	k, ok := scalingNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: scaling function %q not supported", ErrConfig, name)
	}

	return k, nil
}

func (k ScalingKind) String() string {
	for name, v := range scalingNames {
		if v == k {
			return name
		}
	}

	return fmt.Sprintf("ScalingKind(%d)", int(k))
}

// Scaling is either one kind shared by all channels or one kind per channel.
// The shared sigmoid is shifted by +10 so a zero input starts near s=1; the
// per-channel sigmoid is not shifted.
type Scaling struct {
	shared     ScalingKind
	perChannel []ScalingKind
}

// ParseScaling builds a Scaling from one name (shared) or several names (one
// per transformed channel).
func ParseScaling(names ...string) (Scaling, error) {
	if len(names) == 0 {
		return Scaling{}, fmt.Errorf("%w: no scaling function given", ErrConfig)
	}

	kinds := make([]ScalingKind, len(names))
	for i, name := range names {
		k, err := ParseScalingKind(name)
		if err != nil {
			return Scaling{}, err
		}

		kinds[i] = k
	}

	if len(kinds) == 1 {
		return Scaling{shared: kinds[0]}, nil
	}

	return Scaling{perChannel: kinds}, nil
}

// PerChannel reports how many channels a per-channel Scaling covers, or 0.
func (s Scaling) PerChannel() int { return len(s.perChannel) }

func (s Scaling) kindAt(c int) (ScalingKind, float64) {
	if s.perChannel != nil {
		return s.perChannel[c], 0
	}

	if s.shared == ScaleSigmoid {
		return ScaleSigmoid, 10
	}

	return s.shared, 0
}

// Apply maps u [B, C, T] to the scale s and log s, both [B, C, T].
func (s Scaling) Apply(u *tensor.Tensor) (scale, logScale *tensor.Tensor, err error) {
	shape := u.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("%w: scaling input %v is not [B, C, T]", ErrShape, shape)
	}

	ch, tl := shape[1], shape[2]
	if s.perChannel != nil && int64(len(s.perChannel)) != ch {
		return nil, nil, fmt.Errorf("%w: %d per-channel scaling functions for %d channels", ErrConfig, len(s.perChannel), ch)
	}

	scale = tensor.ZerosLike(u)
	logScale = tensor.ZerosLike(u)
	ud, sd, ld := u.RawData(), scale.RawData(), logScale.RawData()

	for i, v := range ud {
		kind, shift := s.kindAt(int(int64(i) / tl % ch))
		sv, lv := scaleOf(kind, float64(v)+shift)
		sd[i], ld[i] = float32(sv), float32(lv)
	}

	return scale, logScale, nil
}

func scaleOf(kind ScalingKind, u float64) (s, logS float64) {
	switch kind {
	case ScaleExp:
		u = min(max(u, minExpInput), maxExpInput)
		return math.Exp(u), u
	case ScaleTanh:
		s = math.Tanh(u) + 1 + scaleEps
	case ScaleSigmoid:
		s = 1/(1+math.Exp(-u)) + scaleEps
	default:
		return 1, 0
	}

	return s, math.Log(s)
}
