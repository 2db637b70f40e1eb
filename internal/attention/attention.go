// Package attention aligns text encodings with mel frames: a convolutional
// Gaussian attention produces soft alignments, and monotonic alignment search
// turns them into hard alignments and per-token durations.
package attention

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// ErrShape reports inputs whose shapes do not line up.
var ErrShape = errors.New("attention: shape mismatch")

const priorEps = 1e-8

// Config sizes a ConvAttention.
type Config struct {
	MelChannels  int64
	TextChannels int64
	AttChannels  int64
	// Temperature scales the negative squared distance; 0 selects 0.0005.
	Temperature float64
}

func DefaultConfig() Config {
	return Config{MelChannels: 80, TextChannels: 512, AttChannels: 80, Temperature: 0.0005}
}

// ConvAttention scores every (mel frame, text token) pair by the squared
// distance of their projections and normalises over tokens.
type ConvAttention struct {
	keyProj   []*nn.ConvNorm
	queryProj []*nn.ConvNorm
	temp      float32
}

func New(cfg Config, rng *rand.Rand) (*ConvAttention, error) {
	if cfg.MelChannels <= 0 || cfg.TextChannels <= 0 || cfg.AttChannels <= 0 {
		return nil, fmt.Errorf("attention: channels must be positive, got mel=%d text=%d att=%d", cfg.MelChannels, cfg.TextChannels, cfg.AttChannels)
	}

	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.0005
	}

	build := func(specs ...nn.ConvNormConfig) ([]*nn.ConvNorm, error) {
		out := make([]*nn.ConvNorm, len(specs))
		for i, s := range specs {
			s.Padding = -1

			c, err := nn.NewConvNorm(s, rng)
			if err != nil {
				return nil, err
			}

			out[i] = c
		}

		return out, nil
	}

	text, mel := cfg.TextChannels, cfg.MelChannels

	keyProj, err := build(
		nn.ConvNormConfig{In: text, Out: 2 * text, KernelSize: 3, Gain: "relu"},
		nn.ConvNormConfig{In: 2 * text, Out: cfg.AttChannels, KernelSize: 1},
	)
	if err != nil {
		return nil, fmt.Errorf("attention: key projection: %w", err)
	}

	queryProj, err := build(
		nn.ConvNormConfig{In: mel, Out: 2 * mel, KernelSize: 3, Gain: "relu"},
		nn.ConvNormConfig{In: 2 * mel, Out: mel, KernelSize: 1},
		nn.ConvNormConfig{In: mel, Out: cfg.AttChannels, KernelSize: 1},
	)
	if err != nil {
		return nil, fmt.Errorf("attention: query projection: %w", err)
	}

	return &ConvAttention{keyProj: keyProj, queryProj: queryProj, temp: float32(temp)}, nil
}

// project runs convs with a ReLU between consecutive layers.
func project(x *tensor.Tensor, convs []*nn.ConvNorm) (*tensor.Tensor, error) {
	for i, c := range convs {
		var err error

		x, err = c.Forward(x, nil)
		if err != nil {
			return nil, err
		}

		if i < len(convs)-1 {
			ops.ReLU(x)
		}
	}

	return x, nil
}

// Forward aligns queries [B, C_mel, Tq] with keys [B, C_text, Tk]. prior, if
// non-nil, is [B, Tq, Tk] (or [B, 1, Tq, Tk]) of alignment probabilities;
// keyLens, if non-nil, masks tokens k >= keyLens[b]. It returns the soft
// alignment [B, 1, Tq, Tk] whose rows sum to one over valid tokens, and the
// unmasked log scores of the same shape.
func (a *ConvAttention) Forward(queries, keys *tensor.Tensor, keyLens []int, prior *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if queries == nil || keys == nil || queries.Rank() != 3 || keys.Rank() != 3 || queries.Dim(0) != keys.Dim(0) {
		return nil, nil, fmt.Errorf("%w: queries %v, keys %v", ErrShape, queries.Shape(), keys.Shape())
	}

	q, err := project(queries, a.queryProj)
	if err != nil {
		return nil, nil, fmt.Errorf("attention: query projection: %w", err)
	}

	k, err := project(keys, a.keyProj)
	if err != nil {
		return nil, nil, fmt.Errorf("attention: key projection: %w", err)
	}

	batch, ch, tq, tk := q.Dim(0), q.Dim(1), q.Dim(2), k.Dim(2)

	scores, err := tensor.Zeros([]int64{batch, 1, tq, tk})
	if err != nil {
		return nil, nil, err
	}

	qd, kd, sd := q.RawData(), k.RawData(), scores.RawData()

	tensor.ParallelFor(int(batch*tq), tensor.Workers(), func(lo, hi int) {
		for row := int64(lo); row < int64(hi); row++ {
			b, i := row/tq, row%tq
			out := sd[row*tk : (row+1)*tk]

			for c := range ch {
				qv := qd[(b*ch+c)*tq+i]
				kr := kd[(b*ch+c)*tk : (b*ch+c+1)*tk]

				for j, kv := range kr {
					d := qv - kv
					out[j] += d * d
				}
			}

			for j := range out {
				out[j] *= -a.temp
			}
		}
	})

	if prior != nil {
		if prior.ElemCount() != scores.ElemCount() || prior.Dim(0) != batch || prior.Dim(-1) != tk || prior.Dim(-2) != tq {
			return nil, nil, fmt.Errorf("%w: prior %v for scores %v", ErrShape, prior.Shape(), scores.Shape())
		}

		scores, err = tensor.LogSoftmax(scores, 3)
		if err != nil {
			return nil, nil, err
		}

		sd = scores.RawData()
		for i, p := range prior.RawData() {
			sd[i] += float32(math.Log(float64(p) + priorEps))
		}
	}

	logProb := scores.Clone()

	if keyLens != nil {
		if err := ops.MaskKeys(scores, keyLens); err != nil {
			return nil, nil, err
		}
	}

	attn, err := tensor.Softmax(scores, 3)
	if err != nil {
		return nil, nil, err
	}

	return attn, logProb, nil
}

func (a *ConvAttention) Params() map[string]*tensor.Tensor {
	p := make(map[string]*tensor.Tensor)

	// Even indices: the ReLUs between convs occupy the odd slots.
	for i, c := range a.keyProj {
		nn.Prefixed(p, fmt.Sprintf("key_proj.%d.conv", 2*i), c)
	}

	for i, c := range a.queryProj {
		nn.Prefixed(p, fmt.Sprintf("query_proj.%d.conv", 2*i), c)
	}

	return p
}
