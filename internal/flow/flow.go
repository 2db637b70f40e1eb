// Package flow implements invertible transforms over mel-spectrogram frames
// laid out as [batch, channels, time]: 1x1 convolutions, affine and spline
// couplings, and a Stack that chains them with log-determinant bookkeeping.
package flow

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

var (
	// ErrShape reports an input whose shape does not match the layer.
	ErrShape = errors.New("flow: shape mismatch")
	// ErrConfig reports an invalid layer configuration.
	ErrConfig = errors.New("flow: invalid configuration")
)

// Transform is one invertible step. ctx is the conditioning tensor
// [B, C_ctx, T] (ignored by layers that are not conditioned) and lens holds
// the valid length of each batch item, or nil when every frame is valid.
type Transform interface {
	nn.Module
	Forward(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, LogDet, error)
	Inverse(z, ctx *tensor.Tensor, lens []int) (*tensor.Tensor, error)
}

// LogDet is the log-determinant contribution of one forward pass. Layers that
// act identically on every frame report a PerFrame scalar; couplings report a
// per-position Term [B, C', T] to be summed over C' and valid frames.
type LogDet struct {
	PerFrame float64
	Term     *tensor.Tensor
}

// Total reduces ld to one value per batch item, counting only frames
// t < lens[b]. With nil lens every frame counts.
func (ld LogDet) Total(batch, frames int, lens []int) ([]float64, error) {
	if lens == nil {
		lens = fullLengths(batch, frames)
	}

	if err := ops.ValidateLengths(lens, int64(batch), int64(frames)); err != nil {
		return nil, err
	}

	out := make([]float64, batch)
	for b, l := range lens {
		out[b] = ld.PerFrame * float64(l)
	}

	if ld.Term == nil {
		return out, nil
	}

	shape := ld.Term.Shape()
	if len(shape) != 3 || shape[0] != int64(batch) || shape[2] != int64(frames) {
		return nil, fmt.Errorf("%w: log-det term %v for batch %d x %d frames", ErrShape, shape, batch, frames)
	}

	ch, tl := shape[1], shape[2]
	d := ld.Term.RawData()

	for b, l := range lens {
		for c := range ch {
			row := d[(int64(b)*ch+c)*tl:]
			for t := range l {
				out[b] += float64(row[t])
			}
		}
	}

	return out, nil
}

// checkInput validates z [B, C, T] and, when non-nil, ctx [B, *, T] and lens.
func checkInput(z, ctx *tensor.Tensor, lens []int, channels int64) error {
	if z == nil {
		return fmt.Errorf("%w: nil input", ErrShape)
	}

	zs := z.Shape()
	if len(zs) != 3 || zs[1] != channels {
		return fmt.Errorf("%w: input %v, want [B, %d, T]", ErrShape, zs, channels)
	}

	if ctx != nil {
		cs := ctx.Shape()
		if len(cs) != 3 || cs[0] != zs[0] || cs[2] != zs[2] {
			return fmt.Errorf("%w: context %v does not align with input %v", ErrShape, cs, zs)
		}
	}

	if lens != nil {
		if err := ops.ValidateLengths(lens, zs[0], zs[2]); err != nil {
			return err
		}
	}

	return nil
}

// checkContext requires a [B, want, T] context when want > 0.
func checkContext(ctx *tensor.Tensor, want int64) error {
	if want == 0 {
		return nil
	}

	if ctx == nil || ctx.Dim(1) != want {
		return fmt.Errorf("%w: layer needs [B, %d, T] context, got %v", ErrShape, want, ctx.Shape())
	}

	return nil
}

// splitHalves splits z along channels into the conditioning half and the
// transformed half.
func splitHalves(z *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	return z.Split(1, z.Dim(1)/2)
}

func concatChannels(parts ...*tensor.Tensor) (*tensor.Tensor, error) {
	var keep []*tensor.Tensor

	for _, p := range parts {
		if p != nil {
			keep = append(keep, p)
		}
	}

	if len(keep) == 1 {
		return keep[0], nil
	}

	return tensor.Concat(keep, 1)
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}

	return l
}
