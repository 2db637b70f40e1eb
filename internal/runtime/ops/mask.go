package ops

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// ErrBadLengths reports sequence lengths that cannot describe a padded batch.
var ErrBadLengths = errors.New("ops: invalid sequence lengths")

// MaxLen returns the largest entry of lens, or 0 when lens is empty.
func MaxLen(lens []int) int {
	if len(lens) == 0 {
		return 0
	}

	return slices.Max(lens)
}

// ValidateLengths checks that lens has one entry per batch item and every
// entry lies in [0, width].
func ValidateLengths(lens []int, batch, width int64) error {
	if int64(len(lens)) != batch {
		return fmt.Errorf("%w: got %d lengths for batch %d", ErrBadLengths, len(lens), batch)
	}

	for i, l := range lens {
		if l < 0 || int64(l) > width {
			return fmt.Errorf("%w: length[%d]=%d outside [0, %d]", ErrBadLengths, i, l, width)
		}
	}

	return nil
}

// LengthMask builds a [batch, 1, width] float mask with mask[b, 0, t] = 1
// for t < lens[b] and 0 otherwise. width <= 0 uses the longest length.
func LengthMask(lens []int, width int64) (*tensor.Tensor, error) {
	if width <= 0 {
		width = int64(MaxLen(lens))
	}

	if err := ValidateLengths(lens, int64(len(lens)), width); err != nil {
		return nil, err
	}

	data := make([]float32, int64(len(lens))*width)
	for b, l := range lens {
		row := data[int64(b)*width : int64(b+1)*width]
		for t := range l {
			row[t] = 1
		}
	}

	return tensor.New(data, []int64{int64(len(lens)), 1, width})
}

// ApplyTimeMask multiplies x [batch, channels, time] by a [batch, 1, time]
// mask in place and returns x.
func ApplyTimeMask(x, mask *tensor.Tensor) (*tensor.Tensor, error) {
	if x == nil || mask == nil {
		return x, nil
	}

	xs, ms := x.Shape(), mask.Shape()
	if len(xs) != 3 || len(ms) != 3 || ms[0] != xs[0] || ms[1] != 1 || ms[2] != xs[2] {
		return nil, fmt.Errorf("ops: time mask shape %v does not match %v", ms, xs)
	}

	xd, md := x.RawData(), mask.RawData()
	ch, tl := xs[1], xs[2]

	for b := range xs[0] {
		for c := range ch {
			row := xd[(b*ch+c)*tl : (b*ch+c+1)*tl]
			for t := range tl {
				row[t] *= md[b*tl+t]
			}
		}
	}

	return x, nil
}

// MaskKeys sets scores[b, ..., k] to -Inf for every key k >= keyLens[b].
// scores is [batch, ..., keys] and is modified in place.
func MaskKeys(scores *tensor.Tensor, keyLens []int) error {
	if scores == nil {
		return errors.New("ops: mask keys on nil scores")
	}

	shape := scores.Shape()
	if len(shape) < 2 {
		return fmt.Errorf("ops: mask keys requires rank >= 2, got %v", shape)
	}

	keys := shape[len(shape)-1]
	if err := ValidateLengths(keyLens, shape[0], keys); err != nil {
		return err
	}

	data := scores.RawData()
	perItem := int64(len(data)) / shape[0]
	negInf := float32(math.Inf(-1))

	for b, l := range keyLens {
		item := data[int64(b)*perItem : int64(b+1)*perItem]
		for row := int64(0); row < perItem; row += keys {
			for k := int64(l); k < keys; k++ {
				item[row+k] = negInf
			}
		}
	}

	return nil
}
