package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

// LengthRegulate expands per-token features x [batch, tokens, channels] along
// time. Token i of item b is repeated int(durations[b][i] + 0.5) times; items
// are right-padded with zeros to the longest expansion. It also returns the
// expanded length of each item.
func LengthRegulate(x *tensor.Tensor, durations [][]float32) (*tensor.Tensor, []int, error) {
	if x == nil {
		return nil, nil, errors.New("ops: length regulate on nil tensor")
	}

	shape := x.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("ops: length regulate expects [B, T, C], got %v", shape)
	}

	batch, tokens, ch := shape[0], shape[1], shape[2]
	if int64(len(durations)) != batch {
		return nil, nil, fmt.Errorf("ops: length regulate got %d duration rows for batch %d", len(durations), batch)
	}

	repeats := make([][]int, batch)
	lens := make([]int, batch)

	for b, row := range durations {
		if int64(len(row)) != tokens {
			return nil, nil, fmt.Errorf("ops: length regulate item %d has %d durations for %d tokens", b, len(row), tokens)
		}

		repeats[b] = make([]int, tokens)
		for i, d := range row {
			n := max(int(d+0.5), 0)
			repeats[b][i] = n
			lens[b] += n
		}
	}

	width := int64(MaxLen(lens))

	out, err := tensor.Zeros([]int64{batch, width, ch})
	if err != nil {
		return nil, nil, err
	}

	src, dst := x.RawData(), out.RawData()

	for b := range batch {
		pos := int64(0)

		for i := range tokens {
			frame := src[(b*tokens+i)*ch : (b*tokens+i+1)*ch]
			for range repeats[b][i] {
				copy(dst[(b*width+pos)*ch:], frame)
				pos++
			}
		}
	}

	return out, lens, nil
}
