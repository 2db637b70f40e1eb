package attention

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

// BinarizeMAS converts soft alignments attn [B, 1, Tq, Tk] into hard,
// monotonic alignments of the same shape. Within item b only the top-left
// queryLens[b] x keyLens[b] block is searched; every valid frame is assigned
// exactly one token, the path ends at the last valid token and advances by at
// most one token per frame. When there are at least as many frames as tokens
// it also starts at token 0. Items are searched concurrently.
func BinarizeMAS(ctx context.Context, attn *tensor.Tensor, queryLens, keyLens []int) (*tensor.Tensor, error) {
	shape := attn.Shape()
	if len(shape) != 4 || shape[1] != 1 {
		return nil, fmt.Errorf("%w: alignment %v is not [B, 1, Tq, Tk]", ErrShape, shape)
	}

	batch, tq, tk := shape[0], shape[2], shape[3]

	if err := ops.ValidateLengths(queryLens, batch, tq); err != nil {
		return nil, err
	}

	if err := ops.ValidateLengths(keyLens, batch, tk); err != nil {
		return nil, err
	}

	hard := tensor.ZerosLike(attn)
	src, dst := attn.RawData(), hard.RawData()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(tensor.Workers(), 1))

	for b := range int(batch) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			item := int64(b) * tq * tk
			searchPath(src[item:item+tq*tk], dst[item:item+tq*tk], queryLens[b], keyLens[b], int(tk))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return hard, nil
}

// searchPath writes the most likely monotonic path through the rows x cols
// block of probs (row stride stride) into out as ones.
func searchPath(probs, out []float32, rows, cols, stride int) {
	if rows == 0 || cols == 0 {
		return
	}

	logP := make([]float64, rows*cols)
	from := make([]int, rows*cols)
	negInf := math.Inf(-1)

	logOf := func(i, j int) float64 {
		return math.Log(float64(probs[i*stride+j]))
	}

	logP[0] = logOf(0, 0)
	for j := 1; j < cols; j++ {
		logP[j] = negInf
	}

	for i := 1; i < rows; i++ {
		for j := range cols {
			prev, prevJ := logP[(i-1)*cols+j], j

			if j > 0 && logP[(i-1)*cols+j-1] >= prev {
				prev, prevJ = logP[(i-1)*cols+j-1], j-1
			}

			logP[i*cols+j] = logOf(i, j) + prev
			from[i*cols+j] = prevJ
		}
	}

	j := cols - 1
	for i := rows - 1; i >= 0; i-- {
		out[i*stride+j] = 1
		j = from[i*cols+j]
	}
}

// Durations counts, per item, how many frames each token occupies in a hard
// alignment [B, 1, Tq, Tk]. Only the first keyLens[b] tokens are returned.
func Durations(hard *tensor.Tensor, keyLens []int) ([][]float32, error) {
	shape := hard.Shape()
	if len(shape) != 4 || shape[1] != 1 {
		return nil, fmt.Errorf("%w: alignment %v is not [B, 1, Tq, Tk]", ErrShape, shape)
	}

	batch, tq, tk := shape[0], shape[2], shape[3]

	if err := ops.ValidateLengths(keyLens, batch, tk); err != nil {
		return nil, err
	}

	d := hard.RawData()
	out := make([][]float32, batch)

	for b := range batch {
		row := make([]float32, keyLens[b])

		for i := range tq {
			base := (b*tq + i) * tk
			for j := range row {
				row[j] += d[base+int64(j)]
			}
		}

		out[b] = row
	}

	return out, nil
}
