package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/attention"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

func newAlignCmd() *cobra.Command {
	var inputPath string
	var out string
	var melLens []int
	var textLens []int

	cmd := &cobra.Command{
		Use:   "align",
		Short: "Align mel frames to text tokens and derive token durations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			d, err := loadDecoder(cfg, cfg.Paths.Checkpoint)
			if err != nil {
				return err
			}

			inputs, err := readTensors(inputPath)
			if err != nil {
				return fmt.Errorf("read inputs: %w", err)
			}

			res, err := align(cmd.Context(), d.Attention, inputs, melLens, textLens)
			if err != nil {
				return err
			}

			if err := writeTensors(out, res.tensors(), nil); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			printDurations(os.Stdout, res.Durations)

			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "inputs", "", "Safetensors file with \"mel\" [B, C_mel, Tq], \"text\" [B, C_text, Tk] and optional \"prior\" [B, Tq, Tk]")
	cmd.Flags().StringVar(&out, "out", "alignment.safetensors", "Output safetensors path")
	cmd.Flags().IntSliceVar(&melLens, "mel-lens", nil, "Valid mel frames per batch item (default: all)")
	cmd.Flags().IntSliceVar(&textLens, "text-lens", nil, "Valid text tokens per batch item (default: all)")
	_ = cmd.MarkFlagRequired("inputs")

	return cmd
}

type alignment struct {
	Soft      *tensor.Tensor // [B, 1, Tq, Tk]
	LogProb   *tensor.Tensor // [B, 1, Tq, Tk]
	Hard      *tensor.Tensor // [B, 1, Tq, Tk]
	Durations [][]float32
	// Aligned holds the text features expanded by Durations, [B, T, C_text].
	Aligned    *tensor.Tensor
	AlignedLen []int
}

func (a *alignment) tensors() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		"attn_soft":    a.Soft,
		"attn_logprob": a.LogProb,
		"attn_hard":    a.Hard,
		"durations":    durationTensor(a.Durations, a.Soft.Dim(3)),
		"text_aligned": a.Aligned,
	}
}

func align(ctx context.Context, att *attention.ConvAttention, inputs map[string]*tensor.Tensor, melLens, textLens []int) (*alignment, error) {
	mel, err := requireTensor(inputs, "mel", 3)
	if err != nil {
		return nil, err
	}

	text, err := requireTensor(inputs, "text", 3)
	if err != nil {
		return nil, err
	}

	batch, tq, tk := mel.Dim(0), mel.Dim(2), text.Dim(2)

	qLens, err := lengthsOrNil(melLens, batch, tq)
	if err != nil {
		return nil, fmt.Errorf("mel lengths: %w", err)
	}

	kLens, err := lengthsOrNil(textLens, batch, tk)
	if err != nil {
		return nil, fmt.Errorf("text lengths: %w", err)
	}

	if qLens == nil {
		qLens = fullLengths(batch, tq)
	}

	if kLens == nil {
		kLens = fullLengths(batch, tk)
	}

	soft, logProb, err := att.Forward(mel, text, kLens, inputs["prior"])
	if err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}

	hard, err := attention.BinarizeMAS(ctx, soft, qLens, kLens)
	if err != nil {
		return nil, fmt.Errorf("binarize: %w", err)
	}

	durs, err := attention.Durations(hard, kLens)
	if err != nil {
		return nil, err
	}

	perToken, err := text.Transpose(1, 2)
	if err != nil {
		return nil, err
	}

	aligned, alignedLens, err := ops.LengthRegulate(perToken, padDurations(durs, tk))
	if err != nil {
		return nil, fmt.Errorf("length regulate: %w", err)
	}

	return &alignment{
		Soft:       soft,
		LogProb:    logProb,
		Hard:       hard,
		Durations:  durs,
		Aligned:    aligned,
		AlignedLen: alignedLens,
	}, nil
}

func fullLengths(batch, width int64) []int {
	lens := make([]int, batch)
	for i := range lens {
		lens[i] = int(width)
	}

	return lens
}

// padDurations right-pads every row with zeros to width tokens.
func padDurations(durs [][]float32, width int64) [][]float32 {
	out := make([][]float32, len(durs))
	for i, row := range durs {
		out[i] = make([]float32, width)
		copy(out[i], row)
	}

	return out
}

func durationTensor(durs [][]float32, width int64) *tensor.Tensor {
	padded := padDurations(durs, width)

	data := make([]float32, 0, int64(len(padded))*width)
	for _, row := range padded {
		data = append(data, row...)
	}

	t, _ := tensor.New(data, []int64{int64(len(padded)), width})

	return t
}

func printDurations(w io.Writer, durs [][]float32) {
	for i, row := range durs {
		var total float32
		for _, d := range row {
			total += d
		}

		_, _ = fmt.Fprintf(w, "item %d: %d tokens, %.0f frames, durations %v\n", i, len(row), total, row)
	}
}
