package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/runtime/tensor"
)

func newInferCmd() *cobra.Command {
	var contextPath string
	var out string
	var frames int
	var lens []int

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Sample mel frames from the decoder flows given a context",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			d, err := loadDecoder(cfg, cfg.Paths.Checkpoint)
			if err != nil {
				return err
			}

			rng := newRNG(cfg.Runtime.Seed)

			var ctx *tensor.Tensor
			if contextPath != "" {
				inputs, err := readTensors(contextPath)
				if err != nil {
					return fmt.Errorf("read context: %w", err)
				}

				if ctx, err = requireTensor(inputs, "context", 3); err != nil {
					return err
				}
			} else {
				slog.Info("no --context given, sampling with a random context", "frames", frames)

				if ctx, err = randomNormal(rng, 1, cfg.Model.ContextChannels, int64(frames)); err != nil {
					return err
				}
			}

			if ctx.Dim(1) != cfg.Model.ContextChannels {
				return fmt.Errorf("context has %d channels, model expects %d", ctx.Dim(1), cfg.Model.ContextChannels)
			}

			seqLens, err := lengthsOrNil(lens, ctx.Dim(0), ctx.Dim(2))
			if err != nil {
				return err
			}

			mel, err := d.Stack.Sample(ctx, seqLens, cfg.Model.Sigma, rng)
			if err != nil {
				return fmt.Errorf("sample: %w", err)
			}

			meta := map[string]string{"sigma": fmt.Sprint(cfg.Model.Sigma)}
			if err := writeTensors(out, map[string]*tensor.Tensor{"mel": mel}, meta); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			_, _ = fmt.Fprintf(os.Stdout, "wrote mel %v to %s\n", mel.Shape(), out)

			return nil
		},
	}

	cmd.Flags().StringVar(&contextPath, "context", "", "Safetensors file holding a [B, C_ctx, T] tensor named \"context\"")
	cmd.Flags().StringVar(&out, "out", "mel.safetensors", "Output safetensors path")
	cmd.Flags().IntVar(&frames, "frames", 100, "Frames to sample when no --context is given")
	cmd.Flags().IntSliceVar(&lens, "lens", nil, "Valid frames per batch item (default: all)")

	return cmd
}
