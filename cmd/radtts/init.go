package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/checkpoint"
	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/safetensors"
)

func newInitCmd() *cobra.Command {
	var out string
	var perturb float32
	var f16 bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a freshly initialised decoder checkpoint",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if out == "" {
				out = cfg.Paths.Checkpoint
			}

			rng := newRNG(cfg.Runtime.Seed)

			d, err := buildDecoder(cfg, rng)
			if err != nil {
				return err
			}

			// Couplings start as the identity; perturbing gives a checkpoint
			// that exercises every layer.
			if perturb > 0 {
				nn.Perturb(d.Stack, rng, perturb)
			}

			dtype := "F32"
			if f16 {
				dtype = "F16"
			}

			err = checkpoint.Save(out, d, safetensors.EncodeOptions{DType: dtype, Metadata: decoderMetadata(cfg)})
			if err != nil {
				return fmt.Errorf("write checkpoint: %w", err)
			}

			_, _ = fmt.Fprintf(os.Stdout, "wrote %d tensors (%s) to %s\n", len(d.Params()), dtype, out)

			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Output checkpoint path (default: --checkpoint)")
	cmd.Flags().Float32Var(&perturb, "perturb", 0, "Uniform noise added to learned flow parameters")
	cmd.Flags().BoolVar(&f16, "f16", false, "Store tensors as float16")

	return cmd
}
