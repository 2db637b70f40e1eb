package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/flow"
	"github.com/example/go-radtts/internal/nn"
	"github.com/example/go-radtts/internal/runtime/ops"
	"github.com/example/go-radtts/internal/runtime/tensor"
)

func newVerifyCmd() *cobra.Command {
	var random bool
	var frames int
	var perturb float32

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the decoder flows invert and produce finite log-likelihoods",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			rng := newRNG(cfg.Runtime.Seed)

			var d *decoder
			if random {
				d, err = buildDecoder(cfg, rng)
				if err == nil && perturb > 0 {
					nn.Perturb(d.Stack, rng, perturb)
				}
			} else {
				if _, err := fmt.Fprintf(os.Stdout, "verifying checkpoint: %s\n", cfg.Paths.Checkpoint); err != nil {
					return fmt.Errorf("write status: %w", err)
				}
				d, err = loadDecoder(cfg, cfg.Paths.Checkpoint)
			}
			if err != nil {
				return err
			}

			_, err = selfCheck(d.Stack, cfg.Model.ContextChannels, cfg.Model.Sigma, frames, rng, os.Stdout)

			return err
		},
	}

	cmd.Flags().BoolVar(&random, "random", false, "Verify a freshly initialised stack instead of the checkpoint")
	cmd.Flags().IntVar(&frames, "frames", 32, "Frames per test sequence")
	cmd.Flags().Float32Var(&perturb, "perturb", 0.05, "Noise added to a --random stack so couplings are not the identity")

	return cmd
}

type selfCheckReport struct {
	ForwardInverse float64
	InverseForward float64
	LogDet         []float64
	LogLikelihood  []float64
}

// selfCheck pushes a padded random batch through the stack in both
// directions and reports the worst reconstruction error on valid frames.
func selfCheck(stack *flow.Stack, ctxChannels int64, sigma float64, frames int, rng *rand.Rand, w io.Writer) (selfCheckReport, error) {
	var rep selfCheckReport

	if frames < 2 {
		return rep, fmt.Errorf("self-check needs at least 2 frames, got %d", frames)
	}

	tol, err := ops.KernelTolerance("roundtrip")
	if err != nil {
		return rep, err
	}

	lens := []int{frames, frames - frames/3}
	batch, tl := int64(len(lens)), int64(frames)

	z, err := randomNormal(rng, batch, stack.Channels(), tl)
	if err != nil {
		return rep, err
	}

	ctx, err := randomNormal(rng, batch, ctxChannels, tl)
	if err != nil {
		return rep, err
	}

	mask, err := ops.LengthMask(lens, tl)
	if err != nil {
		return rep, err
	}

	if _, err := ops.ApplyTimeMask(z, mask); err != nil {
		return rep, err
	}

	y, logDets, err := stack.Forward(z, ctx, lens)
	if err != nil {
		return rep, err
	}

	back, err := stack.Inverse(y, ctx, lens)
	if err != nil {
		return rep, err
	}

	again, _, err := stack.Forward(back, ctx, lens)
	if err != nil {
		return rep, err
	}

	rep.ForwardInverse = maxValidDiff(back, z, lens)
	rep.InverseForward = maxValidDiff(again, y, lens)

	rep.LogDet, err = flow.SumLogDets(logDets, int(batch), frames, lens)
	if err != nil {
		return rep, err
	}

	rep.LogLikelihood, err = stack.LogLikelihood(z, ctx, lens, sigma)
	if err != nil {
		return rep, err
	}

	var errs []error

	report := func(ok bool, format string, args ...any) {
		mark := "✓"
		if !ok {
			mark = "✗"
			errs = append(errs, fmt.Errorf(format, args...))
		}
		_, _ = fmt.Fprintf(w, "  %s "+format+"\n", append([]any{mark}, args...)...)
	}

	report(tol.Allows(rep.ForwardInverse, 0), "inverse(forward(z)) max error %.3g", rep.ForwardInverse)
	report(tol.Allows(rep.InverseForward, 0), "forward(inverse(y)) max error %.3g", rep.InverseForward)
	report(allFinite(rep.LogDet), "log-determinant per item %.4g", rep.LogDet)
	report(allFinite(rep.LogLikelihood), "log-likelihood per item %.4g", rep.LogLikelihood)

	return rep, errors.Join(errs...)
}

// maxValidDiff compares a and b [B, C, T] on frames t < lens[b].
func maxValidDiff(a, b *tensor.Tensor, lens []int) float64 {
	ch, tl := a.Dim(1), a.Dim(2)
	ad, bd := a.RawData(), b.RawData()

	var worst float64

	for i, l := range lens {
		for c := range ch {
			off := (int64(i)*ch + c) * tl
			worst = max(worst, ops.MaxAbsDiff(ad[off:off+int64(l)], bd[off:off+int64(l)]))
		}
	}

	return worst
}

func allFinite(vals []float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}
