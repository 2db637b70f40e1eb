package main

import (
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/bench"
	"github.com/example/go-radtts/internal/config"
	"github.com/example/go-radtts/internal/nn"
)

type benchOptions struct {
	Random       bool
	Frames       int
	Batch        int
	Runs         int
	Format       string
	RTFThreshold float64
	Hop          int
	SampleRate   int
	CPUProfile   string
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark flow forward (likelihood) and inverse (sampling) passes",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if opts.Format != "table" && opts.Format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			return runBench(cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Random, "random", false, "Benchmark a freshly initialised stack instead of the checkpoint")
	cmd.Flags().IntVar(&opts.Frames, "frames", 200, "Mel frames per batch item")
	cmd.Flags().IntVar(&opts.Batch, "batch", 1, "Batch size")
	cmd.Flags().IntVar(&opts.Runs, "runs", 5, "Number of runs per direction")
	cmd.Flags().StringVar(&opts.Format, "format", "table", "Output format: table|json")
	cmd.Flags().Float64Var(&opts.RTFThreshold, "rtf-threshold", 0, "Exit non-zero if mean inverse RTF exceeds this value (0 = disabled)")
	cmd.Flags().IntVar(&opts.Hop, "hop", 256, "Samples between mel frames, for RTF")
	cmd.Flags().IntVar(&opts.SampleRate, "sample-rate", 22050, "Audio sample rate, for RTF")
	cmd.Flags().StringVar(&opts.CPUProfile, "cpuprofile", "", "Write a CPU profile of the timed runs to this path")

	return cmd
}

func runBench(cfg config.Config, opts benchOptions) error {
	if opts.Frames < 1 || opts.Batch < 1 {
		return fmt.Errorf("--frames and --batch must be at least 1")
	}

	rng := newRNG(cfg.Runtime.Seed)

	var (
		d   *decoder
		err error
	)
	if opts.Random {
		d, err = buildDecoder(cfg, rng)
		if err == nil {
			nn.Perturb(d.Stack, rng, 0.05)
		}
	} else {
		d, err = loadDecoder(cfg, cfg.Paths.Checkpoint)
	}
	if err != nil {
		return err
	}

	audio, err := bench.FramesDuration(opts.Frames*opts.Batch, opts.Hop, opts.SampleRate)
	if err != nil {
		return err
	}

	batch, tl := int64(opts.Batch), int64(opts.Frames)

	ctx, err := randomNormal(rng, batch, cfg.Model.ContextChannels, tl)
	if err != nil {
		return err
	}

	mel, err := randomNormal(rng, batch, cfg.Model.MelChannels, tl)
	if err != nil {
		return err
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	forward, err := bench.Run(opts.Runs, "forward", audio, func() error {
		_, err := d.Stack.LogLikelihood(mel, ctx, nil, cfg.Model.Sigma)
		return err
	})
	if err != nil {
		return err
	}

	inverse, err := bench.Run(opts.Runs, "inverse", audio, func() error {
		_, err := d.Stack.Sample(ctx, nil, cfg.Model.Sigma, rng)
		return err
	})
	if err != nil {
		return err
	}

	results := append(forward, inverse...)
	stats := bench.ComputeStats(bench.Durations(results))

	switch opts.Format {
	case "json":
		bench.FormatJSON(results, stats, os.Stdout)
	default:
		bench.FormatTable(results, stats, os.Stdout)
	}

	return bench.CheckRTFThreshold(bench.MeanRTF(inverse), opts.RTFThreshold)
}
