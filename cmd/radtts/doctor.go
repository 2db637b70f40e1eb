package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-radtts/internal/checkpoint"
	"github.com/example/go-radtts/internal/config"
	"github.com/example/go-radtts/internal/doctor"
	"github.com/example/go-radtts/internal/nn"
)

func newDoctorCmd() *cobra.Command {
	var skipSelfCheck bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and checkpoint checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "flows: %d x (%s, %s)\n", cfg.Model.Flows, cfg.Model.InvConv, cfg.Model.Coupling)

			dcfg := doctor.Config{
				CheckpointPath:     cfg.Paths.Checkpoint,
				ValidateCheckpoint: func(path string) error { return validateCheckpoint(cfg, path) },
				Workers:            cfg.Runtime.Workers,
			}
			if !skipSelfCheck {
				dcfg.SelfCheck = func() error { return randomSelfCheck(cfg, io.Discard) }
			}

			result := doctor.Run(dcfg, os.Stdout)

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipSelfCheck, "skip-self-check", false, "Skip the numeric flow round trip")

	return cmd
}

// validateCheckpoint checks that path holds every parameter of the configured
// decoder with the expected shapes.
func validateCheckpoint(cfg config.Config, path string) error {
	vb, err := checkpoint.OpenVarBuilder(path)
	if err != nil {
		return err
	}
	defer vb.Store().Close()

	d, err := buildDecoder(cfg, newRNG(cfg.Runtime.Seed))
	if err != nil {
		return err
	}

	return checkpoint.Load(vb, d)
}

// randomSelfCheck runs selfCheck on a freshly initialised, perturbed stack so
// the numeric kernels are tested without a checkpoint.
func randomSelfCheck(cfg config.Config, w io.Writer) error {
	rng := newRNG(cfg.Runtime.Seed)

	d, err := buildDecoder(cfg, rng)
	if err != nil {
		return err
	}

	nn.Perturb(d.Stack, rng, 0.05)

	_, err = selfCheck(d.Stack, cfg.Model.ContextChannels, cfg.Model.Sigma, 16, rng, w)

	return err
}
