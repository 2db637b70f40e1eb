// Package doctor provides environment preflight checks for radtts.
package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/cpu"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// CheckpointPath is the decoder checkpoint to look for. Empty skips the
	// checkpoint checks.
	CheckpointPath string
	// ValidateCheckpoint inspects the checkpoint contents, e.g. that every
	// parameter of the configured flow stack is present.
	ValidateCheckpoint func(path string) error
	// Workers is the configured kernel parallelism.
	Workers int
	// SelfCheck runs a numeric flow round trip.
	SelfCheck func() error
	// CPUFeatures lists the SIMD features relevant to the kernels. Nil uses
	// DetectCPUFeatures.
	CPUFeatures func() []string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- cpu --------------------------------------------------------------
	features := cfg.CPUFeatures
	if features == nil {
		features = DetectCPUFeatures
	}

	if fs := features(); len(fs) > 0 {
		fmt.Fprintf(w, "%s cpu features: %s\n", PassMark, strings.Join(fs, " "))
	} else {
		fmt.Fprintf(w, "%s cpu features: none detected (scalar kernels)\n", PassMark)
	}

	// ---- workers ----------------------------------------------------------
	if cfg.Workers < 1 {
		res.fail(fmt.Sprintf("workers: must be >= 1, got %d", cfg.Workers))
		fmt.Fprintf(w, "%s workers: %d (must be >= 1)\n", FailMark, cfg.Workers)
	} else {
		fmt.Fprintf(w, "%s workers: %d\n", PassMark, cfg.Workers)
	}

	// ---- checkpoint -------------------------------------------------------
	if cfg.CheckpointPath == "" {
		fmt.Fprintf(w, "%s checkpoint: skipped\n", PassMark)
	} else if _, err := os.Stat(cfg.CheckpointPath); err != nil {
		res.fail(fmt.Sprintf("checkpoint %q: %v", cfg.CheckpointPath, err))
		fmt.Fprintf(w, "%s checkpoint %s: not found\n", FailMark, cfg.CheckpointPath)
	} else {
		fmt.Fprintf(w, "%s checkpoint: %s\n", PassMark, cfg.CheckpointPath)

		if cfg.ValidateCheckpoint != nil {
			if err := cfg.ValidateCheckpoint(cfg.CheckpointPath); err != nil {
				res.fail(fmt.Sprintf("checkpoint validation: %v", err))
				fmt.Fprintf(w, "%s checkpoint validation: %v\n", FailMark, err)
			} else {
				fmt.Fprintf(w, "%s checkpoint validation: ok\n", PassMark)
			}
		}
	}

	// ---- flow self-check --------------------------------------------------
	if cfg.SelfCheck != nil {
		if err := cfg.SelfCheck(); err != nil {
			res.fail(fmt.Sprintf("flow self-check: %v", err))
			fmt.Fprintf(w, "%s flow self-check: %v\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s flow self-check: ok\n", PassMark)
		}
	}

	return res
}

// DetectCPUFeatures reports the SIMD extensions available on this machine.
func DetectCPUFeatures() []string {
	var out []string

	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}

	add(cpu.X86.HasSSE41, "sse4.1")
	add(cpu.X86.HasAVX, "avx")
	add(cpu.X86.HasAVX2, "avx2")
	add(cpu.X86.HasFMA, "fma")
	add(cpu.X86.HasAVX512F, "avx512f")
	add(cpu.ARM64.HasASIMD, "asimd")
	add(cpu.ARM64.HasFPHP, "fp16")

	return out
}
