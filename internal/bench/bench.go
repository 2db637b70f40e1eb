// Package bench provides benchmarking primitives for the radtts bench command.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing of a single flow pass over a batch of frames.
type RunResult struct {
	Index     int
	Cold      bool   // true for the first run (cold-start)
	Direction string // "forward" or "inverse"
	Duration  time.Duration
	// AudioDuration is the playback time the processed mel frames cover.
	AudioDuration time.Duration
	RTF           float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns compute_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(computeDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(computeDur) / float64(audioDur)
}

// FramesDuration returns the playback time of frames mel frames spaced hop
// samples apart at sampleRate.
func FramesDuration(frames, hop, sampleRate int) (time.Duration, error) {
	if frames < 0 || hop <= 0 || sampleRate <= 0 {
		return 0, fmt.Errorf("invalid frame geometry: frames=%d hop=%d sampleRate=%d", frames, hop, sampleRate)
	}
	nanos := int64(frames) * int64(hop) * int64(time.Second) / int64(sampleRate)
	return time.Duration(nanos), nil
}

// MeanRTF averages the RTF of runs, or returns 0 for no runs.
func MeanRTF(runs []RunResult) float64 {
	if len(runs) == 0 {
		return 0
	}
	var total float64
	for _, r := range runs {
		total += r.RTF
	}
	return total / float64(len(runs))
}

// Run calls fn runs times, timing each call. The first call is marked cold.
func Run(runs int, direction string, audio time.Duration, fn func() error) ([]RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("runs must be at least 1, got %d", runs)
	}
	results := make([]RunResult, 0, runs)
	for i := range runs {
		start := time.Now()
		if err := fn(); err != nil {
			return results, fmt.Errorf("%s run %d: %w", direction, i+1, err)
		}
		elapsed := time.Since(start)
		results = append(results, RunResult{
			Index:         i,
			Cold:          i == 0,
			Direction:     direction,
			Duration:      elapsed,
			AudioDuration: audio,
			RTF:           CalcRTF(elapsed, audio),
		})
	}
	return results, nil
}

// Durations extracts the run durations.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}
	return out
}

// ---------------------------------------------------------------------------
// RTF threshold gate
// ---------------------------------------------------------------------------

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-8s  %-5s  %10s  %12s  %8s\n", "Run", "Pass", "Cold", "MS", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 58))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-8s  %-5s  %10.1f  %12.1f  %8.3f\n",
			r.Index+1,
			r.Direction,
			cold,
			ms(r.Duration),
			ms(r.AudioDuration),
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 58))
	fmt.Fprintf(sb, "%-5s  %-8s  %-5s  %10.1f  (min)\n", "", "", "", ms(stats.Min))
	fmt.Fprintf(sb, "%-5s  %-8s  %-5s  %10.1f  (mean)\n", "", "", "", ms(stats.Mean))
	fmt.Fprintf(sb, "%-5s  %-8s  %-5s  %10.1f  (max)\n", "", "", "", ms(stats.Max))

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	Direction  string  `json:"direction"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			MeanMS: ms(stats.Mean),
			MaxMS:  ms(stats.Max),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			Direction:  r.Direction,
			DurationMS: ms(r.Duration),
			AudioMS:    ms(r.AudioDuration),
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(jr)
}
