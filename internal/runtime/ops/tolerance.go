package ops

import (
	"fmt"
	"math"
)

// Tolerance defines acceptable numeric drift for a kernel or flow check.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Allows reports whether got is within tolerance of want.
func (t Tolerance) Allows(got, want float64) bool {
	return math.Abs(got-want) <= t.Abs+t.Rel*math.Abs(want)
}

// KernelTolerances defines per-check float32 tolerances used by tests and by
// the verify command.
var KernelTolerances = map[string]Tolerance{
	"softmax":       {Abs: 1e-5, Rel: 1e-5},
	"conv1d":        {Abs: 2e-4, Rel: 2e-4},
	"partial_conv":  {Abs: 2e-4, Rel: 2e-4},
	"roundtrip":     {Abs: 1e-3, Rel: 1e-3},
	"logdet":        {Abs: 5e-2, Rel: 1e-2},
	"attention_row": {Abs: 1e-4, Rel: 0},
}

func KernelTolerance(name string) (Tolerance, error) {
	t, ok := KernelTolerances[name]
	if !ok {
		return Tolerance{}, fmt.Errorf("ops: no tolerance configured for kernel %q", name)
	}

	return t, nil
}

// MaxAbsDiff returns the largest absolute element difference of two
// equal-length slices, or +Inf if their lengths differ.
func MaxAbsDiff(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}

	var worst float64
	for i := range a {
		worst = max(worst, math.Abs(float64(a[i])-float64(b[i])))
	}

	return worst
}
