package flow

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/example/go-radtts/internal/nn"
)

func randLogits(seed uint64, n int) []float32 {
	rng := newRNG(seed)
	out := make([]float32, n)

	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}

	return out
}

func TestLinearSplineInvertsAndIsMonotone(t *testing.T) {
	w := newSplineWork(6)
	logits := randLogits(1, 6)

	prev := -1.0

	for i := 0; i <= 100; i++ {
		x := float64(i) / 100

		y, _ := w.linearForward(x, logits)
		if y < prev {
			t.Fatalf("not monotone at x=%v: %v < %v", x, y, prev)
		}

		prev = y

		back, _ := w.linearInverse(y, logits)
		if math.Abs(back-x) > 1e-9 {
			t.Fatalf("inverse(forward(%v)) = %v", x, back)
		}
	}

	if y, _ := w.linearForward(1, logits); math.Abs(y-1) > 1e-12 {
		t.Fatalf("forward(1) = %v, want 1", y)
	}
}

func TestLinearSplineLogSlope(t *testing.T) {
	w := newSplineWork(5)
	logits := randLogits(2, 5)

	for _, x := range []float64{0.05, 0.33, 0.51, 0.97} {
		_, logJ := w.linearForward(x, logits)

		hi, _ := w.linearForward(x+1e-6, logits)
		lo, _ := w.linearForward(x-1e-6, logits)

		if num := math.Log((hi - lo) / 2e-6); math.Abs(num-logJ) > 1e-4 {
			t.Fatalf("x=%v: logJ=%v numeric=%v", x, logJ, num)
		}
	}
}

func TestQuadraticSplineInvertsAndIntegratesToOne(t *testing.T) {
	const bins = 4

	w := newSplineWork(bins)
	wl, vl := randLogits(3, bins), randLogits(4, bins+1)

	if y, _ := w.quadratic(1, wl, vl, false); math.Abs(y-1) > 1e-9 {
		t.Fatalf("forward(1) = %v, want 1", y)
	}

	for i := 0; i <= 50; i++ {
		x := float64(i) / 50

		y, logJ := w.quadratic(x, wl, vl, false)
		back, invLogJ := w.quadratic(y, wl, vl, true)

		if math.Abs(back-x) > 1e-7 {
			t.Fatalf("inverse(forward(%v)) = %v", x, back)
		}

		if math.Abs(logJ+invLogJ) > 1e-6 {
			t.Fatalf("x=%v: forward logJ %v and inverse logJ %v do not cancel", x, logJ, invLogJ)
		}
	}
}

func TestQuadraticSplineLogSlope(t *testing.T) {
	w := newSplineWork(3)
	wl, vl := randLogits(5, 3), randLogits(6, 4)

	for _, x := range []float64{0.1, 0.4, 0.77} {
		_, logJ := w.quadratic(x, wl, vl, false)
		hi, _ := w.quadratic(x+1e-6, wl, vl, false)
		lo, _ := w.quadratic(x-1e-6, wl, vl, false)

		if num := math.Log((hi - lo) / 2e-6); math.Abs(num-logJ) > 1e-4 {
			t.Fatalf("x=%v: logJ=%v numeric=%v", x, logJ, num)
		}
	}
}

func TestSplinesPassOutliersThrough(t *testing.T) {
	w := newSplineWork(4)
	logits := randLogits(7, 4)

	for _, x := range []float64{-0.5, 1.25} {
		if y, lj := w.linearForward(x, logits); y != x || lj != 0 {
			t.Fatalf("linear(%v) = %v, %v", x, y, lj)
		}

		if y, lj := w.quadratic(x, logits, randLogits(8, 5), true); y != x || lj != 0 {
			t.Fatalf("quadratic inverse(%v) = %v, %v", x, y, lj)
		}
	}
}

func TestSearchBinEdges(t *testing.T) {
	edges := []float64{0, 0.25, 0.5, 1}

	got := []int{
		searchBin(edges, 0),
		searchBin(edges, 0.1),
		searchBin(edges, 0.25),
		searchBin(edges, 0.7),
		searchBin(edges, 1),
	}

	if diff := cmp.Diff([]int{0, 0, 1, 2, 2}, got); diff != "" {
		t.Fatalf("searchBin mismatch (-want +got):\n%s", diff)
	}
}

func smallSpline(t *testing.T, quadratic bool) *SplineCoupling {
	t.Helper()

	cfg := DefaultSplineConfig(4, 2)
	cfg.KernelSize = 3
	cfg.Bins = 5
	cfg.Quadratic = quadratic
	cfg.Bottom, cfg.Top = -3, 5

	layer, err := NewSplineCoupling(cfg, newRNG(30))
	if err != nil {
		t.Fatalf("NewSplineCoupling: %v", err)
	}

	return layer
}

func TestSplineCouplingRoundTrip(t *testing.T) {
	for _, quadratic := range []bool{false, true} {
		layer := smallSpline(t, quadratic)
		rng := newRNG(31)
		nn.Perturb(layer, rng, 0.2)

		z, ctx := randTensor(t, rng, 1.2, 2, 4, 6), randTensor(t, rng, 1, 2, 2, 6)
		assertRoundTrip(t, layer, z, ctx, []int{6, 3})
	}
}

func TestSplineCouplingLogDetMatchesJacobian(t *testing.T) {
	for _, quadratic := range []bool{false, true} {
		layer := smallSpline(t, quadratic)
		rng := newRNG(32)

		z, ctx := randTensor(t, rng, 1, 1, 4, 3), randTensor(t, rng, 1, 1, 2, 3)

		got := analyticLogDet(t, layer, z, ctx)
		num := numericLogDet(t, layer, z, ctx, 1e-3)

		if !tol(t, "logdet").Allows(got, num) {
			t.Fatalf("quadratic=%v: analytic %v vs numeric %v", quadratic, got, num)
		}
	}
}

func TestSplineCouplingLogDetIncludesRescale(t *testing.T) {
	layer := smallSpline(t, false)

	// Zero logits give a uniform spline and both domains span 8, so every
	// term vanishes.
	for _, p := range layer.Params() {
		clear(p.RawData())
	}

	z, ctx := randTensor(t, newRNG(33), 1, 1, 4, 2), randTensor(t, newRNG(34), 1, 1, 2, 2)

	_, ld, err := layer.Forward(z, ctx, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got := ld.Term.Shape(); !cmp.Equal(got, []int64{1, 1, 2}) {
		t.Fatalf("log-det shape = %v, want [1 1 2]", got)
	}

	want := []float32{0, 0}
	if diff := cmp.Diff(want, ld.Term.Data(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Fatalf("log-det mismatch (-want +got):\n%s", diff)
	}
}

func TestSplineCouplingWarnsOnOutOfRange(t *testing.T) {
	var buf bytes.Buffer

	cfg := DefaultSplineConfig(2, 1)
	cfg.Layers, cfg.KernelSize = 1, 1
	cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	layer, err := NewSplineCoupling(cfg, newRNG(35))
	if err != nil {
		t.Fatalf("NewSplineCoupling: %v", err)
	}

	z := randTensor(t, newRNG(36), 1, 1, 2, 3)
	z.RawData()[4] = 9

	y, _, err := layer.Forward(z, randTensor(t, newRNG(37), 1, 1, 1, 3), nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !strings.Contains(buf.String(), "beyond [0, 1]") {
		t.Fatalf("expected an out-of-range warning, log: %q", buf.String())
	}

	if got := y.RawData()[4]; math.Abs(float64(got)-9) > 1e-5 {
		t.Fatalf("outlier mapped to %v, want pass-through 9", got)
	}
}

func TestSplineARRoundTripAndLogDet(t *testing.T) {
	for _, quadratic := range []bool{false, true} {
		cfg := DefaultSplineARConfig(3, 2)
		cfg.Bins = 4
		cfg.Quadratic = quadratic

		layer, err := NewSplineAR(cfg, newRNG(40))
		if err != nil {
			t.Fatalf("NewSplineAR: %v", err)
		}

		rng := newRNG(41)
		nn.Perturb(layer, rng, 0.3)

		z, ctx := randTensor(t, rng, 2, 2, 3, 5), randTensor(t, rng, 1, 2, 2, 5)
		assertRoundTrip(t, layer, z, ctx, nil)

		z1, ctx1 := randTensor(t, rng, 1.5, 1, 3, 2), randTensor(t, rng, 1, 1, 2, 2)

		got := analyticLogDet(t, layer, z1, ctx1)
		num := numericLogDet(t, layer, z1, ctx1, 1e-3)

		if !tol(t, "logdet").Allows(got, num) {
			t.Fatalf("quadratic=%v: analytic %v vs numeric %v", quadratic, got, num)
		}
	}
}

func TestSplineLogDetWithUnequalSpans(t *testing.T) {
	tests := []struct {
		name      string
		ar        bool
		quadratic bool
	}{
		{name: "coupling/linear"},
		{name: "coupling/quadratic", quadratic: true},
		{name: "ar/linear", ar: true},
		{name: "ar/quadratic", ar: true, quadratic: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				layer       paramTransform
				transformed int
			)

			if tt.ar {
				cfg := DefaultSplineARConfig(3, 2)
				cfg.Bins = 4
				cfg.Quadratic = tt.quadratic
				cfg.Left, cfg.Right, cfg.Bottom, cfg.Top = -4, 4, -2, 2

				l, err := NewSplineAR(cfg, newRNG(42))
				if err != nil {
					t.Fatalf("NewSplineAR: %v", err)
				}

				layer, transformed = l, 3
			} else {
				cfg := DefaultSplineConfig(4, 2)
				cfg.KernelSize = 3
				cfg.Bins = 4
				cfg.Quadratic = tt.quadratic
				cfg.Left, cfg.Right, cfg.Bottom, cfg.Top = -4, 4, -2, 2

				l, err := NewSplineCoupling(cfg, newRNG(43))
				if err != nil {
					t.Fatalf("NewSplineCoupling: %v", err)
				}

				layer, transformed = l, 2
			}

			ch := int64(4)
			if tt.ar {
				ch = 3
			}

			rng := newRNG(44)
			z, ctx := randTensor(t, rng, 1, 1, ch, 3), randTensor(t, rng, 1, 1, 2, 3)

			// A uniform spline halves every transformed value's span.
			uniform := analyticLogDet(t, zeroParams(layer), z, ctx)
			if want := 3 * float64(transformed) * math.Log(0.5); math.Abs(uniform-want) > 1e-4 {
				t.Fatalf("uniform spline log-det = %v, want %v", uniform, want)
			}

			nn.Perturb(layer, rng, 0.3)

			got := analyticLogDet(t, layer, z, ctx)
			num := numericLogDet(t, layer, z, ctx, 1e-3)

			if !tol(t, "logdet").Allows(got, num) {
				t.Fatalf("analytic %v vs numeric %v", got, num)
			}

			assertRoundTrip(t, layer, z, ctx, nil)
		})
	}
}

func TestSplineConfigValidation(t *testing.T) {
	cfg := DefaultSplineConfig(4, 2)
	cfg.Bins = 0

	if _, err := NewSplineCoupling(cfg, newRNG(1)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for zero bins, got %v", err)
	}

	cfg = DefaultSplineConfig(4, 2)
	cfg.Right = cfg.Left

	if _, err := NewSplineCoupling(cfg, newRNG(1)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for empty domain, got %v", err)
	}

	if _, err := NewSplineAR(DefaultSplineARConfig(3, 0), newRNG(1)); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing context, got %v", err)
	}
}
