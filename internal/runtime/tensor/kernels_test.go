package tensor

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"
)

func TestDotProduct(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"empty", nil, nil, 0},
		{"single", []float32{3}, []float32{4}, 12},
		{"basic", []float32{1, 2, 3}, []float32{4, 5, 6}, 32},
		{"negative", []float32{-1, 2}, []float32{3, -4}, -11},
		{"unrolled tail", filled(7, 1), filled(7, 2), 14},
		{"length mismatch", []float32{1, 2, 3}, []float32{1, 1}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DotProduct(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-5 {
				t.Fatalf("DotProduct = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestAxpy(t *testing.T) {
	tests := []struct {
		name  string
		dst   []float32
		alpha float32
		src   []float32
		want  []float32
	}{
		{"basic", []float32{1, 2, 3}, 0.5, []float32{4, 5, 6}, []float32{3, 4.5, 6}},
		{"empty", nil, 1, nil, nil},
		{"shorter src", []float32{1, 2, 3, 4}, 2, []float32{10, 20}, []float32{21, 42, 3, 4}},
		{"zero alpha", []float32{1, 2, 3}, 0, []float32{9, 9, 9}, []float32{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := append([]float32(nil), tt.dst...)
			Axpy(got, tt.alpha, tt.src)

			if !equalF32(got, tt.want, 1e-5) {
				t.Fatalf("Axpy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParallelForCoversRange(t *testing.T) {
	for _, w := range []int{1, 2, 3, 8, 100} {
		t.Run(fmt.Sprintf("workers=%d", w), func(t *testing.T) {
			const n = 37

			var hits [n]atomic.Int32

			ParallelFor(n, w, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					hits[i].Add(1)
				}
			})

			for i := range hits {
				if got := hits[i].Load(); got != 1 {
					t.Fatalf("index %d visited %d times", i, got)
				}
			}
		})
	}
}

func TestSetWorkersClamps(t *testing.T) {
	defer SetWorkers(1)

	SetWorkers(-3)
	if Workers() != 1 {
		t.Fatalf("Workers() = %d, want 1", Workers())
	}

	SetWorkers(6)
	if Workers() != 6 {
		t.Fatalf("Workers() = %d, want 6", Workers())
	}
}

func BenchmarkDotProduct(b *testing.B) {
	for _, n := range []int{8, 64, 512, 4096} {
		x := filled(n, 0.5)
		y := filled(n, 0.25)

		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			for range b.N {
				_ = DotProduct(x, y)
			}
		})
	}
}
