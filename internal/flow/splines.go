package flow

import (
	"math"
	"sort"
)

// Monotone splines on [0, 1]. Inputs outside [0, 1] pass through unchanged
// with a zero log-slope.

// splineWork holds per-goroutine scratch for the spline kernels.
type splineWork struct {
	q, cdf []float64
	v      []float64
}

func newSplineWork(bins int) *splineWork {
	return &splineWork{
		q:   make([]float64, bins+1),
		cdf: make([]float64, bins+2),
		v:   make([]float64, bins+1),
	}
}

// softmaxInto writes softmax(logits) into dst[:len(logits)].
func softmaxInto(dst []float64, logits []float32) {
	m := math.Inf(-1)
	for _, l := range logits {
		m = max(m, float64(l))
	}

	var sum float64
	for i, l := range logits {
		dst[i] = math.Exp(float64(l) - m)
		sum += dst[i]
	}

	for i := range logits {
		dst[i] /= sum
	}
}

// cumulative writes the left edges of each bin (cdf[0] = 0, cdf[n] = total).
func cumulative(cdf, mass []float64) {
	cdf[0] = 0
	for i, m := range mass {
		cdf[i+1] = cdf[i] + m
	}
}

func outside(x float64) bool { return x < 0 || x > 1 }

// linearForward maps x through the CDF of a piecewise-constant density with
// len(logits) equal-width bins and bin masses softmax(logits).
func (w *splineWork) linearForward(x float64, logits []float32) (y, logJ float64) {
	if outside(x) {
		return x, 0
	}

	n := len(logits)
	q := w.q[:n]
	softmaxInto(q, logits)
	cumulative(w.cdf, q)

	xb := x * float64(n)
	bin := min(int(math.Floor(xb)), n-1)
	alpha := xb - float64(bin)

	return w.cdf[bin] + alpha*q[bin], math.Log(q[bin] * float64(n))
}

// linearInverse inverts linearForward. logJ is the log-slope of the inverse.
func (w *splineWork) linearInverse(y float64, logits []float32) (x, logJ float64) {
	if outside(y) {
		return y, 0
	}

	n := len(logits)
	q := w.q[:n]
	softmaxInto(q, logits)
	cumulative(w.cdf, q)

	bin := searchBin(w.cdf[:n+1], y)
	alpha := (y - w.cdf[bin]) / q[bin]
	x = (float64(bin) + alpha) / float64(n)

	return min(max(x, 0), 1), -math.Log(q[bin] * float64(n))
}

// quadratic evaluates (or inverts) a monotone piecewise-quadratic CDF with
// bin widths softmax(wl) and vertex heights exp(vl), normalised so the
// density integrates to one.
func (w *splineWork) quadratic(x float64, wl, vl []float32, inverse bool) (y, logJ float64) {
	if outside(x) {
		return x, 0
	}

	n := len(wl)
	width := w.q[:n]
	softmaxInto(width, wl)

	v := w.v[:n+1]

	vmax := math.Inf(-1)
	for _, l := range vl {
		vmax = max(vmax, float64(l))
	}

	var area float64
	for i, l := range vl {
		v[i] = math.Exp(float64(l) - vmax)
	}

	for i := range n {
		area += (v[i] + v[i+1]) / 2 * width[i]
	}

	for i := range v {
		v[i] /= area
	}

	// Bin edges along x in cdf[:n+1], CDF at those edges in edge.
	edgeX := w.cdf[:n+1]
	cumulative(edgeX, width)

	if !inverse {
		bin := searchBin(edgeX, x)
		alpha := (x - edgeX[bin]) / width[bin]
		base := integralTo(v, width, bin)
		slope := v[bin+1] - v[bin]

		y = base + alpha*v[bin]*width[bin] + alpha*alpha/2*slope*width[bin]
		dens := v[bin] + alpha*slope

		return min(max(y, 0), 1), math.Log(dens)
	}

	bin, base := 0, 0.0
	for bin < n-1 {
		next := base + (v[bin]+v[bin+1])/2*width[bin]
		if x < next {
			break
		}

		base = next
		bin++
	}

	a := (v[bin+1] - v[bin]) * width[bin] / 2
	b := v[bin] * width[bin]
	c := base - x

	// Root of a*alpha^2 + b*alpha + c = 0 in the form that stays accurate
	// when a is near zero.
	disc := math.Max(b*b-4*a*c, 0)
	alpha := 2 * -c / (b + math.Sqrt(disc))
	alpha = min(max(alpha, 0), 1)

	y = edgeX[bin] + alpha*width[bin]
	dens := v[bin] + alpha*(v[bin+1]-v[bin])

	return min(max(y, 0), 1), -math.Log(dens)
}

// integralTo returns the CDF value at the left edge of bin.
func integralTo(v, width []float64, bin int) float64 {
	var s float64
	for i := range bin {
		s += (v[i] + v[i+1]) / 2 * width[i]
	}

	return s
}

// searchBin returns the bin k with edges[k] <= x < edges[k+1], clamped to
// the last bin for x == edges[n].
func searchBin(edges []float64, x float64) int {
	n := len(edges) - 1
	k := sort.SearchFloat64s(edges[1:], x)

	// SearchFloat64s finds the first edge >= x; an exact hit on an interior
	// edge belongs to the next bin.
	if k < n && edges[k+1] == x {
		k++
	}

	return min(k, n-1)
}
