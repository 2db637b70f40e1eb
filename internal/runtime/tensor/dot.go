package tensor

// DotProduct returns the dot product of a and b. Only the common prefix of
// the two slices contributes.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}

	a, b = a[:n], b[:n]

	// Four accumulators let the compiler keep independent FMA chains.
	var s0, s1, s2, s3 float32

	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}

	return (s0 + s1) + (s2 + s3)
}
