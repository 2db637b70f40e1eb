package tensor

// Axpy computes dst += alpha * src element-wise.
// If src and dst lengths differ, the shorter length is used.
func Axpy(dst []float32, alpha float32, src []float32) {
	n := min(len(dst), len(src))
	if n == 0 || alpha == 0 {
		return
	}

	dst, src = dst[:n], src[:n]
	for i := range dst {
		dst[i] += alpha * src[i]
	}
}
