package ops

import (
	"sync"
	"sync/atomic"
)

// convWorkers controls the number of goroutines used by the Conv1D fast path.
// A value of 0 or 1 means sequential (default).
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used for parallel
// Conv1D execution. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	n = max(n, 0)
	n = min(n, maxInt32)

	convWorkers.Store(int32(n))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

// scratchPools holds reusable []float32 buffers in power-of-two size classes
// from 2^10 to 2^26 floats. The im2col path allocates one patch matrix per
// call, which dominates allocation otherwise.
var scratchPools [17]sync.Pool

// getScratch returns a zeroed []float32 of exactly n elements. Callers must
// hand it back with putScratch.
func getScratch(n int) []float32 {
	cls := scratchClass(n)

	sz := 1 << (cls + 10)
	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		if buf, ok := v.([]float32); ok && cap(buf) >= n {
			buf = buf[:n]
			clear(buf)

			return buf
		}
	}

	return make([]float32, sz)[:n]
}

func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) != c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}

func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	bits := 0
	for v := n - 1; v > 0; v >>= 1 {
		bits++
	}

	return min(max(bits-10, 0), 16)
}
