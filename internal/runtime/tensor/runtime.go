package tensor

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// workers controls goroutine parallelism for tensor math kernels such as
// MatMul. Values <= 1 disable parallel execution.
var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets the maximum number of goroutines used by tensor kernels.
// n <= 1 disables kernel parallelism.
func SetWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	n = max(n, 1)
	n = min(n, maxInt32)

	workers.Store(int32(n))
}

// Workers returns the configured kernel parallelism.
func Workers() int {
	return getWorkers()
}

func getWorkers() int {
	return max(int(workers.Load()), 1)
}

// ParallelFor splits [0, n) into at most maxWorkers contiguous chunks and
// runs fn on each. It returns once every chunk has finished.
func ParallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	parallelFor(n, maxWorkers, fn)
}

func parallelFor(n, maxWorkers int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}

	if maxWorkers <= 1 || n == 1 {
		fn(0, n)
		return
	}

	maxWorkers = min(maxWorkers, n)
	chunk := (n + maxWorkers - 1) / maxWorkers

	var g errgroup.Group
	g.SetLimit(maxWorkers)

	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}

	_ = g.Wait()
}
