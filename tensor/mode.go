package tensor

import (
	"runtime"
	"sync"
	"sync/atomic"
)

var (
	gradDisabled  atomic.Bool
	autocastOn    atomic.Bool
	deterministic atomic.Bool
	numThreads    atomic.Int32
	inflight      sync.WaitGroup
)

func init() {
	numThreads.Store(int32(runtime.GOMAXPROCS(0)))
}

// NoGrad disables graph recording until the returned function is called.
func NoGrad() (restore func()) {
	prev := gradDisabled.Swap(true)
	return func() { gradDisabled.Store(prev) }
}

func IsGradEnabled() bool {
	return !gradDisabled.Load()
}

// Autocast toggles reduced-precision execution of matmul and convolution
// kernels. Their inputs, outputs and gradients are rounded through IEEE
// half precision while everything else stays in float32.
func Autocast(enabled bool) (restore func()) {
	prev := autocastOn.Swap(enabled)
	return func() { autocastOn.Store(prev) }
}

func IsAutocastEnabled() bool {
	return autocastOn.Load()
}

// SetDeterministic forces reductions across samples to run in a fixed
// order so repeated runs produce bit-identical gradients.
func SetDeterministic(on bool) {
	deterministic.Store(on)
}

func IsDeterministic() bool {
	return deterministic.Load()
}

// SetNumThreads bounds the goroutines a single kernel may use.
func SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	numThreads.Store(int32(n))
}

func NumThreads() int {
	return int(numThreads.Load())
}

// Synchronize blocks until every kernel worker launched so far has exited.
func Synchronize() {
	inflight.Wait()
}

// parallelFor runs fn for every index in [0, n) on up to NumThreads
// goroutines and returns once all of them are done.
func parallelFor(n int, fn func(i int)) {
	workers := NumThreads()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer wg.Done()
			for {
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				fn(i)
			}
		}()
	}
	wg.Wait()
}
