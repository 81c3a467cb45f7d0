package ml

import (
	"golang.org/x/sync/errgroup"

	"github.com/gitbearflying/demucs/envconfig"
)

// Parallel calls fn for every index in [0, n), splitting the range into at
// most envconfig.NumThreads contiguous chunks. Iterations must write
// disjoint outputs; the result then does not depend on the thread count.
// Shapes must be validated before calling Parallel since a panic inside fn
// cannot be recovered by the caller.
func Parallel(n int, fn func(i int)) {
	threads := min(envconfig.NumThreads, n)
	if threads <= 1 {
		for i := range n {
			fn(i)
		}
		return
	}

	chunk := (n + threads - 1) / threads

	var g errgroup.Group
	g.SetLimit(threads)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				fn(i)
			}
			return nil
		})
	}

	_ = g.Wait()
}
